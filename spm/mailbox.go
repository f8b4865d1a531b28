// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// MaxMailboxPages is the largest RX/TX buffer size, in pages.
const MaxMailboxPages = 64

// mailbox represents the RX/TX buffer pair of an endpoint.
type mailbox struct {
	tx   uint64
	rx   uint64
	size uint64

	// full is set while the RX buffer is owned by the endpoint
	full bool
	// msg holds an indirect message not yet delivered
	msg *message
}

type message struct {
	src  uint16
	size uint64
}

func overlap(a uint64, b uint64, size uint64) bool {
	return a < b+size && b < a+size
}

// rxtxMap registers the RX/TX buffers of the caller.
func (s *SPMC) rxtxMap(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	tx := a[1]
	rx := a[2]
	n := uint32(a[3])

	if n == 0 || n > MaxMailboxPages || !aligned(tx, rx) {
		return res, fmt.Errorf("invalid buffers tx:%#x rx:%#x pages:%d, %w", tx, rx, n, ffa.ErrInvalidParameter)
	}

	size := uint64(n) * ffa.PageSize

	if overlap(tx, rx, size) {
		return res, fmt.Errorf("overlapping buffers, %w", ffa.ErrInvalidParameter)
	}

	if p := s.lookup(caller); p != nil {
		for _, addr := range []uint64{tx, rx} {
			if err = p.as.Check(addr, size, 0); err != nil {
				return res, fmt.Errorf("buffer not mapped, %v, %w", err, ffa.ErrInvalidParameter)
			}
		}
	} else {
		for _, addr := range []uint64{tx, rx} {
			r := ffa.MemRegion{Address: addr, PageCount: n}

			if !s.ram.Contains(addr, size) || s.mem.Claimed(r) {
				return res, fmt.Errorf("buffer %#x not in normal world memory, %w", addr, ffa.ErrInvalidParameter)
			}
		}
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.mailboxes[caller]; ok {
		return res, fmt.Errorf("buffers already mapped, %w", ffa.ErrDenied)
	}

	s.mailboxes[caller] = &mailbox{
		tx:   tx,
		rx:   rx,
		size: size,
	}

	s.log.WithField("endpoint", fmt.Sprintf("%#x", caller)).Debugf("SPMC mapped rx:%#x tx:%#x size:%d", rx, tx, size)

	return ffa.Success(), nil
}

// rxtxUnmap drops the RX/TX buffers of the caller.
func (s *SPMC) rxtxUnmap(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	if id := uint16(a[1] >> 16); id != 0 && id != caller {
		return res, fmt.Errorf("unmap of %#x buffers, %w", id, ffa.ErrInvalidParameter)
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.mailboxes[caller]; !ok {
		return res, fmt.Errorf("no buffers mapped, %w", ffa.ErrInvalidParameter)
	}

	delete(s.mailboxes, caller)

	return ffa.Success(), nil
}

// rxRelease returns the RX buffer ownership to the partition manager, any
// message held in it is dropped.
func (s *SPMC) rxRelease(caller uint16) (res ffa.Args, err error) {
	s.Lock()
	defer s.Unlock()

	mb, ok := s.mailboxes[caller]

	switch {
	case !ok:
		return res, fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	case !mb.full:
		return res, fmt.Errorf("rx buffer not owned, %w", ffa.ErrDenied)
	}

	mb.full = false
	mb.msg = nil

	return ffa.Success(), nil
}

// readTX returns the first n bytes of the caller TX buffer.
func (s *SPMC) readTX(caller uint16, n uint64) (buf []byte, err error) {
	s.RLock()
	mb, ok := s.mailboxes[caller]
	s.RUnlock()

	switch {
	case !ok:
		return nil, fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	case n == 0 || n > mb.size:
		return nil, fmt.Errorf("invalid length %d, %w", n, ffa.ErrInvalidParameter)
	}

	if p := s.lookup(caller); p != nil {
		if err = p.as.Check(mb.tx, n, 0); err != nil {
			return nil, fmt.Errorf("tx buffer, %v, %w", err, ffa.ErrDenied)
		}
	}

	buf = make([]byte, n)
	err = s.ram.Read(mb.tx, buf)

	return
}

// fill writes buf to the RX buffer of an endpoint, which gives its ownership
// to the endpoint, along with an optional indirect message.
func (s *SPMC) fill(id uint16, buf []byte, msg *message) (err error) {
	s.Lock()
	defer s.Unlock()

	mb, ok := s.mailboxes[id]

	switch {
	case !ok:
		return fmt.Errorf("%#x has no buffers mapped, %w", id, ffa.ErrDenied)
	case mb.full:
		return fmt.Errorf("%#x rx buffer full, %w", id, ffa.ErrBusy)
	case uint64(len(buf)) > mb.size:
		return fmt.Errorf("%#x rx buffer too small, %w", id, ffa.ErrNoMemory)
	}

	if p, ok := s.partitions[id]; ok {
		if err = p.as.Check(mb.rx, uint64(len(buf)), 0); err != nil {
			return fmt.Errorf("rx buffer, %v, %w", err, ffa.ErrDenied)
		}
	}

	if err = s.ram.Write(mb.rx, buf); err != nil {
		return
	}

	mb.full = true
	mb.msg = msg

	return
}

// partitionInfo reports the partitions matching the requested UUID (all
// partitions for the nil UUID) in the caller RX buffer.
func (s *SPMC) partitionInfo(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	u := a.UUID()

	var buf []byte

	for _, p := range s.Partitions() {
		if u != uuid.Nil && p.uuid != u {
			continue
		}

		info := ffa.PartitionInfo{
			ID:           p.id,
			ExecCtxCount: ExecCtxCount,
			Properties:   p.props,
		}

		b, _ := info.MarshalBinary()
		buf = append(buf, b...)
	}

	if len(buf) == 0 {
		return res, fmt.Errorf("no partition matching %s, %w", u, ffa.ErrInvalidParameter)
	}

	if err = s.fill(caller, buf, nil); err != nil {
		return
	}

	return ffa.Success(uint64(len(buf) / ffa.PartitionInfoSize)), nil
}

// msgSend copies an indirect message from the caller TX buffer to the
// receiver RX buffer. Blocking sends also run a waiting receiver partition,
// so that it can process the message before the call returns.
func (s *SPMC) msgSend(cpu *CPU, caller uint16, a ffa.Args) (res ffa.Args, err error) {
	src := a.Source()
	dst := a.Destination()
	size := a[3]

	switch {
	case src != caller:
		return res, fmt.Errorf("source %#x does not match caller %#x, %w", src, caller, ffa.ErrInvalidParameter)
	case dst == src || dst == ffa.SPMCID:
		return res, fmt.Errorf("invalid receiver %#x, %w", dst, ffa.ErrInvalidParameter)
	}

	q := s.lookup(dst)

	if q == nil && dst != ffa.NormalWorldID {
		return res, fmt.Errorf("invalid receiver %#x, %w", dst, ffa.ErrInvalidParameter)
	}

	if q != nil && q.props&ffa.PropIndirectMsg == 0 {
		return res, fmt.Errorf("partition %#x does not receive indirect messages, %w", dst, ffa.ErrDenied)
	}

	buf, err := s.readTX(caller, size)

	if err != nil {
		return
	}

	msg := &message{src: src, size: size}

	if err = s.fill(dst, buf, msg); err != nil {
		return
	}

	if q == nil || a[4]&ffa.MsgSendNonBlocking != 0 {
		return ffa.Success(), nil
	}

	q.Lock()
	ready := q.parked && q.caller < 0 && q.cpu < 0 && (q.state == Running || q.state == Blocked)
	q.Unlock()

	if !ready {
		return ffa.Success(), nil
	}

	s.take(dst, msg)

	if _, err = s.execute(cpu, q, q.Enter().WithArgs(ffa.Call(ffa.MSG_SEND, ffa.Endpoints(src, dst), 0, size))); err != nil {
		q.log.Debugf("SPMC message delivery incomplete, %v", err)

		if !q.suspended() && q.State() != Terminated {
			// not delivered, left for polling
			s.Lock()

			if mb, ok := s.mailboxes[dst]; ok && mb.full && mb.msg == nil {
				mb.msg = msg
			}

			s.Unlock()
		}
	}

	return ffa.Success(), nil
}

// take marks an indirect message as delivered.
func (s *SPMC) take(id uint16, msg *message) {
	s.Lock()
	defer s.Unlock()

	if mb, ok := s.mailboxes[id]; ok && mb.msg == msg {
		mb.msg = nil
	}
}

// msgPoll returns the indirect message pending in the caller RX buffer.
func (s *SPMC) msgPoll(caller uint16) (res ffa.Args, err error) {
	s.Lock()
	defer s.Unlock()

	mb, ok := s.mailboxes[caller]

	if !ok || mb.msg == nil {
		return res, fmt.Errorf("no message pending, %w", ffa.ErrRetry)
	}

	m := mb.msg
	mb.msg = nil

	return ffa.Call(ffa.MSG_SEND, ffa.Endpoints(m.src, caller), 0, m.size), nil
}
