// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sp

import (
	"encoding"
	"fmt"

	"github.com/google/uuid"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

func (e *Env) writeTX(d encoding.BinaryMarshaler) (n uint64, err error) {
	if e.size == 0 {
		return 0, fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	}

	buf, err := d.MarshalBinary()

	if err != nil {
		return
	}

	if uint64(len(buf)) > e.size {
		return 0, fmt.Errorf("descriptor exceeds tx buffer, %w", ffa.ErrNoMemory)
	}

	if err = e.Memory.Write(e.tx, buf); err != nil {
		return
	}

	return uint64(len(buf)), nil
}

// readRX returns the first n bytes of the RX buffer, whose ownership is then
// returned to the partition manager.
func (e *Env) readRX(n uint64) (buf []byte, err error) {
	if n > e.size {
		return nil, fmt.Errorf("invalid length %d, %w", n, ffa.ErrInvalidParameter)
	}

	buf = make([]byte, n)

	if err = e.Memory.Read(e.rx, buf); err != nil {
		return
	}

	err = e.RXRelease()

	return
}

// MemSend issues a donate, lend or share transaction, returning its handle.
func (e *Env) MemSend(f ffa.Func, d *ffa.MemTransaction) (handle uint64, err error) {
	switch f {
	case ffa.MEM_DONATE, ffa.MEM_LEND, ffa.MEM_SHARE:
	default:
		return 0, fmt.Errorf("%s, %w", f, ffa.ErrInvalidParameter)
	}

	n, err := e.writeTX(d)

	if err != nil {
		return
	}

	res := e.Call(f, n, n)

	if err = res.Err(); err != nil {
		return
	}

	return res.Handle(), nil
}

// MemRetrieve retrieves a region transferred by its owner, the region is
// mapped with the requested permissions on success.
func (e *Env) MemRetrieve(handle uint64, owner uint16, region ffa.MemRegion, perm uint8) (d *ffa.MemTransaction, err error) {
	id, err := e.ID()

	if err != nil {
		return
	}

	req := &ffa.MemTransaction{
		Sender:     owner,
		Attributes: ffa.MemNormalWBInnerShareable,
		Handle:     handle,
		Receivers:  []ffa.MemAccess{{Receiver: id, Permissions: perm}},
		Region:     region,
	}

	n, err := e.writeTX(req)

	if err != nil {
		return
	}

	res := e.Call(ffa.MEM_RETRIEVE_REQ, n, n)

	if err = res.Err(); err != nil {
		return
	}

	if f, _ := res.Func(); f != ffa.MEM_RETRIEVE_RESP {
		return nil, fmt.Errorf("unexpected response %s, %w", f, ffa.ErrDenied)
	}

	buf, err := e.readRX(res[1])

	if err != nil {
		return
	}

	d = &ffa.MemTransaction{}
	err = d.UnmarshalBinary(buf)

	return
}

// MemRelinquish gives up access to a retrieved region.
func (e *Env) MemRelinquish(handle uint64) (err error) {
	id, err := e.ID()

	if err != nil {
		return
	}

	if _, err = e.writeTX(&ffa.MemRelinquish{Handle: handle, Endpoints: []uint16{id}}); err != nil {
		return
	}

	return e.Call(ffa.MEM_RELINQUISH).Err()
}

// MemReclaim restores access to a lent or shared region.
func (e *Env) MemReclaim(handle uint64) error {
	lo, hi := ffa.HandleArgs(handle)
	return e.Call(ffa.MEM_RECLAIM, lo, hi, 0).Err()
}

// PartitionInfo returns the partitions matching a UUID, all partitions are
// returned for the nil UUID.
func (e *Env) PartitionInfo(u uuid.UUID) (all []ffa.PartitionInfo, err error) {
	res := e.conduit.Call(ffa.UUIDArgs(u))

	if err = res.Err(); err != nil {
		return
	}

	buf, err := e.readRX(res[2] * ffa.PartitionInfoSize)

	if err != nil {
		return
	}

	for off := 0; off < len(buf); off += ffa.PartitionInfoSize {
		var info ffa.PartitionInfo

		if err = info.UnmarshalBinary(buf[off:]); err != nil {
			return nil, err
		}

		all = append(all, info)
	}

	return
}

// MsgSend sends an indirect message, blocking sends return once the receiver
// had a chance to process it.
func (e *Env) MsgSend(dst uint16, msg []byte, blocking bool) (err error) {
	id, err := e.ID()

	if err != nil {
		return
	}

	if uint64(len(msg)) > e.size {
		return fmt.Errorf("message exceeds tx buffer, %w", ffa.ErrNoMemory)
	}

	if err = e.Memory.Write(e.tx, msg); err != nil {
		return
	}

	attrs := uint64(ffa.MsgSendBlocking)

	if !blocking {
		attrs = ffa.MsgSendNonBlocking
	}

	return e.Call(ffa.MSG_SEND, ffa.Endpoints(id, dst), 0, uint64(len(msg)), attrs).Err()
}

// Message returns the indirect message delivered with args, the RX buffer is
// released.
func (e *Env) Message(args ffa.Args) (src uint16, msg []byte, err error) {
	if f, _ := args.Func(); f != ffa.MSG_SEND {
		return 0, nil, fmt.Errorf("unexpected message %s, %w", f, ffa.ErrInvalidParameter)
	}

	msg, err = e.readRX(args[3])

	return args.Source(), msg, err
}

// MsgPoll returns a pending indirect message, if any.
func (e *Env) MsgPoll() (src uint16, msg []byte, err error) {
	res := e.Call(ffa.MSG_POLL)

	if err = res.Err(); err != nil {
		return
	}

	return e.Message(res)
}
