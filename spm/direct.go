// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/ffa"
)

func pair(src uint16, dst uint16) uint32 {
	return uint32(src)<<16 | uint32(dst)
}

// execute runs a partition on a CPU until it responds to a direct request or
// waits for a message, every other call it issues is dispatched and its
// result passed back to the partition.
//
// An interruption of the first resumption leaves the partition untouched, so
// that the whole call can be replayed. A later interruption saves the
// partition register file, the partition can then be resumed with MSG_RUN.
func (s *SPMC) execute(cpu *CPU, p *Partition, regs arch.Regs) (exit ffa.Args, err error) {
	if err = p.acquire(cpu); err != nil {
		return
	}

	defer p.release()

	var res ffa.Args

	for first := true; ; first = false {
		if regs, err = p.exec.Resume(regs); err != nil {
			if errors.Is(err, arch.ErrInterrupted) {
				if !first {
					p.Leave(regs)
				}

				return exit, fmt.Errorf("partition %#x, %w", p.id, ffa.ErrInterrupted)
			}

			s.terminate(p, err)

			return exit, fmt.Errorf("partition %#x fault, %v, %w", p.id, err, ffa.ErrDenied)
		}

		if first {
			p.resumed()
		}

		if !p.executable(regs.PC) {
			err = fmt.Errorf("pc %#x outside executable memory", regs.PC)
			s.terminate(p, err)

			return exit, fmt.Errorf("partition %#x fault, %v, %w", p.id, err, ffa.ErrDenied)
		}

		call := regs.Args()
		f, _, _ := ffa.Decode(call.FID())

		switch f {
		case ffa.MSG_WAIT:
			// a request left unanswered is abandoned
			s.complete(p)
			p.commit(regs, Blocked)

			return call, nil
		case ffa.MSG_YIELD:
			p.commit(regs, Blocked)
			return call, nil
		case ffa.MSG_SEND_DIRECT_RESP:
			if err = p.checkResp(call); err == nil {
				s.complete(p)
				p.commit(regs, Running)

				return call, nil
			}

			p.log.Debugf("SPMC invalid response, %v", err)
			res = ffa.ErrorArgs(err)
		default:
			res = s.dispatch(cpu, p.id, call)
		}

		if p.ld.Trace != nil {
			p.ld.Trace.Record(call, res)
		}

		regs = regs.WithArgs(res)
	}
}

// complete clears the direct request being served by a partition.
func (s *SPMC) complete(p *Partition) {
	src := p.served()

	if src < 0 {
		return
	}

	s.Lock()
	delete(s.pending, pair(uint16(src), p.id))
	s.Unlock()
}

// directReq delivers a direct request to its destination partition and runs
// it until it responds.
func (s *SPMC) directReq(cpu *CPU, caller uint16, a ffa.Args) (res ffa.Args, err error) {
	src := a.Source()
	dst := a.Destination()

	switch {
	case src != caller:
		return res, fmt.Errorf("source %#x does not match caller %#x, %w", src, caller, ffa.ErrInvalidParameter)
	case dst == src:
		return res, fmt.Errorf("request to self, %w", ffa.ErrInvalidParameter)
	case dst == ffa.SPMCID:
		return s.service(caller, a)
	}

	q, err := s.Partition(dst)

	if err != nil {
		return
	}

	if q.props&ffa.PropDirectMsgRecv == 0 {
		return res, fmt.Errorf("partition %#x does not receive direct messages, %w", dst, ffa.ErrDenied)
	}

	if sender := s.lookup(src); sender != nil && sender.props&ffa.PropDirectMsgSend == 0 {
		return res, fmt.Errorf("partition %#x does not send direct messages, %w", src, ffa.ErrDenied)
	}

	s.Lock()

	if s.pending[pair(src, dst)] {
		s.Unlock()
		return res, fmt.Errorf("request %#x to %#x outstanding, %w", src, dst, ffa.ErrBusy)
	}

	if err = q.receive(src); err != nil {
		s.Unlock()
		return
	}

	s.pending[pair(src, dst)] = true
	s.Unlock()

	if res, err = s.execute(cpu, q, q.Enter().WithArgs(a)); err != nil {
		if !q.suspended() {
			s.complete(q)
		}

		return
	}

	if f, _, _ := ffa.Decode(res.FID()); f != ffa.MSG_SEND_DIRECT_RESP {
		res[1] = ffa.Endpoints(q.id, src)
	}

	return
}

// msgRun resumes a partition on behalf of the caller. A partition serving a
// direct request can only be resumed by the request source, which in that
// case receives the direct response, or the yield of a partition not done
// with it.
func (s *SPMC) msgRun(cpu *CPU, caller uint16, a ffa.Args) (res ffa.Args, err error) {
	id := uint16(a[1] >> 16)

	if id == caller {
		return res, fmt.Errorf("run of self, %w", ffa.ErrInvalidParameter)
	}

	p, err := s.Partition(id)

	if err != nil {
		return
	}

	p.Lock()

	switch {
	case p.state != Running && p.state != Blocked:
		err = fmt.Errorf("partition %#x is %s, %w", p.id, p.state, ffa.ErrDenied)
	case p.cpu >= 0:
		err = fmt.Errorf("partition %#x running on cpu %d, %w", p.id, p.cpu, ffa.ErrBusy)
	case p.caller >= 0 && uint16(p.caller) != caller:
		err = fmt.Errorf("partition %#x serving %#x, %w", p.id, p.caller, ffa.ErrBusy)
	}

	parked := p.parked
	p.Unlock()

	if err != nil {
		return
	}

	regs := p.Enter()

	if parked {
		regs = regs.WithArgs(a)
	}

	if res, err = s.execute(cpu, p, regs); err != nil {
		return
	}

	switch f, _, _ := ffa.Decode(res.FID()); f {
	case ffa.MSG_SEND_DIRECT_RESP:
		return
	case ffa.MSG_YIELD:
		res[1] = ffa.Endpoints(p.id, caller)
		return
	}

	return ffa.Success(), nil
}
