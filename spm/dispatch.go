// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"
	"runtime/debug"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// features lists the functions served by the partition manager.
var features = map[ffa.Func]bool{
	ffa.VERSION:              true,
	ffa.FEATURES:             true,
	ffa.ID_GET:               true,
	ffa.RXTX_MAP:             true,
	ffa.RXTX_UNMAP:           true,
	ffa.RX_RELEASE:           true,
	ffa.PARTITION_INFO_GET:   true,
	ffa.MSG_SEND:             true,
	ffa.MSG_POLL:             true,
	ffa.MSG_RUN:              true,
	ffa.MSG_WAIT:             true,
	ffa.MSG_YIELD:            true,
	ffa.MSG_SEND_DIRECT_REQ:  true,
	ffa.MSG_SEND_DIRECT_RESP: true,
	ffa.MEM_DONATE:           true,
	ffa.MEM_LEND:             true,
	ffa.MEM_SHARE:            true,
	ffa.MEM_RETRIEVE_REQ:     true,
	ffa.MEM_RELINQUISH:       true,
	ffa.MEM_RECLAIM:          true,
}

// Handle processes an FF-A call issued by the caller endpoint on the given
// CPU, it is the entry point of the secure monitor. The result is always one
// of the FF-A defined returns.
func (s *SPMC) Handle(n int, caller uint16, a ffa.Args) (res ffa.Args) {
	cpu, err := s.CPU(n)

	if err != nil {
		return ffa.ErrorArgs(err)
	}

	cpu.Lock()
	defer cpu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("cpu", n).Errorf("SPMC panic handling %s, %v\n%s", a, r, debug.Stack())
			res = ffa.ErrorArgs(ffa.ErrDenied)
		}
	}()

	if caller != ffa.NormalWorldID {
		p, err := s.Partition(caller)

		if err != nil {
			return ffa.ErrorArgs(err)
		}

		if st := p.State(); st != Running {
			return ffa.ErrorArgs(fmt.Errorf("partition %#x is %s, %w", caller, st, ffa.ErrDenied))
		}
	}

	return s.dispatch(cpu, caller, a)
}

// dispatch serves a single call, errors are translated to FFA_ERROR returns.
func (s *SPMC) dispatch(cpu *CPU, caller uint16, a ffa.Args) (res ffa.Args) {
	f, _, err := ffa.Decode(a.FID())

	if err != nil {
		return ffa.ErrorArgs(err)
	}

	switch f {
	case ffa.VERSION:
		v, err := ffa.Negotiate(uint32(a[1]))

		if err != nil {
			res[0] = uint64(uint32(int32(ffa.Code(err))))
			return
		}

		res[0] = uint64(v)

		return
	case ffa.FEATURES:
		err = featureQuery(uint32(a[1]))
		res = ffa.Success()
	case ffa.ID_GET:
		res = ffa.Success(uint64(caller))
	case ffa.RXTX_MAP:
		res, err = s.rxtxMap(caller, a)
	case ffa.RXTX_UNMAP:
		res, err = s.rxtxUnmap(caller, a)
	case ffa.RX_RELEASE:
		res, err = s.rxRelease(caller)
	case ffa.PARTITION_INFO_GET:
		res, err = s.partitionInfo(caller, a)
	case ffa.MSG_SEND:
		res, err = s.msgSend(cpu, caller, a)
	case ffa.MSG_POLL:
		res, err = s.msgPoll(caller)
	case ffa.MSG_RUN:
		res, err = s.msgRun(cpu, caller, a)
	case ffa.MSG_SEND_DIRECT_REQ:
		res, err = s.directReq(cpu, caller, a)
	case ffa.MEM_DONATE, ffa.MEM_LEND, ffa.MEM_SHARE:
		res, err = s.memSend(f, caller, a)
	case ffa.MEM_RETRIEVE_REQ:
		res, err = s.memRetrieve(caller, a)
	case ffa.MEM_RELINQUISH:
		res, err = s.memRelinquish(caller)
	case ffa.MEM_RECLAIM:
		res, err = s.memReclaim(caller, a)
	default:
		err = fmt.Errorf("%s from %#x, %w", f, caller, ffa.ErrNotSupported)
	}

	if err != nil {
		s.log.WithField("endpoint", fmt.Sprintf("%#x", caller)).Debugf("SPMC %s failed, %v", f, err)
		return ffa.ErrorArgs(err)
	}

	return
}

func featureQuery(fid uint32) error {
	f, _, err := ffa.Decode(fid)

	if err != nil {
		return err
	}

	if !features[f] {
		return fmt.Errorf("%s, %w", f, ffa.ErrNotSupported)
	}

	return nil
}
