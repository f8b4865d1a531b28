// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/svc"
)

// MaxRPMBTransfer is the largest RPMB service transfer.
const MaxRPMBTransfer = 64 * 1024

// service handles a platform service request addressed by a partition to the
// partition manager, the service status and value are returned in the direct
// response w3 and w4.
func (s *SPMC) service(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	p := s.lookup(caller)

	if p == nil {
		return res, fmt.Errorf("service request from %#x, %w", caller, ffa.ErrNotSupported)
	}

	id := uint32(a[3])
	val, err := s.call(p, id, a[4], a[5], a[6])

	status := svc.FromError(err)

	if err != nil {
		p.log.Debugf("SPMC %s failed, %v", svc.Name(id), err)
	}

	return ffa.DirectResp(ffa.SPMCID, caller, uint64(uint32(status)), val), nil
}

func (s *SPMC) call(p *Partition, id uint32, x4 uint64, x5 uint64, x6 uint64) (val uint64, err error) {
	switch id {
	case svc.MemAttributesGet64:
		attrs, err := s.mem.Attributes(p.id, x4)
		return uint64(attrs), err
	case svc.MemAttributesSet64:
		return 0, s.setAttributes(p, ffa.MemRegion{Address: x4, PageCount: uint32(x5)}, memshare.Attrs(x6))
	case svc.RPMBRead, svc.RPMBWrite:
		return 0, s.rpmbTransfer(p, id == svc.RPMBWrite, x4, x5, x6)
	default:
		return 0, fmt.Errorf("%s, %w", svc.Name(id), ffa.ErrNotSupported)
	}
}

func (s *SPMC) setAttributes(p *Partition, r ffa.MemRegion, attrs memshare.Attrs) (err error) {
	m, ok := p.as.Lookup(r.Address)

	if !ok || r.PageCount == 0 || m.End() < r.Address+r.Size() {
		return fmt.Errorf("region %#x not covered by a single mapping, %w", r.Address, ffa.ErrInvalidParameter)
	}

	if err = s.mem.SetAttributes(p.id, r, attrs); err != nil {
		return
	}

	return p.as.Protect(r.Address, r.Size(), prot(attrs))
}

func (s *SPMC) rpmbTransfer(p *Partition, write bool, buf uint64, n uint64, off uint64) (err error) {
	if s.rpmb == nil {
		return fmt.Errorf("no RPMB device, %w", ffa.ErrNotSupported)
	}

	if n == 0 || n > MaxRPMBTransfer || off > uint64(s.rpmb.Size()) {
		return fmt.Errorf("invalid transfer of %d bytes at %d, %w", n, off, ffa.ErrInvalidParameter)
	}

	data := make([]byte, n)

	if write {
		if err = p.as.Read(buf, data); err != nil {
			return fmt.Errorf("%v, %w", err, ffa.ErrDenied)
		}

		if _, err = s.rpmb.WriteAt(data, int64(off)); err != nil {
			return fmt.Errorf("%v, %w", err, ffa.ErrInvalidParameter)
		}

		return
	}

	if _, err = s.rpmb.ReadAt(data, int64(off)); err != nil {
		return fmt.Errorf("%v, %w", err, ffa.ErrInvalidParameter)
	}

	if err = p.as.Write(buf, data); err != nil {
		return fmt.Errorf("%v, %w", err, ffa.ErrDenied)
	}

	return
}
