// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// prot converts memory attributes to mapping protection flags.
func prot(attrs memshare.Attrs) (p uspace.Prot) {
	if attrs.Readable() {
		p |= uspace.ProtRead
	}

	if attrs.Writable() {
		p |= uspace.ProtWrite
	}

	if attrs.Executable() {
		p |= uspace.ProtExec
	}

	return
}

// sync aligns the owner mapping of a region with its effective access.
func (s *SPMC) sync(owner uint16, r ffa.MemRegion) {
	p := s.lookup(owner)

	if p == nil || p.State() == Terminated {
		return
	}

	attrs, err := s.mem.Access(owner, r.Address)

	if err != nil {
		attrs = memshare.None
	}

	if err = p.as.Protect(r.Address, r.Size(), prot(attrs)); err != nil {
		p.log.Warnf("SPMC could not protect %#x, %v", r.Address, err)
	}
}

// transaction reads a memory transaction descriptor from the caller TX
// buffer.
func (s *SPMC) transaction(caller uint16, a ffa.Args) (d *ffa.MemTransaction, err error) {
	total := a[1]
	frag := a[2]

	switch {
	case frag != total:
		return nil, fmt.Errorf("fragmented transaction, %w", ffa.ErrInvalidParameter)
	case a[3] != 0 || a[4] != 0:
		return nil, fmt.Errorf("transaction outside tx buffer, %w", ffa.ErrInvalidParameter)
	}

	buf, err := s.readTX(caller, total)

	if err != nil {
		return
	}

	d = &ffa.MemTransaction{}

	if err = d.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	return
}

// memSend starts a donate, lend or share transaction of a region owned by the
// caller.
func (s *SPMC) memSend(f ffa.Func, caller uint16, a ffa.Args) (res ffa.Args, err error) {
	d, err := s.transaction(caller, a)

	if err != nil {
		return
	}

	switch {
	case d.Sender != caller:
		return res, fmt.Errorf("sender %#x does not match caller %#x, %w", d.Sender, caller, ffa.ErrDenied)
	case d.Handle != 0:
		return res, fmt.Errorf("handle must be zero, %w", ffa.ErrInvalidParameter)
	case len(d.Receivers) == 0:
		return res, fmt.Errorf("no receivers, %w", ffa.ErrInvalidParameter)
	case f != ffa.MEM_SHARE && len(d.Receivers) != 1:
		return res, fmt.Errorf("%s supports a single receiver, %w", f, ffa.ErrInvalidParameter)
	}

	var grants []memshare.Grant

	for _, r := range d.Receivers {
		if s.lookup(r.Receiver) == nil || r.Receiver == caller {
			return res, fmt.Errorf("invalid receiver %#x, %w", r.Receiver, ffa.ErrInvalidParameter)
		}

		g := memshare.Grant{Receiver: r.Receiver}

		if f != ffa.MEM_DONATE {
			if g.Attrs, err = memshare.FromPermissions(r.Permissions); err != nil {
				return
			}
		}

		grants = append(grants, g)
	}

	region := d.Region
	claimed := false

	if p := s.lookup(caller); p != nil {
		m, ok := p.as.Lookup(region.Address)

		if !ok || m.End() < region.Address+region.Size() {
			return res, fmt.Errorf("region %#x not covered by a single mapping, %w", region.Address, ffa.ErrInvalidParameter)
		}
	} else if claimed, err = s.claimNS(region); err != nil {
		return
	}

	var h memshare.Handle

	switch f {
	case ffa.MEM_DONATE:
		h, err = s.mem.Donate(caller, region, grants[0].Receiver)
	case ffa.MEM_LEND:
		h, err = s.mem.Lend(caller, region, grants[0])
	case ffa.MEM_SHARE:
		h, err = s.mem.Share(caller, region, grants)
	}

	if err != nil {
		if claimed {
			s.mem.Unclaim(ffa.NormalWorldID, region)
		}

		return
	}

	s.Lock()
	s.shared[h] = sharedRegion{owner: caller, region: region}
	s.Unlock()

	s.sync(caller, region)

	s.log.WithFields(logrus.Fields{
		"handle": h,
		"owner":  fmt.Sprintf("%#x", caller),
	}).Debugf("SPMC %s %#x pages:%d", f, region.Address, region.PageCount)

	lo, hi := ffa.HandleArgs(uint64(h))

	return ffa.Success(lo, hi), nil
}

// claimNS registers normal world ownership of a region outside secure
// memory, on its first transaction, reporting whether the claim is new.
func (s *SPMC) claimNS(r ffa.MemRegion) (claimed bool, err error) {
	if !s.ram.Contains(r.Address, r.Size()) {
		return false, fmt.Errorf("region %#x outside memory, %w", r.Address, ffa.ErrInvalidParameter)
	}

	if s.mem.Claimed(r) {
		return
	}

	if err = s.mem.Claim(ffa.NormalWorldID, r, memshare.RW); err != nil {
		return
	}

	return true, nil
}

// memRetrieve completes the retrieval of a transaction by the caller, the
// region is mapped in its address space and described in its RX buffer.
func (s *SPMC) memRetrieve(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	p := s.lookup(caller)

	if p == nil {
		return res, fmt.Errorf("retrieve by %#x, %w", caller, ffa.ErrNotSupported)
	}

	d, err := s.transaction(caller, a)

	if err != nil {
		return
	}

	var perm *ffa.MemAccess

	for i := range d.Receivers {
		if d.Receivers[i].Receiver == caller {
			perm = &d.Receivers[i]
		}
	}

	if perm == nil || d.Handle == 0 {
		return res, fmt.Errorf("invalid retrieve descriptor, %w", ffa.ErrInvalidParameter)
	}

	attrs, err := memshare.FromPermissions(perm.Permissions)

	if err != nil {
		return
	}

	h := memshare.Handle(d.Handle)
	kind, region, err := s.mem.Region(h)

	if err != nil {
		return
	}

	name := fmt.Sprintf("shm:%d", h)

	if kind == memshare.Donate {
		name = fmt.Sprintf("donated:%d", h)
	}

	// the mapping is set up first so that the retrieval is committed only
	// once the receiver can access the region
	if err = p.as.Map(uspace.Mapping{Name: name, VA: region.Address, Size: region.Size(), Prot: prot(attrs)}); err != nil {
		return res, fmt.Errorf("could not map %#x, %v, %w", region.Address, err, ffa.ErrNoMemory)
	}

	r, err := s.retrieve(caller, h, attrs)

	if err != nil {
		p.as.Unmap(region.Address)
		return
	}

	if r.Kind == memshare.Donate {
		s.reconcile()
	} else {
		p.Lock()
		p.shm[h] = r
		p.Unlock()
	}

	resp := &ffa.MemTransaction{
		Sender:     r.Owner,
		Attributes: ffa.MemNormalWBInnerShareable,
		Handle:     uint64(h),
		Receivers:  []ffa.MemAccess{{Receiver: caller, Permissions: r.Attrs.Permissions()}},
		Region:     r.Region,
	}

	buf, err := resp.MarshalBinary()

	if err != nil {
		return
	}

	if err = s.fill(caller, buf, nil); err != nil {
		return
	}

	p.log.WithField("handle", h).Debugf("SPMC retrieved %#x %s", r.Region.Address, r.Attrs)

	return ffa.Call(ffa.MEM_RETRIEVE_RESP, uint64(len(buf)), uint64(len(buf))), nil
}

func (s *SPMC) retrieve(caller uint16, h memshare.Handle, attrs memshare.Attrs) (r memshare.Retrieved, err error) {
	if err = s.mem.RetrieveRequest(caller, h, attrs); err != nil {
		return
	}

	return s.mem.RetrieveResponse(caller, h)
}

// memRelinquish drops the caller access to a retrieved region.
func (s *SPMC) memRelinquish(caller uint16) (res ffa.Args, err error) {
	p := s.lookup(caller)

	if p == nil {
		return res, fmt.Errorf("relinquish by %#x, %w", caller, ffa.ErrNotSupported)
	}

	s.RLock()
	mb, ok := s.mailboxes[caller]
	s.RUnlock()

	if !ok {
		return res, fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	}

	buf, err := s.readTX(caller, mb.size)

	if err != nil {
		return
	}

	d := &ffa.MemRelinquish{}

	if err = d.UnmarshalBinary(buf); err != nil {
		return
	}

	if len(d.Endpoints) != 1 || d.Endpoints[0] != caller {
		return res, fmt.Errorf("invalid relinquish endpoints, %w", ffa.ErrInvalidParameter)
	}

	h := memshare.Handle(d.Handle)

	if err = s.mem.Relinquish(caller, h); err != nil {
		return
	}

	p.Lock()

	if r, ok := p.shm[h]; ok {
		p.as.Unmap(r.Region.Address)
		delete(p.shm, h)
	}

	p.Unlock()

	s.reconcile()

	return ffa.Success(), nil
}

// memReclaim restores the caller access to a lent or shared region.
func (s *SPMC) memReclaim(caller uint16, a ffa.Args) (res ffa.Args, err error) {
	h := memshare.Handle(a[1]&0xffffffff | a[2]<<32)

	if err = s.mem.Reclaim(caller, h); err != nil {
		return
	}

	s.reconcile()

	return ffa.Success(), nil
}
