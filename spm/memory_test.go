// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

func nsMap(t *testing.T, s *SPMC) {
	t.Helper()

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.RXTX_MAP, nsTX, nsRX, 1)); res.Err() != nil {
		t.Fatalf("RXTX_MAP returned %s", res)
	}
}

func nsTransaction(t *testing.T, s *SPMC, f ffa.Func, d *ffa.MemTransaction) ffa.Args {
	t.Helper()

	buf, err := d.MarshalBinary()

	if err != nil {
		t.Fatal(err)
	}

	if err = s.ram.Write(nsTX, buf); err != nil {
		t.Fatal(err)
	}

	return s.Handle(0, ffa.NormalWorldID, ffa.Call(f, uint64(len(buf)), uint64(len(buf))))
}

func nsDescriptor(receiver uint16) *ffa.MemTransaction {
	return &ffa.MemTransaction{
		Sender:     ffa.NormalWorldID,
		Attributes: ffa.MemNormalWBInnerShareable,
		Receivers:  []ffa.MemAccess{{Receiver: receiver, Permissions: rw}},
		Region:     ffa.MemRegion{Address: nsShared, PageCount: 1},
	}
}

// nsShare transfers the normal world shared page to a partition.
func nsShare(t *testing.T, s *SPMC, f ffa.Func, receiver uint16) uint64 {
	t.Helper()

	if _, ok := s.mailboxes[ffa.NormalWorldID]; !ok {
		nsMap(t, s)
	}

	res := nsTransaction(t, s, f, nsDescriptor(receiver))

	if f, _ := res.Func(); f != ffa.SUCCESS {
		t.Fatalf("%s returned %s", f, res)
	}

	return res.Handle()
}

func nsReclaim(s *SPMC, h uint64) ffa.Args {
	lo, hi := ffa.HandleArgs(h)
	return s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MEM_RECLAIM, lo, hi, 0))
}

func TestShareFromNormalWorld(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, agent(1), 0)
	boot(t, s)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0x1234)

	if err := s.ram.Write(nsShared, buf); err != nil {
		t.Fatal(err)
	}

	h := nsShare(t, s, ffa.MEM_SHARE, p.ID())

	if st, val := request(t, s, p.ID(), cmdRetrieve, h, nsShared, 0); st != 0 || val != 0x1234 {
		t.Fatalf("retrieve status %#x value %#x", st, val)
	}

	if st, _ := request(t, s, p.ID(), cmdWrite, nsShared, 0x5678); st != 0 {
		t.Fatalf("write status %#x", st)
	}

	if err := s.ram.Read(nsShared, buf); err != nil || binary.LittleEndian.Uint64(buf) != 0x5678 {
		t.Errorf("normal world view %x, %v", buf, err)
	}

	if diff := cmp.Diff(ffa.ErrorArgs(ffa.ErrBusy), nsReclaim(s, h)); diff != "" {
		t.Errorf("reclaim while retrieved (-want +got):\n%s", diff)
	}

	// completes the pending reclaim
	if st, _ := request(t, s, p.ID(), cmdRelinquish, h); st != 0 {
		t.Fatalf("relinquish status %#x", st)
	}

	if hs := s.mem.Handles(ffa.NormalWorldID); len(hs) != 0 {
		t.Errorf("outstanding handles %v", hs)
	}

	if s.mem.Claimed(ffa.MemRegion{Address: nsShared, PageCount: 1}) {
		t.Errorf("normal world region still claimed")
	}

	if st, _ := request(t, s, p.ID(), cmdRead, nsShared); st != code(ffa.ErrDenied) {
		t.Errorf("read after relinquish status %#x", st)
	}

	if diff := cmp.Diff(ffa.ErrorArgs(ffa.ErrInvalidParameter), nsReclaim(s, h)); diff != "" {
		t.Errorf("reclaim of invalid handle (-want +got):\n%s", diff)
	}
}

func TestLend(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)

	page := layout(1).HeapBase + 3*ffa.PageSize

	if st, _ := request(t, s, a.ID(), cmdWrite, page, 0x11); st != 0 {
		t.Fatalf("write status %#x", st)
	}

	st, h := request(t, s, a.ID(), cmdSend, uint64(ffa.MEM_LEND), page, uint64(b.ID()))

	if st != 0 {
		t.Fatalf("lend status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdRead, page); st != code(ffa.ErrDenied) {
		t.Errorf("owner read of lent page status %#x", st)
	}

	if err := a.AddressSpace().Check(page, ffa.PageSize, uspace.ProtRead); err == nil {
		t.Errorf("lent page still readable by owner")
	}

	if st, val := request(t, s, b.ID(), cmdRetrieve, h, page, uint64(a.ID())); st != 0 || val != 0x11 {
		t.Fatalf("retrieve status %#x value %#x", st, val)
	}

	if st, _ := request(t, s, b.ID(), cmdWrite, page, 0x22); st != 0 {
		t.Fatalf("borrower write status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdReclaim, h); st != code(ffa.ErrBusy) {
		t.Errorf("reclaim while retrieved status %#x", st)
	}

	if st, _ := request(t, s, b.ID(), cmdRelinquish, h); st != 0 {
		t.Fatalf("relinquish status %#x", st)
	}

	if st, val := request(t, s, a.ID(), cmdRead, page); st != 0 || val != 0x22 {
		t.Errorf("owner read after reclaim status %#x value %#x", st, val)
	}

	if st, _ := request(t, s, b.ID(), cmdRead, page); st != code(ffa.ErrDenied) {
		t.Errorf("borrower read after reclaim status %#x", st)
	}

	if attrs, err := s.mem.Access(a.ID(), page); err != nil || attrs != memshare.RW {
		t.Errorf("owner access %s, %v", attrs, err)
	}
}

func TestShareSingleWriter(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)

	page := layout(1).HeapBase + 3*ffa.PageSize

	if st, _ := request(t, s, a.ID(), cmdSend, uint64(ffa.MEM_SHARE), page, uint64(b.ID())); st != 0 {
		t.Fatalf("share status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdSend, uint64(ffa.MEM_SHARE), page, uint64(b.ID())); st != code(ffa.ErrDenied) {
		t.Errorf("second writable share status %#x", st)
	}

	// the owner keeps read access
	if st, _ := request(t, s, a.ID(), cmdRead, page); st != 0 {
		t.Errorf("owner read status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdWrite, page, 1); st != code(ffa.ErrDenied) {
		t.Errorf("owner write status %#x", st)
	}
}

func TestDonate(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)

	page := layout(1).HeapBase + 3*ffa.PageSize

	st, h := request(t, s, a.ID(), cmdSend, uint64(ffa.MEM_DONATE), page, uint64(b.ID()))

	if st != 0 {
		t.Fatalf("donate status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdRead, page); st != code(ffa.ErrDenied) {
		t.Errorf("donor read status %#x", st)
	}

	if st, _ := request(t, s, b.ID(), cmdRetrieve, h, page, uint64(a.ID())); st != 0 {
		t.Fatalf("retrieve status %#x", st)
	}

	if st, val := request(t, s, b.ID(), cmdAttrs, page); st != 0 || memshare.Attrs(val) != memshare.RW {
		t.Errorf("new owner attributes status %#x value %s", st, memshare.Attrs(val))
	}

	if st, _ := request(t, s, b.ID(), cmdReclaim, h); st != code(ffa.ErrInvalidParameter) {
		t.Errorf("reclaim of donation status %#x", st)
	}

	if hs := s.mem.Handles(a.ID()); len(hs) != 0 {
		t.Errorf("outstanding handles %v", hs)
	}
}

func TestRejectedTransaction(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)
	nsMap(t, s)

	region := ffa.MemRegion{Address: nsShared, PageCount: 1}

	d := nsDescriptor(a.ID())
	d.Receivers = append(d.Receivers, ffa.MemAccess{Receiver: b.ID(), Permissions: rw})

	if res := nsTransaction(t, s, ffa.MEM_SHARE, d); res.Err() != ffa.ErrDenied {
		t.Fatalf("share with two writers returned %s", res)
	}

	if s.mem.Claimed(region) {
		t.Errorf("rejected share left the region claimed")
	}

	if hs := s.mem.Handles(ffa.NormalWorldID); len(hs) != 0 {
		t.Errorf("outstanding handles %v", hs)
	}

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.RXTX_UNMAP)); res.Err() != nil {
		t.Fatalf("RXTX_UNMAP returned %s", res)
	}

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.RXTX_MAP, nsShared, nsShared+ffa.PageSize, 1)); res.Err() != nil {
		t.Errorf("RXTX_MAP on the rejected region returned %s", res)
	}
}

func TestRetrieveUnmappable(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)

	page := layout(1).HeapBase + 3*ffa.PageSize

	st, h := request(t, s, a.ID(), cmdSend, uint64(ffa.MEM_DONATE), page, uint64(b.ID()))

	if st != 0 {
		t.Fatalf("donate status %#x", st)
	}

	if st, _ := request(t, s, b.ID(), cmdRetrieve, h, page, uint64(a.ID())); st != 0 {
		t.Fatalf("retrieve status %#x", st)
	}

	// the former owner still maps the page within its own memory
	st, back := request(t, s, b.ID(), cmdSend, uint64(ffa.MEM_DONATE), page, uint64(a.ID()))

	if st != 0 {
		t.Fatalf("donate back status %#x", st)
	}

	if st, _ := request(t, s, a.ID(), cmdRetrieve, back, page, uint64(b.ID())); st != code(ffa.ErrNoMemory) {
		t.Fatalf("unmappable retrieve status %#x", st)
	}

	if _, _, err := s.mem.Region(memshare.Handle(back)); err != nil {
		t.Errorf("donation consumed by a failed retrieve, %v", err)
	}

	if _, err := s.mem.Access(a.ID(), page); err == nil {
		t.Errorf("failed retrieve granted access")
	}
}

func TestMemoryErrors(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, agent(1), 0)
	boot(t, s)

	if res := nsTransaction(t, s, ffa.MEM_SHARE, nsDescriptor(p.ID())); res.Err() != ffa.ErrDenied {
		t.Errorf("share without buffers returned %s", res)
	}

	nsMap(t, s)

	for _, tc := range []struct {
		name string
		f    ffa.Func
		d    func(*ffa.MemTransaction)
		want ffa.Error
	}{
		{"sender", ffa.MEM_SHARE, func(d *ffa.MemTransaction) { d.Sender = p.ID() }, ffa.ErrDenied},
		{"receiver", ffa.MEM_SHARE, func(d *ffa.MemTransaction) { d.Receivers[0].Receiver = 0x9000 }, ffa.ErrInvalidParameter},
		{"handle", ffa.MEM_LEND, func(d *ffa.MemTransaction) { d.Handle = 1 }, ffa.ErrInvalidParameter},
		{"secure memory", ffa.MEM_LEND, func(d *ffa.MemTransaction) { d.Region.Address = layout(1).HeapBase }, ffa.ErrDenied},
		{"outside memory", ffa.MEM_DONATE, func(d *ffa.MemTransaction) { d.Region.Address = 0x1000 }, ffa.ErrInvalidParameter},
		{"permissions", ffa.MEM_SHARE, func(d *ffa.MemTransaction) { d.Receivers[0].Permissions = 0 }, ffa.ErrInvalidParameter},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := nsDescriptor(p.ID())
			tc.d(d)

			if res := nsTransaction(t, s, tc.f, d); res.Err() != tc.want {
				t.Errorf("%s returned %s, want %v", tc.f, res, tc.want)
			}
		})
	}

	res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MEM_SHARE, 64, 32))

	if res.Err() != ffa.ErrInvalidParameter {
		t.Errorf("fragmented transaction returned %s", res)
	}

	if hs := s.mem.Handles(ffa.NormalWorldID); len(hs) != 0 {
		t.Errorf("outstanding handles %v", hs)
	}
}

func TestServices(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, agent(1), 0)
	boot(t, s)

	if st, _ := request(t, s, p.ID(), cmdRPMBWrite, 256, 0xdead); st != 0 {
		t.Fatalf("rpmb write status %#x", st)
	}

	if st, val := request(t, s, p.ID(), cmdRPMBRead, 256); st != 0 || val != 0xdead {
		t.Errorf("rpmb read status %#x value %#x", st, val)
	}

	buf := make([]byte, 8)

	if _, err := s.rpmb.ReadAt(buf, 256); err != nil || binary.LittleEndian.Uint64(buf) != 0xdead {
		t.Errorf("device content %x, %v", buf, err)
	}

	if st, _ := request(t, s, p.ID(), cmdRPMBRead, uint64(s.rpmb.Size())); st != code(ffa.ErrInvalidParameter) {
		t.Errorf("rpmb read past end status %#x", st)
	}

	page := layout(1).HeapBase + 3*ffa.PageSize

	if st, val := request(t, s, p.ID(), cmdAttrs, page); st != 0 || memshare.Attrs(val) != memshare.RW {
		t.Errorf("attributes status %#x value %s", st, memshare.Attrs(val))
	}

	if st, _ := request(t, s, p.ID(), cmdSetAttrs, page, uint64(memshare.RO)); st != 0 {
		t.Fatalf("set attributes status %#x", st)
	}

	if st, val := request(t, s, p.ID(), cmdAttrs, page); st != 0 || memshare.Attrs(val) != memshare.RO {
		t.Errorf("attributes status %#x value %s", st, memshare.Attrs(val))
	}

	if st, _ := request(t, s, p.ID(), cmdWrite, page, 1); st != code(ffa.ErrDenied) {
		t.Errorf("write to read-only page status %#x", st)
	}

	if st, _ := request(t, s, p.ID(), cmdAttrs, layout(2).HeapBase); st != code(ffa.ErrDenied) {
		t.Errorf("attributes of foreign page status %#x", st)
	}

	res := s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, ffa.SPMCID, 0xC4000064))

	if res.Err() != ffa.ErrNotSupported {
		t.Errorf("normal world service request returned %s", res)
	}
}
