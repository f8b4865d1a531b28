// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package memshare

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

const (
	owner = 0x8001
	alice = 0x8002
	bob   = 0x8003
	carol = 0x8004

	base = 0x9c000000
)

var region = ffa.MemRegion{Address: base, PageCount: 4}

func newManager(t *testing.T) *Manager {
	t.Helper()

	m := NewManager()

	if err := m.Claim(owner, ffa.MemRegion{Address: base, PageCount: 16}, RW); err != nil {
		t.Fatal(err)
	}

	return m
}

func retrieve(t *testing.T, m *Manager, id uint16, h Handle, attrs Attrs) Retrieved {
	t.Helper()

	if err := m.RetrieveRequest(id, h, attrs); err != nil {
		t.Fatalf("RetrieveRequest(%#x, %d): %v", id, h, err)
	}

	res, err := m.RetrieveResponse(id, h)

	if err != nil {
		t.Fatalf("RetrieveResponse(%#x, %d): %v", id, h, err)
	}

	return res
}

func TestAttrs(t *testing.T) {
	for _, tc := range []struct {
		attrs Attrs
		valid bool
	}{
		{RW, true},
		{RO, true},
		{RX, true},
		{None, true},
		{AccessRW, true},
		// no access with execute
		{AccessNone, false},
		// reserved access encoding
		{2 | 1<<ExecNever, false},
		{0x10, false},
	} {
		if err := tc.attrs.Validate(); (err == nil) != tc.valid {
			t.Errorf("Validate(%#x) = %v", uint8(tc.attrs), err)
		}
	}

	if !RO.SubsetOf(RW) || RW.SubsetOf(RO) || RX.SubsetOf(RW) || !RO.SubsetOf(RX) {
		t.Errorf("unexpected SubsetOf results")
	}

	if !RX.Executable() || RW.Executable() || RO.Executable() {
		t.Errorf("unexpected Executable results")
	}

	for _, a := range []Attrs{RW, RO, RX, AccessRW} {
		got, err := FromPermissions(a.Permissions())

		if err != nil || got != a {
			t.Errorf("FromPermissions(%s.Permissions()) = %s, %v", a, got, err)
		}
	}
}

func TestDonate(t *testing.T) {
	m := newManager(t)

	h, err := m.Donate(owner, region, alice)

	if err != nil {
		t.Fatal(err)
	}

	if _, err = m.Access(owner, base); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("owner access after donate: %v", err)
	}

	if _, err = m.Access(alice, base); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("receiver access before retrieve: %v", err)
	}

	if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("reclaim of donation: %v", err)
	}

	res := retrieve(t, m, alice, h, RO)

	if res.Kind != Donate || res.Owner != owner || res.Region != region {
		t.Errorf("unexpected retrieval %+v", res)
	}

	if a, err := m.Access(alice, base+ffa.PageSize); err != nil || a != RO {
		t.Errorf("receiver access = %s, %v", a, err)
	}

	// a donation is retrieved once
	if err = m.RetrieveRequest(alice, h, RO); !errors.Is(err, ffa.ErrInvalidParameter) {
		t.Errorf("second retrieve: %v", err)
	}

	// the rest of the original claim is untouched
	if a, err := m.Access(owner, base+4*ffa.PageSize); err != nil || a != RW {
		t.Errorf("owner access outside donation = %s, %v", a, err)
	}
}

func TestDonateNotOwned(t *testing.T) {
	m := newManager(t)

	for _, r := range []ffa.MemRegion{
		{Address: base + 14*ffa.PageSize, PageCount: 4},
		{Address: base - ffa.PageSize, PageCount: 2},
		{Address: 0x1000, PageCount: 1},
	} {
		if _, err := m.Donate(owner, r, alice); !errors.Is(err, ffa.ErrDenied) {
			t.Errorf("Donate(%#x/%d) = %v", r.Address, r.PageCount, err)
		}
	}

	if _, err := m.Donate(alice, region, bob); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("donate by non owner: %v", err)
	}

	if _, err := m.Share(owner, region, []Grant{{alice, RO}}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Donate(owner, region, alice); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("donate of shared region: %v", err)
	}
}

func TestLendReclaim(t *testing.T) {
	m := newManager(t)
	r := ffa.MemRegion{Address: base + 2*ffa.PageSize, PageCount: 2}

	if err := m.SetAttributes(owner, r, RX); err != nil {
		t.Fatal(err)
	}

	before, _ := m.Access(owner, r.Address)
	h, err := m.Lend(owner, r, Grant{alice, RX})

	if err != nil {
		t.Fatal(err)
	}

	if _, err = m.Access(owner, r.Address); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("owner access during loan: %v", err)
	}

	// RW exceeds the grant
	if err = m.RetrieveRequest(alice, h, RW); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("retrieve beyond grant: %v", err)
	}

	if err = m.RetrieveRequest(bob, h, RO); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("retrieve by non receiver: %v", err)
	}

	retrieve(t, m, alice, h, RO)

	if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrBusy) {
		t.Fatalf("reclaim with borrower: %v", err)
	}

	if err = m.Relinquish(alice, h); err != nil {
		t.Fatal(err)
	}

	after, err := m.Access(owner, r.Address)

	if err != nil || after != before {
		t.Errorf("owner attributes after reclaim = %s (%v), want %s", after, err, before)
	}

	if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrInvalidParameter) {
		t.Errorf("reuse of reclaimed handle: %v", err)
	}

	if _, err = m.Access(alice, r.Address); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("borrower access after reclaim: %v", err)
	}
}

func TestShareRelinquishReclaim(t *testing.T) {
	m := newManager(t)
	ids := []uint16{alice, bob, carol}

	var grants []Grant

	for _, id := range ids {
		grants = append(grants, Grant{id, RO})
	}

	h, err := m.Share(owner, region, grants)

	if err != nil {
		t.Fatal(err)
	}

	for _, id := range ids {
		retrieve(t, m, id, h, RO)
	}

	if a, err := m.Access(owner, base); err != nil || a.Writable() || !a.Readable() {
		t.Errorf("owner access during share = %s, %v", a, err)
	}

	for i, id := range ids {
		if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrBusy) {
			t.Fatalf("reclaim with %d borrowers: %v", len(ids)-i, err)
		}

		if err = m.Relinquish(id, h); err != nil {
			t.Fatal(err)
		}
	}

	// the last relinquish completed the pending reclaim
	if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrInvalidParameter) {
		t.Errorf("reclaim after completion: %v", err)
	}

	if a, err := m.Access(owner, base); err != nil || a != RW {
		t.Errorf("owner access after reclaim = %s, %v", a, err)
	}
}

func TestShareReclaim(t *testing.T) {
	m := newManager(t)
	ids := []uint16{alice, bob, carol}

	var grants []Grant

	for _, id := range ids {
		grants = append(grants, Grant{id, RO})
	}

	h, err := m.Share(owner, region, grants)

	if err != nil {
		t.Fatal(err)
	}

	for _, id := range ids {
		retrieve(t, m, id, h, RO)
	}

	for _, id := range ids {
		if err = m.Relinquish(id, h); err != nil {
			t.Fatalf("Relinquish(%#x): %v", id, err)
		}
	}

	if err = m.Reclaim(owner, h); err != nil {
		t.Fatalf("reclaim after all relinquished: %v", err)
	}

	if a, err := m.Access(owner, base); err != nil || a != RW {
		t.Errorf("owner access after reclaim = %s, %v", a, err)
	}

	for _, id := range ids {
		if _, err := m.Access(id, base); !errors.Is(err, ffa.ErrDenied) {
			t.Errorf("%#x access after reclaim: %v", id, err)
		}
	}

	if all := m.Handles(owner); len(all) != 0 {
		t.Errorf("outstanding handles %v", all)
	}
}

func TestShareSingleWriter(t *testing.T) {
	m := newManager(t)

	if _, err := m.Share(owner, region, []Grant{{alice, RO}}); err != nil {
		t.Fatal(err)
	}

	// read-only grants coexist
	if _, err := m.Share(owner, region, []Grant{{bob, RO}}); err != nil {
		t.Errorf("second RO share: %v", err)
	}

	h, err := m.Share(owner, region, []Grant{{carol, RW}})

	if err != nil {
		t.Fatalf("first RW share: %v", err)
	}

	handles := m.Handles(owner)

	if _, err = m.Share(owner, region, []Grant{{alice, RW}}); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("second RW share: %v", err)
	}

	// overlapping sub-range
	sub := ffa.MemRegion{Address: base + ffa.PageSize, PageCount: 1}

	if _, err = m.Share(owner, sub, []Grant{{bob, RW}}); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("overlapping RW share: %v", err)
	}

	if _, err = m.Share(owner, ffa.MemRegion{Address: base + 8*ffa.PageSize, PageCount: 1}, []Grant{{alice, RW}, {bob, RW}}); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("two writers in one share: %v", err)
	}

	if diff := cmp.Diff(handles, m.Handles(owner)); diff != "" {
		t.Errorf("rejected calls changed state (-want +got):\n%s", diff)
	}

	retrieve(t, m, carol, h, RW)

	if a, err := m.Access(carol, base); err != nil || !a.Writable() {
		t.Errorf("writer access = %s, %v", a, err)
	}

	if err = m.Reclaim(owner, h); !errors.Is(err, ffa.ErrBusy) {
		t.Errorf("reclaim: %v", err)
	}

	if err = m.Relinquish(carol, h); err != nil {
		t.Fatal(err)
	}

	// writable grant gone, a new writer is accepted
	if _, err = m.Share(owner, region, []Grant{{alice, RW}}); err != nil {
		t.Errorf("RW share after reclaim: %v", err)
	}
}

func TestInvalidGrant(t *testing.T) {
	m := newManager(t)

	for _, tc := range []struct {
		name   string
		grants []Grant
		err    error
	}{
		{"none", nil, ffa.ErrInvalidParameter},
		{"exec without access", []Grant{{alice, AccessNone}}, ffa.ErrInvalidParameter},
		{"self", []Grant{{owner, RO}}, ffa.ErrInvalidParameter},
		{"duplicate", []Grant{{alice, RO}, {alice, RO}}, ffa.ErrInvalidParameter},
		{"exceeds owner", []Grant{{alice, RX}}, ffa.ErrDenied},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Share(owner, region, tc.grants); !errors.Is(err, tc.err) {
				t.Errorf("Share = %v, want %v", err, tc.err)
			}
		})
	}

	if len(m.Handles(owner)) != 0 {
		t.Errorf("rejected shares left transactions")
	}
}

func TestReleaseAll(t *testing.T) {
	m := newManager(t)

	if err := m.Claim(alice, ffa.MemRegion{Address: base + 32*ffa.PageSize, PageCount: 4}, RW); err != nil {
		t.Fatal(err)
	}

	h, err := m.Lend(owner, region, Grant{alice, RW})

	if err != nil {
		t.Fatal(err)
	}

	retrieve(t, m, alice, h, RW)

	// borrower terminates
	if n := m.ReleaseAll(alice); n != 2 {
		t.Errorf("ReleaseAll = %d, want 2", n)
	}

	if a, err := m.Access(owner, base); err != nil || a != RW {
		t.Errorf("owner access after borrower release = %s, %v", a, err)
	}

	if _, err = m.Access(alice, base+32*ffa.PageSize); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("terminated partition still owns memory")
	}

	// the region is free to be claimed again
	if err = m.Claim(bob, ffa.MemRegion{Address: base + 32*ffa.PageSize, PageCount: 1}, RW); err != nil {
		t.Errorf("claim of released region: %v", err)
	}
}

func TestAttributes(t *testing.T) {
	m := newManager(t)

	if err := m.SetAttributes(owner, ffa.MemRegion{Address: base + ffa.PageSize, PageCount: 1}, RX); err != nil {
		t.Fatal(err)
	}

	for addr, want := range map[uint64]Attrs{
		base:                  RW,
		base + ffa.PageSize:   RX,
		base + 2*ffa.PageSize: RW,
	} {
		if a, err := m.Attributes(owner, addr); err != nil || a != want {
			t.Errorf("Attributes(%#x) = %s, %v, want %s", addr, a, err, want)
		}
	}

	if err := m.SetAttributes(alice, region, RO); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("SetAttributes by non owner: %v", err)
	}

	if err := m.SetAttributes(owner, region, AccessNone); !errors.Is(err, ffa.ErrInvalidParameter) {
		t.Errorf("SetAttributes with invalid attributes: %v", err)
	}
}

func TestUnclaim(t *testing.T) {
	m := newManager(t)

	r := ffa.MemRegion{Address: base + 16*ffa.PageSize, PageCount: 2}

	if m.Claimed(r) {
		t.Fatalf("%#x claimed before Claim", r.Address)
	}

	if err := m.Claim(alice, r, RW); err != nil {
		t.Fatal(err)
	}

	if !m.Claimed(ffa.MemRegion{Address: r.Address + ffa.PageSize, PageCount: 1}) {
		t.Errorf("second page not claimed")
	}

	if err := m.Claim(bob, r, RW); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("double Claim() = %v", err)
	}

	h, err := m.Share(alice, r, []Grant{{Receiver: bob, Attrs: RO}})

	if err != nil {
		t.Fatal(err)
	}

	if err = m.Unclaim(alice, r); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("Unclaim() of shared region = %v", err)
	}

	if err = m.Reclaim(alice, h); err != nil {
		t.Fatal(err)
	}

	if err = m.Unclaim(bob, r); !errors.Is(err, ffa.ErrDenied) {
		t.Errorf("Unclaim() by non owner = %v", err)
	}

	if err = m.Unclaim(alice, r); err != nil {
		t.Fatalf("Unclaim() = %v", err)
	}

	if m.Claimed(r) {
		t.Errorf("%#x still claimed", r.Address)
	}

	if err = m.Unclaim(owner, ffa.MemRegion{Address: base + ffa.PageSize, PageCount: 1}); !errors.Is(err, ffa.ErrInvalidParameter) {
		t.Errorf("partial Unclaim() = %v", err)
	}
}
