// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package memshare implements the secure partition memory ownership table and
// the FF-A memory management protocol (donate, lend, share, retrieve,
// relinquish and reclaim) operating on it.
//
// Every operation validates its request in full before committing any change,
// a rejected call leaves the table untouched.
package memshare

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// Handle represents a memory transaction handle.
type Handle uint64

// Kind represents a memory transaction type.
type Kind int

// Memory transaction types
const (
	Donate Kind = iota
	Lend
	Share
)

func (k Kind) String() string {
	switch k {
	case Donate:
		return "donate"
	case Lend:
		return "lend"
	case Share:
		return "share"
	}

	return "unknown"
}

// Grant represents the access granted to a single receiver.
type Grant struct {
	Receiver uint16
	Attrs    Attrs
}

// Retrieved represents a committed retrieval, as returned to the receiver.
type Retrieved struct {
	Handle Handle
	Kind   Kind
	Owner  uint16
	Region ffa.MemRegion
	Attrs  Attrs
}

// extent represents a range of memory with a single owner and attributes.
type extent struct {
	Base  uint64
	Size  uint64
	Owner uint16
	Attrs Attrs

	handles []Handle
}

func (e *extent) End() uint64 {
	return e.Base + e.Size
}

func byBase(a, b *extent) bool {
	return a.Base < b.Base
}

type borrower struct {
	grant     Attrs
	requested Attrs
	pending   bool
	retrieved bool
}

type transaction struct {
	handle  Handle
	kind    Kind
	owner   uint16
	region  ffa.MemRegion
	reclaim bool

	borrowers map[uint16]*borrower
}

func (tx *transaction) holders() (n int) {
	for _, b := range tx.borrowers {
		if b.retrieved {
			n++
		}
	}

	return
}

func (tx *transaction) writable() bool {
	for _, b := range tx.borrowers {
		if b.grant.Writable() {
			return true
		}
	}

	return false
}

// Manager represents the memory ownership table.
type Manager struct {
	// Log is the ownership change logger, logrus.StandardLogger() when
	// nil.
	Log logrus.FieldLogger

	mu      sync.Mutex
	extents *btree.BTreeG[*extent]
	txs     map[Handle]*transaction
	last    Handle
}

// NewManager returns an empty ownership table.
func NewManager() *Manager {
	return &Manager{
		extents: btree.NewG[*extent](8, byBase),
		txs:     make(map[Handle]*transaction),
	}
}

func (m *Manager) log() logrus.FieldLogger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}

	return m.Log
}

func checkRegion(r ffa.MemRegion) error {
	if r.Address%ffa.PageSize != 0 || r.PageCount == 0 || r.Address+r.Size() < r.Address {
		return fmt.Errorf("region %#x/%d, %w", r.Address, r.PageCount, ffa.ErrInvalidParameter)
	}

	return nil
}

// find returns the extent containing addr.
func (m *Manager) find(addr uint64) (e *extent) {
	m.extents.DescendLessOrEqual(&extent{Base: addr}, func(item *extent) bool {
		if addr < item.End() {
			e = item
		}

		return false
	})

	return
}

// overlapping returns all extents intersecting a range, ordered by address.
func (m *Manager) overlapping(base uint64, end uint64) (all []*extent) {
	if e := m.find(base); e != nil {
		all = append(all, e)
	}

	m.extents.AscendRange(&extent{Base: base + 1}, &extent{Base: end}, func(e *extent) bool {
		all = append(all, e)
		return true
	})

	return
}

// owned returns the extents exactly covering a region, which must be entirely
// owned by owner.
func (m *Manager) owned(owner uint16, r ffa.MemRegion) (all []*extent, err error) {
	end := r.Address + r.Size()
	all = m.overlapping(r.Address, end)
	next := r.Address

	for _, e := range all {
		if e.Base > next || e.Owner != owner {
			return nil, fmt.Errorf("region %#x-%#x not owned by %#x, %w", r.Address, end, owner, ffa.ErrDenied)
		}

		next = e.End()
	}

	if next < end {
		return nil, fmt.Errorf("region %#x-%#x not owned by %#x, %w", r.Address, end, owner, ffa.ErrDenied)
	}

	return
}

// split returns the extents covering a region after splitting those crossing
// its boundaries.
func (m *Manager) split(r ffa.MemRegion) []*extent {
	end := r.Address + r.Size()

	for _, addr := range []uint64{r.Address, end} {
		e := m.find(addr)

		if e == nil || e.Base == addr {
			continue
		}

		tail := &extent{
			Base:    addr,
			Size:    e.End() - addr,
			Owner:   e.Owner,
			Attrs:   e.Attrs,
			handles: append([]Handle(nil), e.handles...),
		}

		e.Size = addr - e.Base
		m.extents.ReplaceOrInsert(tail)
	}

	return m.overlapping(r.Address, end)
}

func (m *Manager) exclusive(owner uint16, r ffa.MemRegion) (all []*extent, err error) {
	if all, err = m.owned(owner, r); err != nil {
		return
	}

	for _, e := range all {
		if len(e.handles) > 0 {
			return nil, fmt.Errorf("region %#x in use by handle %d, %w", e.Base, e.handles[0], ffa.ErrDenied)
		}
	}

	return
}

func (m *Manager) commit(kind Kind, owner uint16, r ffa.MemRegion, borrowers map[uint16]*borrower) (h Handle) {
	m.last++
	h = m.last

	m.txs[h] = &transaction{
		handle:    h,
		kind:      kind,
		owner:     owner,
		region:    r,
		borrowers: borrowers,
	}

	for _, e := range m.split(r) {
		e.handles = append(e.handles, h)
	}

	m.log().WithFields(logrus.Fields{
		"handle": h,
		"owner":  fmt.Sprintf("%#x", owner),
	}).Debugf("SPMC memory %s %#x-%#x", kind, r.Address, r.Address+r.Size())

	return
}

// Claim registers the initial, exclusive, ownership of a region.
func (m *Manager) Claim(owner uint16, r ffa.MemRegion, attrs Attrs) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = checkRegion(r); err != nil {
		return
	}

	if err = attrs.Validate(); err != nil {
		return
	}

	if len(m.overlapping(r.Address, r.Address+r.Size())) > 0 {
		return fmt.Errorf("region %#x already claimed, %w", r.Address, ffa.ErrDenied)
	}

	m.extents.ReplaceOrInsert(&extent{
		Base:  r.Address,
		Size:  r.Size(),
		Owner: owner,
		Attrs: attrs,
	})

	return
}

// Unclaim drops the ownership of a region previously claimed as a whole, which
// must not be involved in any transaction.
func (m *Manager) Unclaim(owner uint16, r ffa.MemRegion) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.exclusive(owner, r)

	if err != nil {
		return
	}

	for _, e := range all {
		if e.Base < r.Address || e.End() > r.Address+r.Size() {
			return fmt.Errorf("region %#x partially claimed, %w", r.Address, ffa.ErrInvalidParameter)
		}
	}

	for _, e := range all {
		m.extents.Delete(e)
	}

	return
}

// Claimed returns whether any part of a region is claimed.
func (m *Manager) Claimed(r ffa.MemRegion) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.overlapping(r.Address, r.Address+r.Size())) > 0
}

// Donate transfers the exclusive ownership of a region, the owner loses all
// access immediately while the new owner gains it once it retrieves the
// returned handle.
func (m *Manager) Donate(owner uint16, r ffa.MemRegion, newOwner uint16) (h Handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = checkRegion(r); err != nil {
		return
	}

	if owner == newOwner {
		return 0, fmt.Errorf("donation to self, %w", ffa.ErrInvalidParameter)
	}

	all, err := m.exclusive(owner, r)

	if err != nil {
		return
	}

	h = m.commit(Donate, owner, r, map[uint16]*borrower{
		newOwner: {grant: all[0].Attrs},
	})

	for _, e := range m.overlapping(r.Address, r.Address+r.Size()) {
		e.Owner = newOwner
	}

	return
}

// Lend grants temporary access to a region, the owner loses access until the
// loan is reclaimed.
func (m *Manager) Lend(owner uint16, r ffa.MemRegion, g Grant) (h Handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = checkRegion(r); err != nil {
		return
	}

	borrowers, err := m.grants(owner, r, []Grant{g})

	if err != nil {
		return
	}

	if _, err = m.exclusive(owner, r); err != nil {
		return
	}

	return m.commit(Lend, owner, r, borrowers), nil
}

// Share grants concurrent access to a region to one or more receivers, the
// owner keeps read access. Across all shares of a region at most one receiver
// can be granted write access.
func (m *Manager) Share(owner uint16, r ffa.MemRegion, grants []Grant) (h Handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = checkRegion(r); err != nil {
		return
	}

	borrowers, err := m.grants(owner, r, grants)

	if err != nil {
		return
	}

	all, err := m.owned(owner, r)

	if err != nil {
		return
	}

	writers := 0

	for _, g := range grants {
		if g.Attrs.Writable() {
			writers++
		}
	}

	for _, e := range all {
		for _, other := range e.handles {
			tx := m.txs[other]

			if tx.kind != Share {
				return 0, fmt.Errorf("region %#x in use by handle %d, %w", e.Base, other, ffa.ErrDenied)
			}

			if tx.writable() && writers > 0 {
				return 0, fmt.Errorf("region %#x already shared writable by handle %d, %w", e.Base, other, ffa.ErrDenied)
			}
		}
	}

	if writers > 1 {
		return 0, fmt.Errorf("multiple writers, %w", ffa.ErrDenied)
	}

	return m.commit(Share, owner, r, borrowers), nil
}

// grants validates a receiver list against the attributes held by the owner.
func (m *Manager) grants(owner uint16, r ffa.MemRegion, grants []Grant) (borrowers map[uint16]*borrower, err error) {
	if len(grants) == 0 {
		return nil, fmt.Errorf("no receivers, %w", ffa.ErrInvalidParameter)
	}

	all, err := m.owned(owner, r)

	if err != nil {
		return
	}

	borrowers = make(map[uint16]*borrower)

	for _, g := range grants {
		if err = g.Attrs.Validate(); err != nil {
			return nil, err
		}

		if g.Receiver == owner {
			return nil, fmt.Errorf("receiver %#x is the owner, %w", g.Receiver, ffa.ErrInvalidParameter)
		}

		if _, ok := borrowers[g.Receiver]; ok {
			return nil, fmt.Errorf("duplicate receiver %#x, %w", g.Receiver, ffa.ErrInvalidParameter)
		}

		for _, e := range all {
			if !g.Attrs.SubsetOf(e.Attrs) {
				return nil, fmt.Errorf("grant %s exceeds owner access %s, %w", g.Attrs, e.Attrs, ffa.ErrDenied)
			}
		}

		borrowers[g.Receiver] = &borrower{grant: g.Attrs}
	}

	return
}

func (m *Manager) transaction(h Handle) (tx *transaction, err error) {
	tx, ok := m.txs[h]

	if !ok {
		return nil, fmt.Errorf("handle %d, %w", h, ffa.ErrInvalidParameter)
	}

	return
}

// Region returns the kind and region of an outstanding transaction.
func (m *Manager) Region(h Handle) (kind Kind, r ffa.MemRegion, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transaction(h)

	if err != nil {
		return
	}

	return tx.kind, tx.region, nil
}

// RetrieveRequest registers the intent of a receiver to retrieve a region with
// the given attributes, which must be a subset of those granted to it.
func (m *Manager) RetrieveRequest(receiver uint16, h Handle, attrs Attrs) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transaction(h)

	if err != nil {
		return
	}

	if err = attrs.Validate(); err != nil {
		return
	}

	b, ok := tx.borrowers[receiver]

	switch {
	case !ok:
		return fmt.Errorf("%#x not a receiver of handle %d, %w", receiver, h, ffa.ErrDenied)
	case b.retrieved:
		return fmt.Errorf("handle %d already retrieved by %#x, %w", h, receiver, ffa.ErrDenied)
	case tx.reclaim:
		return fmt.Errorf("handle %d is being reclaimed, %w", h, ffa.ErrDenied)
	case !attrs.SubsetOf(b.grant):
		return fmt.Errorf("requested %s exceeds grant %s, %w", attrs, b.grant, ffa.ErrDenied)
	}

	b.requested = attrs
	b.pending = true

	return
}

// RetrieveResponse completes a retrieval, committing the receiver access.
func (m *Manager) RetrieveResponse(receiver uint16, h Handle) (res Retrieved, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transaction(h)

	if err != nil {
		return
	}

	b, ok := tx.borrowers[receiver]

	if !ok || !b.pending {
		return res, fmt.Errorf("no pending retrieve of handle %d by %#x, %w", h, receiver, ffa.ErrDenied)
	}

	b.pending = false
	b.retrieved = true

	res = Retrieved{
		Handle: h,
		Kind:   tx.kind,
		Owner:  tx.owner,
		Region: tx.region,
		Attrs:  b.requested,
	}

	if tx.kind == Donate {
		// ownership already moved, the handle is consumed
		for _, e := range m.overlapping(tx.region.Address, tx.region.Address+tx.region.Size()) {
			e.Attrs = b.requested
			e.handles = remove(e.handles, h)
		}

		delete(m.txs, h)
	}

	m.log().WithFields(logrus.Fields{
		"handle":   h,
		"receiver": fmt.Sprintf("%#x", receiver),
	}).Debugf("SPMC memory retrieved %s", b.requested)

	return
}

// Relinquish drops the access of a receiver, completing any pending reclaim
// when it was the last one holding access.
func (m *Manager) Relinquish(receiver uint16, h Handle) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transaction(h)

	if err != nil {
		return
	}

	b, ok := tx.borrowers[receiver]

	if !ok || !b.retrieved {
		return fmt.Errorf("handle %d not held by %#x, %w", h, receiver, ffa.ErrDenied)
	}

	b.retrieved = false

	if tx.reclaim && tx.holders() == 0 {
		m.release(tx)
	}

	return
}

// Reclaim restores the owner access to a lent or shared region, invalidating
// its handle. While any receiver still holds access the reclaim is marked
// pending, to be completed by the last relinquish, and ffa.ErrBusy is
// returned.
func (m *Manager) Reclaim(owner uint16, h Handle) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.transaction(h)

	if err != nil {
		return
	}

	switch {
	case tx.owner != owner:
		return fmt.Errorf("handle %d not owned by %#x, %w", h, owner, ffa.ErrDenied)
	case tx.kind == Donate:
		return fmt.Errorf("handle %d is a donation, %w", h, ffa.ErrDenied)
	}

	if n := tx.holders(); n > 0 {
		tx.reclaim = true
		return fmt.Errorf("handle %d held by %d receivers, %w", h, n, ffa.ErrBusy)
	}

	m.release(tx)

	return
}

// release drops a transaction and its handle from every extent.
func (m *Manager) release(tx *transaction) {
	for _, e := range m.overlapping(tx.region.Address, tx.region.Address+tx.region.Size()) {
		e.handles = remove(e.handles, tx.handle)
	}

	delete(m.txs, tx.handle)

	m.log().WithField("handle", tx.handle).Debugf("SPMC memory reclaimed %#x", tx.region.Address)
}

func remove(handles []Handle, h Handle) (res []Handle) {
	for _, v := range handles {
		if v != h {
			res = append(res, v)
		}
	}

	return
}

// Access returns the effective attributes of an endpoint for the page
// containing addr, ffa.ErrDenied is returned when it has no access.
func (m *Manager) Access(id uint16, addr uint64) (attrs Attrs, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.find(addr)

	if e == nil {
		return None, fmt.Errorf("%#x not claimed, %w", addr, ffa.ErrDenied)
	}

	if e.Owner == id {
		attrs = e.Attrs

		for _, h := range e.handles {
			switch m.txs[h].kind {
			case Share:
				attrs = attrs.ReadOnly()
			default:
				attrs = None
			}
		}
	} else {
		attrs = None

		for _, h := range e.handles {
			if b, ok := m.txs[h].borrowers[id]; ok && b.retrieved {
				if attrs.Access() == AccessNone || b.requested.Writable() {
					attrs = b.requested
				}
			}
		}
	}

	if attrs.Access() == AccessNone {
		return None, fmt.Errorf("%#x has no access to %#x, %w", id, addr, ffa.ErrDenied)
	}

	return
}

// SetAttributes changes the attributes of a range exclusively held by owner.
func (m *Manager) SetAttributes(owner uint16, r ffa.MemRegion, attrs Attrs) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = checkRegion(r); err != nil {
		return
	}

	if err = attrs.Validate(); err != nil {
		return
	}

	if _, err = m.exclusive(owner, r); err != nil {
		return
	}

	for _, e := range m.split(r) {
		e.Attrs = attrs
	}

	return
}

// Attributes returns the attributes of the page containing addr, which must be
// owned by owner.
func (m *Manager) Attributes(owner uint16, addr uint64) (attrs Attrs, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.find(addr)

	if e == nil || e.Owner != owner {
		return None, fmt.Errorf("%#x not owned by %#x, %w", addr, owner, ffa.ErrDenied)
	}

	return e.Attrs, nil
}

// Handles returns all outstanding transaction handles owned by or granted to
// an endpoint.
func (m *Manager) Handles(id uint16) (all []Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h, tx := range m.txs {
		if _, ok := tx.borrowers[id]; ok || tx.owner == id {
			all = append(all, h)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	return
}

// ReleaseAll forcibly drops every region owned by, or granted to, an
// endpoint. It is meant for terminated partitions, transactions they own are
// revoked from all receivers.
func (m *Manager) ReleaseAll(id uint16) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.txs {
		switch {
		case tx.owner == id && tx.kind != Donate:
			m.release(tx)
			n++
		case tx.borrowers[id] != nil:
			if tx.kind == Donate {
				// ownership already moved to the terminated endpoint
				m.release(tx)
				n++
				continue
			}

			delete(tx.borrowers, id)
			n++

			if len(tx.borrowers) == 0 || (tx.reclaim && tx.holders() == 0) {
				m.release(tx)
			}
		}
	}

	var del []*extent

	m.extents.Ascend(func(e *extent) bool {
		if e.Owner == id {
			del = append(del, e)
		}

		return true
	})

	for _, e := range del {
		m.extents.Delete(e)
	}

	m.log().WithField("partition", fmt.Sprintf("%#x", id)).Infof("SPMC released %d transactions, %d extents", n, len(del))

	return n + len(del)
}
