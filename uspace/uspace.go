// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uspace implements the user mode address space container owned by
// each secure partition: an identity mapped set of page aligned mappings, each
// with its own protection, over a shared window of physical memory.
package uspace

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

// PageSize is the mapping granule.
const PageSize = 4096

// Address space errors
var (
	ErrFault     = errors.New("address not mapped")
	ErrOverlap   = errors.New("mapping overlaps existing one")
	ErrAlignment = errors.New("unaligned mapping")
	ErrNotMapped = errors.New("no such mapping")
)

// Prot represents mapping protection flags.
type Prot uint8

// Protection flags
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	s := []byte("---")

	if p&ProtRead != 0 {
		s[0] = 'r'
	}

	if p&ProtWrite != 0 {
		s[1] = 'w'
	}

	if p&ProtExec != 0 {
		s[2] = 'x'
	}

	return string(s)
}

// Mapping represents a page aligned, identity mapped, virtual memory range.
type Mapping struct {
	// Name describes the mapping content (e.g. "ldelf", ".text", "heap")
	Name string
	// VA is the mapping start address
	VA uint64
	// Size is the mapping length in bytes
	Size uint64
	// Prot is the mapping protection
	Prot Prot
}

// End returns the mapping end address (exclusive).
func (m Mapping) End() uint64 {
	return m.VA + m.Size
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#.8x-%#.8x %s %s", m.VA, m.End(), m.Prot, m.Name)
}

func byVA(a, b *Mapping) bool {
	return a.VA < b.VA
}

// AddressSpace represents a partition address space container.
type AddressSpace struct {
	sync.RWMutex

	ram  *RAM
	maps *btree.BTreeG[*Mapping]
}

// New returns an empty address space over the given physical memory window.
func New(ram *RAM) *AddressSpace {
	return &AddressSpace{
		ram:  ram,
		maps: btree.NewG[*Mapping](8, byVA),
	}
}

// RAM returns the physical memory window backing the address space.
func (as *AddressSpace) RAM() *RAM {
	return as.ram
}

// find returns the mapping containing va.
func (as *AddressSpace) find(va uint64) (m *Mapping) {
	as.maps.DescendLessOrEqual(&Mapping{VA: va}, func(item *Mapping) bool {
		if va < item.End() {
			m = item
		}

		return false
	})

	return
}

func (as *AddressSpace) overlaps(va uint64, end uint64) (found bool) {
	if m := as.find(va); m != nil {
		return true
	}

	as.maps.AscendRange(&Mapping{VA: va}, &Mapping{VA: end}, func(_ *Mapping) bool {
		found = true
		return false
	})

	return
}

// Map adds a mapping, the range must be page aligned, within physical memory
// and free.
func (as *AddressSpace) Map(m Mapping) (err error) {
	as.Lock()
	defer as.Unlock()

	if m.VA%PageSize != 0 || m.Size%PageSize != 0 || m.Size == 0 {
		return fmt.Errorf("%s, %w", m, ErrAlignment)
	}

	if !as.ram.Contains(m.VA, m.Size) {
		return fmt.Errorf("%s, %w", m, ErrFault)
	}

	if as.overlaps(m.VA, m.End()) {
		return fmt.Errorf("%s, %w", m, ErrOverlap)
	}

	as.maps.ReplaceOrInsert(&m)

	return
}

// Unmap removes the mapping starting at va.
func (as *AddressSpace) Unmap(va uint64) (err error) {
	as.Lock()
	defer as.Unlock()

	if _, ok := as.maps.Delete(&Mapping{VA: va}); !ok {
		return fmt.Errorf("%#x, %w", va, ErrNotMapped)
	}

	return
}

// UnmapRange removes every mapping contained within a range.
func (as *AddressSpace) UnmapRange(va uint64, size uint64) (n int) {
	as.Lock()
	defer as.Unlock()

	var del []*Mapping
	end := va + size

	as.maps.AscendRange(&Mapping{VA: va}, &Mapping{VA: end}, func(m *Mapping) bool {
		if m.End() <= end {
			del = append(del, m)
		}

		return true
	})

	for _, m := range del {
		as.maps.Delete(m)
	}

	return len(del)
}

// Protect changes the protection of a page aligned range, which must be fully
// covered by a single mapping. The mapping is split as required.
func (as *AddressSpace) Protect(va uint64, size uint64, prot Prot) (err error) {
	as.Lock()
	defer as.Unlock()

	if va%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return fmt.Errorf("%#x-%#x, %w", va, va+size, ErrAlignment)
	}

	m := as.find(va)
	end := va + size

	if m == nil || end > m.End() {
		return fmt.Errorf("%#x-%#x, %w", va, end, ErrNotMapped)
	}

	orig := *m
	as.maps.Delete(m)

	if va > orig.VA {
		as.maps.ReplaceOrInsert(&Mapping{Name: orig.Name, VA: orig.VA, Size: va - orig.VA, Prot: orig.Prot})
	}

	as.maps.ReplaceOrInsert(&Mapping{Name: orig.Name, VA: va, Size: size, Prot: prot})

	if end < orig.End() {
		as.maps.ReplaceOrInsert(&Mapping{Name: orig.Name, VA: end, Size: orig.End() - end, Prot: orig.Prot})
	}

	return
}

// Lookup returns the mapping containing va.
func (as *AddressSpace) Lookup(va uint64) (m Mapping, ok bool) {
	as.RLock()
	defer as.RUnlock()

	if p := as.find(va); p != nil {
		return *p, true
	}

	return
}

// Check verifies that a range is entirely mapped with at least the requested
// protection.
func (as *AddressSpace) Check(va uint64, size uint64, prot Prot) (err error) {
	as.RLock()
	defer as.RUnlock()

	return as.check(va, size, prot)
}

func (as *AddressSpace) check(va uint64, size uint64, prot Prot) error {
	end := va + size

	if end < va {
		return fmt.Errorf("%#x+%#x, %w", va, size, ErrFault)
	}

	for addr := va; addr < end; {
		m := as.find(addr)

		if m == nil || m.Prot&prot != prot {
			return fmt.Errorf("%#x (%s), %w", addr, prot, ErrFault)
		}

		addr = m.End()
	}

	return nil
}

// Read copies partition memory into buf, the range must be readable.
func (as *AddressSpace) Read(va uint64, buf []byte) (err error) {
	as.RLock()
	defer as.RUnlock()

	if err = as.check(va, uint64(len(buf)), ProtRead); err != nil {
		return
	}

	return as.ram.Read(va, buf)
}

// Write copies buf into partition memory, the range must be writable.
func (as *AddressSpace) Write(va uint64, buf []byte) (err error) {
	as.RLock()
	defer as.RUnlock()

	if err = as.check(va, uint64(len(buf)), ProtWrite); err != nil {
		return
	}

	return as.ram.Write(va, buf)
}

// Mappings returns a snapshot of all mappings ordered by address.
func (as *AddressSpace) Mappings() (all []Mapping) {
	as.RLock()
	defer as.RUnlock()

	as.maps.Ascend(func(m *Mapping) bool {
		all = append(all, *m)
		return true
	})

	return
}

// Clear removes all mappings.
func (as *AddressSpace) Clear() {
	as.Lock()
	defer as.Unlock()

	as.maps.Clear(false)
}

func (as *AddressSpace) String() string {
	var s strings.Builder

	for _, m := range as.Mappings() {
		s.WriteString(m.String())
		s.WriteString("\n")
	}

	return s.String()
}
