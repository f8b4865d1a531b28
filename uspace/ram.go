// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uspace

import (
	"fmt"
	"sort"
	"sync"
)

type window struct {
	base uint64
	buf  []byte
}

func (w *window) end() uint64 {
	return w.base + uint64(len(w.buf))
}

// RAM represents the physical memory backing partition address spaces, as one
// or more disjoint windows. On the target windows wrap memory reserved from
// DMA regions, on a host they are plain heap memory.
type RAM struct {
	sync.RWMutex

	windows []*window
}

// NewRAM allocates a memory window of the given size at a physical base
// address.
func NewRAM(base uint64, size int) *RAM {
	r := &RAM{}
	r.Add(base, make([]byte, size))

	return r
}

// Add registers an additional window backed by an existing buffer, such as
// one reserved from a DMA region.
func (r *RAM) Add(base uint64, buf []byte) {
	r.Lock()
	defer r.Unlock()

	r.windows = append(r.windows, &window{base: base, buf: buf})

	sort.Slice(r.windows, func(i, j int) bool {
		return r.windows[i].base < r.windows[j].base
	})
}

// Start returns the lowest physical address.
func (r *RAM) Start() uint64 {
	r.RLock()
	defer r.RUnlock()

	if len(r.windows) == 0 {
		return 0
	}

	return r.windows[0].base
}

// End returns the highest physical address (exclusive).
func (r *RAM) End() uint64 {
	r.RLock()
	defer r.RUnlock()

	if len(r.windows) == 0 {
		return 0
	}

	return r.windows[len(r.windows)-1].end()
}

func (r *RAM) window(addr uint64, size uint64) *window {
	end := addr + size

	if end < addr {
		return nil
	}

	for _, w := range r.windows {
		if addr >= w.base && end <= w.end() {
			return w
		}
	}

	return nil
}

// Contains returns whether the given range falls within a single window.
func (r *RAM) Contains(addr uint64, size uint64) bool {
	r.RLock()
	defer r.RUnlock()

	return r.window(addr, size) != nil
}

func (r *RAM) slice(addr uint64, size uint64) ([]byte, error) {
	w := r.window(addr, size)

	if w == nil {
		return nil, fmt.Errorf("range %#x-%#x outside physical memory, %w", addr, addr+size, ErrFault)
	}

	off := addr - w.base

	return w.buf[off : off+size], nil
}

// Read copies physical memory at addr into buf.
func (r *RAM) Read(addr uint64, buf []byte) (err error) {
	r.RLock()
	defer r.RUnlock()

	src, err := r.slice(addr, uint64(len(buf)))

	if err != nil {
		return
	}

	copy(buf, src)

	return
}

// Write copies buf into physical memory at addr.
func (r *RAM) Write(addr uint64, buf []byte) (err error) {
	r.Lock()
	defer r.Unlock()

	dst, err := r.slice(addr, uint64(len(buf)))

	if err != nil {
		return
	}

	copy(dst, buf)

	return
}

// Zero clears a physical memory range.
func (r *RAM) Zero(addr uint64, size uint64) (err error) {
	r.Lock()
	defer r.Unlock()

	dst, err := r.slice(addr, size)

	if err != nil {
		return
	}

	for i := range dst {
		dst[i] = 0
	}

	return
}
