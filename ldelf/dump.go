// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ldelf

import (
	"bytes"
	"fmt"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/uspace"
	"github.com/usbarmory/GoTEE-spm/util"
)

// State represents a partition diagnostic snapshot, it does not reference
// partition state.
type State struct {
	Partition uint16
	Entry     uint64
	Regs      arch.Regs
	// PCSym and LRSym hold the symbolized program counter and link
	// register, when the image carries symbols
	PCSym    string
	LRSym    string
	Mappings []uspace.Mapping
	Segments []Segment
}

func (s State) String() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "partition %#x entry:%#x\n", s.Partition, s.Entry)
	fmt.Fprintf(&buf, "%s\n", s.Regs)

	if s.PCSym != "" {
		fmt.Fprintf(&buf, "pc %s\n", s.PCSym)
	}

	if s.LRSym != "" {
		fmt.Fprintf(&buf, "lr %s\n", s.LRSym)
	}

	for _, m := range s.Mappings {
		fmt.Fprintf(&buf, "%s\n", m)
	}

	return buf.String()
}

// DumpState returns a snapshot of the partition mappings and registers.
func DumpState(t Target) (s State, err error) {
	c := t.Ldelf()

	if c == nil {
		return s, ErrNotLoaded
	}

	regs := t.Enter()

	s = State{
		Partition: t.ID(),
		Entry:     c.entry,
		Regs:      regs,
		Mappings:  t.AddressSpace().Mappings(),
		Segments:  c.Segments(),
	}

	if c.image != nil {
		s.PCSym = util.Symbolize(c.image, regs.PC-c.bias)
		s.LRSym = util.Symbolize(c.image, regs.LR()-c.bias)
	}

	return
}

// DumpFtrace copies the partition call trace into buf returning the number of
// bytes written. When buf is too small the required length is returned with
// ErrShortBuffer, a nil buf can be used to query it.
func DumpFtrace(t Target, buf []byte) (n int, err error) {
	c := t.Ldelf()

	if c == nil || c.Trace == nil {
		return 0, ErrNotLoaded
	}

	s := c.Trace.String()

	if len(buf) < len(s) {
		return len(s), ErrShortBuffer
	}

	return copy(buf, s), nil
}
