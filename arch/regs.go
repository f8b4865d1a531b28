// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package arch provides the register save area exchanged between the secure
// partition manager and the executors switching into partition code.
package arch

import (
	"errors"
	"fmt"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// ErrInterrupted is returned by an executor when a partition run was cut short
// before reaching a call boundary, the register file captured by such a run
// must not be committed.
var ErrInterrupted = errors.New("execution interrupted")

// Regs represents a complete general purpose register file. Values of this
// type are moved across world switches, never shared.
type Regs struct {
	// X holds the general purpose registers x0-x30, 32-bit targets use
	// x0-x12 for r0-r12 and x30 for the link register.
	X [31]uint64
	// SP is the stack pointer.
	SP uint64
	// PC is the program counter.
	PC uint64
	// SPSR is the saved program status register.
	SPSR uint64
}

// Args returns the FF-A argument registers (x0-x7).
func (r Regs) Args() (a ffa.Args) {
	copy(a[:], r.X[0:8])
	return
}

// WithArgs returns a copy of the register file with x0-x7 replaced.
func (r Regs) WithArgs(a ffa.Args) Regs {
	copy(r.X[0:8], a[:])
	return r
}

// LR returns the link register.
func (r Regs) LR() uint64 {
	return r.X[30]
}

func (r Regs) String() string {
	return fmt.Sprintf("pc:%#.8x sp:%#.8x lr:%#.8x spsr:%#.8x x0:%#x x1:%#x x2:%#x x3:%#x",
		r.PC, r.SP, r.LR(), r.SPSR, r.X[0], r.X[1], r.X[2], r.X[3])
}
