// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/ldelf"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// State represents a partition lifecycle state.
type State int

// Partition states
const (
	Created State = iota
	Initializing
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Executor represents the world switch into a partition.
type Executor interface {
	// Resume runs the partition from the given register state until it
	// issues a call, returning the register state at call time. An
	// interrupted execution returns arch.ErrInterrupted, any other error
	// is a partition fault.
	Resume(arch.Regs) (arch.Regs, error)
}

// Partition represents a secure partition execution context.
type Partition struct {
	sync.Mutex

	id    uint16
	name  string
	uuid  uuid.UUID
	props uint32

	as   *uspace.AddressSpace
	bi   *bootinfo.BootInfo
	exec Executor
	ld   ldelf.Context
	regs atomic.Pointer[arch.Regs]
	log  *logrus.Entry

	nsCommBuf     uint64
	nsCommBufSize uint64

	// fields below are protected by the partition mutex

	state        State
	initializing bool
	// parked is set when the partition waits for a message
	parked bool
	// caller holds the source of the direct request being served, or
	// -1
	caller int
	// cpu holds the CPU running the partition, or -1
	cpu int
	// shm holds the regions retrieved from other endpoints
	shm map[memshare.Handle]memshare.Retrieved
	err error
}

// Kind returns SecurePartitionKind.
func (p *Partition) Kind() Kind {
	return SecurePartitionKind
}

func (p *Partition) isContext() {}

// ID returns the partition endpoint id.
func (p *Partition) ID() uint16 {
	return p.id
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// UUID returns the partition UUID.
func (p *Partition) UUID() uuid.UUID {
	return p.uuid
}

// Properties returns the partition messaging properties.
func (p *Partition) Properties() uint32 {
	return p.props
}

// AddressSpace returns the partition address space.
func (p *Partition) AddressSpace() *uspace.AddressSpace {
	return p.as
}

// BootInfo returns the partition boot information.
func (p *Partition) BootInfo() *bootinfo.BootInfo {
	return p.bi
}

// Ldelf returns the partition loader state.
func (p *Partition) Ldelf() *ldelf.Context {
	return &p.ld
}

// NSCommBuf returns the Normal World communication buffer address and size.
func (p *Partition) NSCommBuf() (addr uint64, size uint64) {
	return p.nsCommBuf, p.nsCommBufSize
}

// Enter returns a copy of the saved register file, to be loaded on the CPU
// entering the partition.
func (p *Partition) Enter() arch.Regs {
	return *p.regs.Load()
}

// Leave saves the register file captured on partition exit, the previous
// register file is replaced as a whole.
func (p *Partition) Leave(regs arch.Regs) {
	p.regs.Store(&regs)
}

// State returns the partition state.
func (p *Partition) State() State {
	p.Lock()
	defer p.Unlock()

	return p.state
}

// Initializing returns whether the partition is being loaded.
func (p *Partition) Initializing() bool {
	p.Lock()
	defer p.Unlock()

	return p.initializing
}

// Err returns the cause of the partition termination.
func (p *Partition) Err() error {
	p.Lock()
	defer p.Unlock()

	return p.err
}

func (p *Partition) String() string {
	return fmt.Sprintf("%#x %s (%s)", p.id, p.name, p.State())
}

func (p *Partition) transition(from State, to State) error {
	p.Lock()
	defer p.Unlock()

	if p.state != from {
		return fmt.Errorf("partition %#x is %s, %w", p.id, p.state, ffa.ErrDenied)
	}

	p.state = to
	p.initializing = to == Initializing

	return nil
}

// acquire marks the partition as running on a CPU.
func (p *Partition) acquire(cpu *CPU) error {
	p.Lock()
	defer p.Unlock()

	switch {
	case p.state != Running && p.state != Blocked:
		return fmt.Errorf("partition %#x is %s, %w", p.id, p.state, ffa.ErrDenied)
	case p.cpu >= 0:
		return fmt.Errorf("partition %#x running on cpu %d, %w", p.id, p.cpu, ffa.ErrBusy)
	}

	p.cpu = cpu.ID

	return nil
}

func (p *Partition) release() {
	p.Lock()
	defer p.Unlock()

	p.cpu = -1
}

// commit saves the register file of a partition leaving the CPU to wait for a
// message.
func (p *Partition) commit(regs arch.Regs, state State) {
	p.Leave(regs)

	p.Lock()
	defer p.Unlock()

	if p.state == Terminated {
		return
	}

	p.state = state
	p.parked = true
}

// receive marks the partition as serving a direct request from src.
func (p *Partition) receive(src uint16) error {
	p.Lock()
	defer p.Unlock()

	switch {
	case p.state == Running && !p.parked:
		return fmt.Errorf("partition %#x not ready, %w", p.id, ffa.ErrBusy)
	case p.state != Running && p.state != Blocked:
		return fmt.Errorf("partition %#x is %s, %w", p.id, p.state, ffa.ErrDenied)
	case p.cpu >= 0:
		return fmt.Errorf("partition %#x running on cpu %d, %w", p.id, p.cpu, ffa.ErrBusy)
	case p.caller >= 0:
		return fmt.Errorf("partition %#x serving %#x, %w", p.id, p.caller, ffa.ErrBusy)
	}

	p.caller = int(src)

	return nil
}

// served clears the direct request being served, returning its source or -1.
func (p *Partition) served() (src int) {
	p.Lock()
	defer p.Unlock()

	src = p.caller
	p.caller = -1

	return
}

// resumed marks the partition as executing past its saved call.
func (p *Partition) resumed() {
	p.Lock()
	defer p.Unlock()

	if p.state == Blocked {
		p.state = Running
	}

	p.parked = false
}

// suspended returns whether the partition was interrupted, or never run,
// and can only be resumed as is.
func (p *Partition) suspended() bool {
	p.Lock()
	defer p.Unlock()

	return p.state == Running && !p.parked
}

// checkResp validates a direct response issued by the partition.
func (p *Partition) checkResp(a ffa.Args) error {
	p.Lock()
	defer p.Unlock()

	switch {
	case a.Source() != p.id:
		return fmt.Errorf("response source %#x, %w", a.Source(), ffa.ErrInvalidParameter)
	case p.caller < 0 || a.Destination() != uint16(p.caller):
		return fmt.Errorf("no request from %#x, %w", a.Destination(), ffa.ErrDenied)
	}

	return nil
}

// executable returns whether the address lies within executable partition
// memory.
func (p *Partition) executable(pc uint64) bool {
	return p.as.Check(pc, 4, uspace.ProtExec) == nil
}
