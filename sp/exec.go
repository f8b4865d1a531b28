// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sp

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// ErrExited is returned when resuming a partition whose main function
// returned.
var ErrExited = errors.New("partition exited")

// Main represents a partition main function.
type Main func(env *Env)

type exit struct {
	regs arch.Regs
	err  error
}

// Executor runs a partition main function as a coroutine of the partition
// manager, each FF-A call issued by the partition returns control to the
// caller of Resume. It allows to run partitions on hosts lacking TrustZone
// support.
type Executor struct {
	sync.Mutex

	main Main
	mem  Memory

	in   chan arch.Regs
	out  chan exit
	regs arch.Regs

	stop     chan struct{}
	stopOnce sync.Once

	started bool
	done    bool

	// interrupts is the number of pending simulated interruptions
	interrupts int
}

// NewExecutor returns an executor for the given partition main function.
func NewExecutor(main Main) *Executor {
	return &Executor{
		main: main,
		in:   make(chan arch.Regs),
		out:  make(chan exit),
		stop: make(chan struct{}),
	}
}

// Bind sets the partition memory made available to the main function.
func (x *Executor) Bind(as *uspace.AddressSpace) {
	x.mem = as
}

// Interrupt causes the next n resumptions to be interrupted before reaching
// the partition.
func (x *Executor) Interrupt(n int) {
	x.Lock()
	defer x.Unlock()

	x.interrupts += n
}

// Stop ends the coroutine, a partition blocked in a call never returns from
// it. Following resumptions return ErrExited.
func (x *Executor) Stop() {
	x.stopOnce.Do(func() {
		close(x.stop)
	})
}

func (x *Executor) stopped() bool {
	select {
	case <-x.stop:
		return true
	default:
		return false
	}
}

// Call implements the Conduit interface from within the coroutine.
func (x *Executor) Call(a ffa.Args) ffa.Args {
	select {
	case x.out <- exit{regs: x.regs.WithArgs(a)}:
	case <-x.stop:
		runtime.Goexit()
	}

	select {
	case x.regs = <-x.in:
	case <-x.stop:
		runtime.Goexit()
	}

	return x.regs.Args()
}

func (x *Executor) start() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("partition panic, %v", r)
		}

		select {
		case x.out <- exit{regs: x.regs, err: err}:
		case <-x.stop:
		}
	}()

	x.main(&Env{
		BootInfo: x.regs.X[0],
		Memory:   x.mem,
		conduit:  x,
	})

	err = ErrExited
}

// Resume runs the partition from the given register state until its next
// call, returning the register state at call time.
func (x *Executor) Resume(regs arch.Regs) (arch.Regs, error) {
	x.Lock()
	defer x.Unlock()

	if x.done || x.stopped() {
		return regs, ErrExited
	}

	if x.interrupts > 0 {
		x.interrupts--
		return regs, arch.ErrInterrupted
	}

	if !x.started {
		x.started = true
		x.regs = regs

		go x.start()
	} else {
		select {
		case x.in <- regs:
		case <-x.stop:
			return regs, ErrExited
		}
	}

	select {
	case res := <-x.out:
		// only the coroutine exit carries an error
		x.done = res.err != nil
		return res.regs, res.err
	case <-x.stop:
		return regs, ErrExited
	}
}
