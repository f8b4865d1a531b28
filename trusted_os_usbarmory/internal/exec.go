// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/util"
)

// errCall stops a partition run when it issues an FF-A call.
var errCall = errors.New("partition call")

// Executor performs world switches into a secure partition running in
// Secure World user mode.
type Executor struct {
	sync.Mutex

	ctx  *monitor.ExecCtx
	name string
	elf  []byte
	log  *logrus.Entry
}

// NewExecutor returns an executor for a loaded partition execution context.
func NewExecutor(ctx *monitor.ExecCtx, name string, elf []byte) *Executor {
	x := &Executor{
		ctx:  ctx,
		name: name,
		elf:  elf,
		log:  logrus.WithField("partition", name),
	}

	ctx.Handler = x.handler

	return x
}

func (x *Executor) enter(regs arch.Regs) {
	ctx := x.ctx

	ctx.R0 = uint32(regs.X[0])
	ctx.R1 = uint32(regs.X[1])
	ctx.R2 = uint32(regs.X[2])
	ctx.R3 = uint32(regs.X[3])
	ctx.R4 = uint32(regs.X[4])
	ctx.R5 = uint32(regs.X[5])
	ctx.R6 = uint32(regs.X[6])
	ctx.R7 = uint32(regs.X[7])
	ctx.R8 = uint32(regs.X[8])
	ctx.R9 = uint32(regs.X[9])
	ctx.R10 = uint32(regs.X[10])
	ctx.R11 = uint32(regs.X[11])
	ctx.R12 = uint32(regs.X[12])
	ctx.R13 = uint32(regs.SP)
	ctx.R14 = uint32(regs.LR())
	ctx.R15 = uint32(regs.PC)

	if regs.SPSR != 0 {
		ctx.SPSR = uint32(regs.SPSR)
	}
}

func (x *Executor) leave() (regs arch.Regs) {
	ctx := x.ctx

	for i, r := range []uint32{
		ctx.R0, ctx.R1, ctx.R2, ctx.R3, ctx.R4, ctx.R5, ctx.R6,
		ctx.R7, ctx.R8, ctx.R9, ctx.R10, ctx.R11, ctx.R12,
	} {
		regs.X[i] = uint64(r)
	}

	regs.X[30] = uint64(ctx.R14)
	regs.SP = uint64(ctx.R13)
	regs.PC = uint64(ctx.R15)
	regs.SPSR = uint64(ctx.SPSR)

	return
}

// Resume implements spm.Executor, the partition runs until it issues an FF-A
// call or it is interrupted.
func (x *Executor) Resume(regs arch.Regs) (arch.Regs, error) {
	x.Lock()
	defer x.Unlock()

	x.enter(regs)

	err := x.ctx.Run()
	regs = x.leave()

	switch {
	case errors.Is(err, errCall):
		return regs, nil
	case errors.Is(err, arch.ErrInterrupted):
		return regs, err
	case err == nil:
		err = errors.New("partition exit")
	}

	x.log.Warnf("SM partition stopped mode:%s %s err:%v", arm.ModeName(int(x.ctx.SPSR)&0x1f), regs, err)

	if line := util.Symbolize(x.elf, regs.PC); line != "" {
		x.log.Warnf("SM stack trace:\n  %s\n  %s", line, util.Symbolize(x.elf, regs.LR()))
	}

	return regs, err
}
