// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package gotee

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/usbarmory/tamago/arm"

	"github.com/usbarmory/GoTEE/monitor"
	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/util"
)

// Console is the optional SSH console receiving execution context output.
var Console *util.Console

func write(c byte, name string, secure bool) {
	if Console != nil && Console.Term != nil {
		util.BufferedTermLog(c, name, secure, Console.Term)
	} else {
		util.BufferedStdoutLog(c, name)
	}
}

func args(ctx *monitor.ExecCtx) ffa.Args {
	return ffa.Args{
		uint64(ctx.R0), uint64(ctx.R1), uint64(ctx.R2), uint64(ctx.R3),
		uint64(ctx.R4), uint64(ctx.R5), uint64(ctx.R6), uint64(ctx.R7),
	}
}

func setArgs(ctx *monitor.ExecCtx, a ffa.Args) {
	ctx.R0 = uint32(a[0])
	ctx.R1 = uint32(a[1])
	ctx.R2 = uint32(a[2])
	ctx.R3 = uint32(a[3])
	ctx.R4 = uint32(a[4])
	ctx.R5 = uint32(a[5])
	ctx.R6 = uint32(a[6])
	ctx.R7 = uint32(a[7])
}

// handler services partition exceptions, FF-A calls stop the run and are
// returned to the partition manager.
func (x *Executor) handler(ctx *monitor.ExecCtx) (err error) {
	switch ctx.ExceptionVector {
	case arm.SUPERVISOR:
	case arm.FIQ:
		// PC must be adjusted when returning from FIQ exceptions
		// (Table 11-3, ARM® Cortex™ -A Series Programmer’s Guide).
		ctx.R15 -= 4
		return arch.ErrInterrupted
	case arm.IRQ:
		ctx.R15 -= 4
		return arch.ErrInterrupted
	default:
		return fmt.Errorf("exception %x", ctx.ExceptionVector)
	}

	switch ctx.R0 {
	case syscall.SYS_WRITE:
		write(byte(ctx.R1), x.name, true)
	case syscall.SYS_EXIT:
		return errors.New("exit")
	default:
		if !ffa.IsFFA(ctx.R0) {
			return fmt.Errorf("unexpected supervisor call %#x", ctx.R0)
		}

		return errCall
	}

	return
}

// nonSecureHandler services Normal World exceptions, FF-A calls issued with
// SMC are handled by the partition manager.
func nonSecureHandler(ctx *monitor.ExecCtx) (err error) {
	if ctx.ExceptionVector == arm.DATA_ABORT {
		logrus.Warnf("SM trapped Non-secure data abort pc:%#.8x", ctx.R15-8)

		ctx.Print()

		return errors.New("data abort")
	}

	if ctx.ExceptionVector != arm.SUPERVISOR {
		return fmt.Errorf("exception %x", ctx.ExceptionVector)
	}

	switch ctx.R0 {
	case syscall.SYS_WRITE:
		write(byte(ctx.R1), "ns", false)
	case syscall.SYS_EXIT:
		return errors.New("exit")
	default:
		if !ffa.IsFFA(ctx.R0) {
			ctx.Print()
			return errors.New("unexpected monitor call")
		}

		setArgs(ctx, SPMC.Handle(0, ffa.NormalWorldID, args(ctx)))
	}

	return
}
