// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// The sp_echo partition serves direct requests from the Normal World and
// other partitions, and logs the indirect messages it receives.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE/applet"

	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/sp"
)

// Direct request commands, in w3.
const (
	// Echo returns w4-w7 unchanged.
	Echo = iota + 1
	// Sum retrieves the region described by w4 (handle) w5 (address) and
	// w6 (pages) and returns the sum of its 64-bit words.
	Sum
	// Count returns the number of requests served, persisted in RPMB.
	Count
)

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
}

type echo struct {
	env  *sp.Env
	bi   *bootinfo.BootInfo
	log  *logrus.Entry
	rpmb uint64
}

func (e *echo) sum(src uint16, handle uint64, addr uint64, pages uint64) (sum uint64, err error) {
	region := ffa.MemRegion{Address: addr, PageCount: uint32(pages)}

	if _, err = e.env.MemRetrieve(handle, src, region, ffa.Permissions(ffa.DataAccessRO, ffa.InstAccessNX)); err != nil {
		return
	}

	defer e.env.MemRelinquish(handle)

	buf := make([]byte, region.Size())

	if err = e.env.Memory.Read(addr, buf); err != nil {
		return
	}

	for off := 0; off < len(buf); off += 8 {
		sum += binary.LittleEndian.Uint64(buf[off:])
	}

	return
}

func (e *echo) count() (n uint64, err error) {
	buf := make([]byte, 8)

	if err = e.env.RPMBRead(e.rpmb, 8, 0); err != nil {
		return
	}

	if err = e.env.Memory.Read(e.rpmb, buf); err != nil {
		return
	}

	n = binary.LittleEndian.Uint64(buf) + 1
	binary.LittleEndian.PutUint64(buf, n)

	if err = e.env.Memory.Write(e.rpmb, buf); err != nil {
		return
	}

	err = e.env.RPMBWrite(e.rpmb, 8, 0)

	return
}

func (e *echo) handle(src uint16, req [5]uint64) (res [5]uint64, err error) {
	switch req[0] {
	case Echo:
		res = req
	case Sum:
		res[1], err = e.sum(src, req[1], req[2], req[3])
	case Count:
		res[1], err = e.count()
	default:
		err = fmt.Errorf("invalid command %d, %w", req[0], ffa.ErrNotSupported)
	}

	return
}

func (e *echo) serve() {
	msg := e.env.MsgWait()

	for {
		switch f, _ := msg.Func(); f {
		case ffa.MSG_SEND_DIRECT_REQ:
			var req [5]uint64
			copy(req[:], msg[3:])

			res, err := e.handle(msg.Source(), req)

			if err != nil {
				e.log.Warnf("request %#x from %#x failed, %v", req[0], msg.Source(), err)
				res = [5]uint64{req[0], uint64(uint32(ffa.Code(err)))}
			}

			msg = e.env.DirectResp(msg.Source(), res[:]...)

			continue
		case ffa.MSG_SEND:
			if src, buf, err := e.env.Message(msg); err == nil {
				e.log.Infof("message from %#x: %q", src, buf)
			}
		case ffa.MSG_RUN:
			if src, buf, err := e.env.MsgPoll(); err == nil {
				e.log.Infof("pending message from %#x: %q", src, buf)
			}
		}

		msg = e.env.MsgWait()
	}
}

func main() {
	// yield to monitor on runtime panic
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("panic: %v", r)
			applet.Exit()
		}
	}()

	env := sp.NewEnv()
	base := mem.Slot(slot)

	buf := make([]byte, mem.SharedSize)

	if err := env.Memory.Read(base+mem.SharedOffset, buf); err != nil {
		applet.Exit()
	}

	bi, err := bootinfo.Parse(buf, base+mem.SharedOffset)

	if err != nil {
		applet.Exit()
	}

	// last heap pages: RX/TX buffers and the RPMB bounce buffer
	tx := bi.HeapBase + bi.HeapSize - 3*ffa.PageSize

	if err = env.RXTXMap(tx, tx+ffa.PageSize, 1); err != nil {
		applet.Exit()
	}

	id, err := env.ID()

	if err != nil {
		applet.Exit()
	}

	e := &echo{
		env:  env,
		bi:   bi,
		log:  logrus.WithField("id", fmt.Sprintf("%#x", id)),
		rpmb: tx + 2*ffa.PageSize,
	}

	e.log.Infof("%s/%s (%s) • FF-A secure partition", runtime.GOOS, runtime.GOARCH, runtime.Version())

	e.serve()
}
