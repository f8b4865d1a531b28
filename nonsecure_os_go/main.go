// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// The nonsecure_os_go unikernel is a Normal World OS exercising the secure
// partitions through the FF-A driver.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"time"
	_ "unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/tamago/soc/imx6"
	_ "github.com/usbarmory/tamago/soc/imx6/imx6ul"

	"github.com/usbarmory/GoTEE-spm/driver"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
)

// sp_echo commands
const (
	cmdEcho = iota + 1
	cmdSum
	cmdCount
)

// Normal World RX/TX buffers and shared page, within the communication
// buffer area slot left unassigned to partitions.
const (
	tx     = mem.NSCommBufStart
	rx     = tx + ffa.PageSize
	shared = rx + ffa.PageSize
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = mem.NonSecureStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = mem.NonSecureSize

//go:linkname hwinit runtime.hwinit
func hwinit() {
	imx6.Init()
}

//go:linkname printk runtime.printk
func printk(c byte) {
	printSecure(c)
}

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if imx6.Native {
		if err := imx6.SetARMFreq(900); err != nil {
			logrus.Warnf("NS could not set ARM frequency, %v", err)
		}
	}
}

func share(ctx context.Context, d *driver.Driver, id uint16) (err error) {
	var want uint64

	buf := make([]byte, ffa.PageSize)

	for off := 0; off < len(buf); off += 8 {
		binary.LittleEndian.PutUint64(buf[off:], uint64(off))
		want += uint64(off)
	}

	if err = (commBuf{}).Write(shared, buf); err != nil {
		return
	}

	h, err := d.MemSend(ctx, ffa.MEM_SHARE, &ffa.MemTransaction{
		Sender:     ffa.NormalWorldID,
		Attributes: ffa.MemNormalWBInnerShareable,
		Receivers:  []ffa.MemAccess{{Receiver: id, Permissions: ffa.Permissions(ffa.DataAccessRO, ffa.InstAccessNX)}},
		Region:     ffa.MemRegion{Address: shared, PageCount: 1},
	})

	if err != nil {
		return
	}

	res, err := d.DirectReq(ctx, id, cmdSum, h, shared, 1)

	if err != nil {
		return
	}

	logrus.Infof("NW shared page handle:%#x sum:%#x (expected %#x)", h, res[4], want)

	return d.MemReclaim(h)
}

func run(ctx context.Context) (err error) {
	d := driver.New(smcConduit{}, 0, logrus.StandardLogger())

	v, err := d.Version()

	if err != nil {
		return
	}

	logrus.Infof("NW negotiated FF-A version %s", v)

	if err = d.MapBuffers(ctx, commBuf{}, tx, rx, 1); err != nil {
		return
	}
	defer d.UnmapBuffers(ctx)

	all, err := d.PartitionInfo(ctx, uuid.Nil)

	if err != nil {
		return
	}

	for _, p := range all {
		logrus.Infof("NW found partition %#x contexts:%d properties:%#x", p.ID, p.ExecCtxCount, p.Properties)

		res, err := d.DirectReq(ctx, p.ID, cmdEcho, 0xcafe, uint64(p.ID))

		if err != nil {
			return fmt.Errorf("partition %#x echo failed, %v", p.ID, err)
		}

		logrus.Infof("NW partition %#x echo %#x", p.ID, res[4:6])

		if res, err = d.DirectReq(ctx, p.ID, cmdCount); err == nil {
			logrus.Infof("NW partition %#x served %d requests", p.ID, res[4])
		}

		if err = share(ctx, d, p.ID); err != nil {
			logrus.Warnf("NW memory sharing with %#x failed, %v", p.ID, err)
		}

		if p.Properties&ffa.PropIndirectMsg == 0 {
			continue
		}

		msg := fmt.Sprintf("hello from %s/%s", runtime.GOOS, runtime.GOARCH)

		if err = d.MsgSend(ctx, p.ID, []byte(msg), true); err != nil {
			logrus.Warnf("NW message to %#x failed, %v", p.ID, err)
		}
	}

	return
}

func main() {
	logrus.Infof("%s/%s (%s) • system/supervisor (Non-secure)", runtime.GOOS, runtime.GOARCH, runtime.Version())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		logrus.Errorf("NW %v", err)
	}

	// yield back to secure monitor
	logrus.Infof("NW is about to exit")
	exit()

	// this should be unreachable
	logrus.Infof("NW says goodbye")
}
