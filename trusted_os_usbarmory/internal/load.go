// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// Package gotee implements the secure monitor hosting the partition manager:
// secure partitions run in Secure World user mode, the Normal World OS issues
// FF-A calls through SMC.
package gotee

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/imx6"

	"github.com/usbarmory/GoTEE/monitor"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/driver"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/ldelf"
	"github.com/usbarmory/GoTEE-spm/manifest"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/spm"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// traceSize is the number of calls recorded for each partition.
const traceSize = 64

// Image represents an embedded secure partition.
type Image struct {
	// Manifest is the TOML partition manifest
	Manifest []byte
	// ELF is the partition image
	ELF []byte
}

var (
	// SPMC is the partition manager, available after Init.
	SPMC *spm.SPMC

	// Partitions are the secure partitions created by Init.
	Partitions []Image

	// OS is the Normal World OS image.
	OS []byte
)

func configureMMU(start uint64, end uint64) {
	imx6.ARM.ConfigureMMU(uint32(start), uint32(end), arm.TTE_CACHEABLE|arm.TTE_BUFFERABLE|arm.TTE_SECTION|arm.TTE_AP_011<<10)
}

// Init creates the partition manager over the reserved partition and
// communication buffer memory, then creates and boots all partitions.
func Init(rpmb blockstore.Device) (err error) {
	partitions, nsCommBuf := mem.Init()

	ram := &uspace.RAM{}
	ram.Add(mem.PartitionStart, partitions)
	ram.Add(mem.NSCommBufStart, nsCommBuf)

	if SPMC, err = spm.New(spm.Config{RAM: ram, CPUs: 1, RPMB: rpmb}); err != nil {
		return fmt.Errorf("SM could not initialize partition manager, %v", err)
	}

	for _, img := range Partitions {
		if err = loadPartition(img); err != nil {
			return
		}
	}

	return SPMC.Boot(context.Background())
}

// loadPartition creates a secure partition in Secure World user mode.
func loadPartition(img Image) (err error) {
	m, err := manifest.Decode(bytes.NewReader(img.Manifest))

	if err != nil {
		return fmt.Errorf("SM invalid partition manifest, %v", err)
	}

	bi, err := m.BootInfo(img.ELF)

	if err != nil {
		return fmt.Errorf("SM invalid partition %s, %v", m.Name, err)
	}

	region := &dma.Region{
		Start: uint32(bi.MemBase),
		Size:  int(bi.MemLimit - bi.MemBase),
	}

	region.Init()

	configureMMU(bi.MemBase, bi.MemLimit)

	ctx, err := monitor.Load(uint32(bi.ImageBase), region, true)

	if err != nil {
		return fmt.Errorf("SM could not load partition %s, %v", m.Name, err)
	}

	p, err := SPMC.Create(bi, img.ELF, m.Config(NewExecutor(ctx, m.Name, img.ELF)))

	if err != nil {
		return fmt.Errorf("SM could not create partition %s, %v", m.Name, err)
	}

	p.Ldelf().Trace = ldelf.NewTrace(traceSize)

	logrus.Infof("SM loaded partition %s id:%#x addr:%#x size:%d", m.Name, p.ID(), bi.MemBase, len(img.ELF))

	return
}

// loadNormalWorld loads a TamaGo unikernel as Normal World OS.
func loadNormalWorld(lock bool) (os *monitor.ExecCtx, err error) {
	image := &exec.ELFImage{
		Region: mem.NonSecureRegion,
		ELF:    OS,
	}

	if err = image.Load(); err != nil {
		return
	}

	if os, err = monitor.Load(image.Entry(), image.Region, false); err != nil {
		return nil, fmt.Errorf("SM could not load kernel, %v", err)
	}

	logrus.Infof("SM loaded kernel addr:%#x entry:%#x size:%d", os.Memory.Start, os.R15, len(OS))

	if err = configureTrustZone(lock); err != nil {
		return nil, fmt.Errorf("SM could not configure TrustZone, %v", err)
	}

	os.Handler = nonSecureHandler

	return
}

// GoTEE runs the Normal World OS, which reaches the partitions through the
// partition manager, until it exits.
func GoTEE() (err error) {
	var os *monitor.ExecCtx

	if SPMC == nil {
		return fmt.Errorf("SM partition manager not initialized")
	}

	if os, err = loadNormalWorld(imx6.Native); err != nil {
		return
	}

	run(os)

	return
}

// Request sends a direct request to a partition on behalf of the Normal
// World.
func Request(ctx context.Context, id uint16, payload ...uint64) (res ffa.Args, err error) {
	return driver.New(SPMC, 0, nil).DirectReq(ctx, id, payload...)
}

func run(ctx *monitor.ExecCtx) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)
	ns := ctx.NonSecure()

	logrus.Infof("SM starting mode:%s sp:%#.8x pc:%#.8x ns:%v", mode, ctx.R13, ctx.R15, ns)

	err := ctx.Run()

	logrus.Infof("SM stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x ns:%v err:%v", mode, ctx.R13, ctx.R14, ctx.R15, ns, err)
}
