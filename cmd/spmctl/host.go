// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/manifest"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/sp"
	"github.com/usbarmory/GoTEE-spm/spm"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// newHost returns a partition manager backed by host memory, covering the
// partition area and the Normal World communication buffers.
func newHost(rpmb blockstore.Device) (*spm.SPMC, *uspace.RAM, error) {
	ram := uspace.NewRAM(mem.PartitionStart, mem.PartitionSize)
	ram.Add(mem.NSCommBufStart, make([]byte, mem.NSCommBufSize))

	s, err := spm.New(spm.Config{
		RAM:  ram,
		CPUs: 1,
		Log:  logrus.StandardLogger(),
		RPMB: rpmb,
	})

	return s, ram, err
}

// create places a manifest partition on a host partition manager, its code
// is replaced by the given main function once loaded.
func create(s *spm.SPMC, p *manifest.Partition, main sp.Main) (part *spm.Partition, x *sp.Executor, err error) {
	image, err := p.ReadImage()

	if err != nil {
		return
	}

	bi, err := p.BootInfo(image)

	if err != nil {
		return
	}

	x = sp.NewExecutor(main)
	part, err = s.Create(bi, image, p.Config(x))

	return
}
