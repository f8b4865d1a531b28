// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package mem

import (
	"github.com/usbarmory/tamago/dma"
)

const (
	// Secure Monitor
	SecureStart = 0x90000000
	SecureSize  = 0x07f00000 // 127MB

	// Secure Monitor DMA (relocated to avoid conflicts with Main OS)
	SecureDMAStart = 0x97f00000
	SecureDMASize  = 0x00100000 // 1MB

	// Main OS (TZASC regions must be sized as a power of two)
	NonSecureStart = 0x80000000
	NonSecureSize  = 0x08000000 // 128MB
)

var (
	PartitionRegion *dma.Region
	NSCommBufRegion *dma.Region
	NonSecureRegion *dma.Region
)

// Init reserves the partition, communication buffer and Main OS regions,
// returning the partition and communication buffer memory.
func Init() (partitions []byte, nsCommBuf []byte) {
	PartitionRegion = &dma.Region{
		Start: PartitionStart,
		Size:  PartitionSize,
	}

	PartitionRegion.Init()
	_, partitions = PartitionRegion.Reserve(PartitionSize, 0)

	NSCommBufRegion = &dma.Region{
		Start: NSCommBufStart,
		Size:  NSCommBufSize,
	}

	NSCommBufRegion.Init()
	_, nsCommBuf = NSCommBufRegion.Reserve(NSCommBufSize, 0)

	NonSecureRegion = &dma.Region{
		Start: NonSecureStart,
		Size:  NonSecureSize,
	}

	NonSecureRegion.Init()
	NonSecureRegion.Reserve(NonSecureSize, 0)

	return
}
