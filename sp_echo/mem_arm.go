// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package main

import (
	_ "unsafe"

	"github.com/usbarmory/GoTEE-spm/mem"
)

// The partition is linked at the base of its slot image area, which also
// holds the Go runtime memory. The heap area is left to RX/TX buffers.
const slot = 1

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = mem.PartitionStart + slot*mem.SlotSize + mem.ImageOffset

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = mem.ImageSize

//go:linkname ramStackOffset runtime.ramStackOffset
var ramStackOffset uint32 = 0x100
