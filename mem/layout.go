// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem defines the secure partition memory layout shared by the
// partition manager, the partitions and the host tooling.
package mem

// This memory layout allocates 4MB slots to each secure partition within a
// 64MB window, the first slot is reserved to the loader stub.
const (
	// Secure Partitions
	PartitionStart = 0x98000000
	PartitionSize  = 0x04000000 // 64MB

	// Secure Partition slot
	SlotSize = 0x00400000 // 4MB
	MaxSlots = PartitionSize/SlotSize - 1

	// Loader stub, mapped read-execute in every partition
	LdelfBase = PartitionStart
	LdelfSize = SlotSize

	// Normal World communication buffers
	NSCommBufStart = 0x8ff00000
	NSCommBufSize  = 0x00100000 // 1MB
)

// Default partition layout, as offsets within its slot
const (
	ImageOffset   = 0x00000000
	ImageSize     = 0x00200000 // 2MB
	StackOffset   = 0x00200000
	PcpuStackSize = 0x00010000 // 64KB
	HeapOffset    = 0x00280000
	HeapSize      = 0x00170000
	SharedOffset  = 0x003f0000
	SharedSize    = 0x00010000 // 64KB

	// per partition Normal World communication buffer
	NSCommBufSlotSize = 0x00010000 // 64KB
)

// Slot returns the base address of a partition slot, the first usable slot
// is 1.
func Slot(n int) uint64 {
	return PartitionStart + uint64(n)*SlotSize
}

// NSCommBuf returns the Normal World communication buffer for a partition
// slot.
func NSCommBuf(n int) uint64 {
	return NSCommBufStart + uint64(n)*NSCommBufSlotSize
}
