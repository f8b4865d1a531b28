// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bootinfo builds and encodes the boot information descriptor handed
// to a secure partition at its entry point: memory layout, image location and
// per-CPU information.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// ErrInvalidBootInfo is returned for layouts or descriptors violating the boot
// information invariants.
var ErrInvalidBootInfo = fmt.Errorf("invalid boot info, %w", ffa.ErrInvalidParameter)

// FlagPrimaryCPU marks the boot CPU within the MpInfo list.
const FlagPrimaryCPU = 0x00000001

const (
	// StructSize is the encoded length of the boot information structure,
	// excluding the MpInfo list which follows it.
	StructSize = HeaderSize + 12*8 + 2*4 + 8
	// MpInfoSize is the encoded length of a single MpInfo entry.
	MpInfoSize = 16
)

// MpInfo represents per-CPU information.
type MpInfo struct {
	// MPIDR is the CPU affinity id
	MPIDR uint64
	// LinearID is the CPU index
	LinearID uint32
	// Flags holds FlagPrimaryCPU for the boot CPU
	Flags uint32
}

// Layout represents a partition memory layout.
type Layout struct {
	MemBase  uint64
	MemLimit uint64

	ImageBase uint64
	ImageSize uint64

	StackBase     uint64
	PcpuStackSize uint64

	HeapBase uint64
	HeapSize uint64

	NSCommBufBase uint64
	NSCommBufSize uint64

	SharedBufBase uint64
	SharedBufSize uint64
}

// BootInfo represents the boot information descriptor
// (secure_partition_boot_info). It is immutable once built.
type BootInfo struct {
	Header
	Layout

	NumMemRegions uint32
	NumCPUs       uint32

	// MpInfo references the CPU list given to Build.
	MpInfo []MpInfo
}

type span struct {
	name   string
	base   uint64
	size   uint64
	secure bool
}

func (s span) end() uint64 {
	return s.base + s.size
}

func (l *Layout) spans(cpus int) []span {
	return []span{
		{"image", l.ImageBase, l.ImageSize, true},
		{"stack", l.StackBase, l.PcpuStackSize * uint64(cpus), true},
		{"heap", l.HeapBase, l.HeapSize, true},
		{"shared buffer", l.SharedBufBase, l.SharedBufSize, true},
		{"ns comm buffer", l.NSCommBufBase, l.NSCommBufSize, false},
	}
}

// Size returns the encoded boot information length for a number of CPUs.
func Size(cpus int) int {
	return StructSize + cpus*MpInfoSize
}

// Validate checks the layout ranges for the given number of CPUs: the image,
// stacks and shared buffer must be declared and all secure ranges must fall
// within the partition memory, no two ranges can overlap.
func (l *Layout) Validate(cpus int) (n int, err error) {
	if l.MemLimit <= l.MemBase {
		return 0, fmt.Errorf("memory limit %#x below base %#x, %w", l.MemLimit, l.MemBase, ErrInvalidBootInfo)
	}

	var spans []span

	for _, s := range l.spans(cpus) {
		if s.size == 0 {
			switch s.name {
			case "heap", "ns comm buffer":
				continue
			}

			return 0, fmt.Errorf("%s not declared, %w", s.name, ErrInvalidBootInfo)
		}

		if s.end() < s.base {
			return 0, fmt.Errorf("%s wraps around, %w", s.name, ErrInvalidBootInfo)
		}

		if s.secure && (s.base < l.MemBase || s.end() > l.MemLimit) {
			return 0, fmt.Errorf("%s %#x-%#x outside partition memory, %w", s.name, s.base, s.end(), ErrInvalidBootInfo)
		}

		spans = append(spans, s)
	}

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].base < spans[j].base
	})

	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]

		if cur.base < prev.end() {
			return 0, fmt.Errorf("%s overlaps %s, %w", cur.name, prev.name, ErrInvalidBootInfo)
		}
	}

	return len(spans), nil
}

func checkCPUs(cpus []MpInfo) error {
	if len(cpus) == 0 {
		return fmt.Errorf("empty CPU list, %w", ErrInvalidBootInfo)
	}

	primary := 0
	ids := make(map[uint32]bool)

	for _, cpu := range cpus {
		if cpu.Flags&FlagPrimaryCPU != 0 {
			primary++
		}

		if int(cpu.LinearID) >= len(cpus) {
			return fmt.Errorf("linear id %d out of range, %w", cpu.LinearID, ErrInvalidBootInfo)
		}

		if ids[cpu.LinearID] {
			return fmt.Errorf("duplicate linear id %d, %w", cpu.LinearID, ErrInvalidBootInfo)
		}

		ids[cpu.LinearID] = true
	}

	if primary != 1 {
		return fmt.Errorf("%d primary CPUs, %w", primary, ErrInvalidBootInfo)
	}

	return nil
}

// Build validates a partition layout, image and CPU list returning the
// resulting boot information. The CPU list is referenced by the returned
// value and must not be modified afterwards.
func Build(l Layout, image []byte, cpus []MpInfo) (bi *BootInfo, err error) {
	if err = checkCPUs(cpus); err != nil {
		return
	}

	n, err := l.Validate(len(cpus))

	if err != nil {
		return
	}

	if uint64(len(image)) > l.ImageSize {
		return nil, fmt.Errorf("image size %d exceeds %d, %w", len(image), l.ImageSize, ErrInvalidBootInfo)
	}

	size := Size(len(cpus))

	if uint64(size) > l.SharedBufSize || size > 0xffff {
		return nil, fmt.Errorf("shared buffer too small for %d bytes, %w", size, ErrInvalidBootInfo)
	}

	bi = &BootInfo{
		Header: Header{
			Type:    PartitionBootInfo,
			Version: Version1,
			Size:    uint16(size),
		},
		Layout:        l,
		NumMemRegions: uint32(n),
		NumCPUs:       uint32(len(cpus)),
		MpInfo:        cpus,
	}

	return
}

// Primary returns the boot CPU entry.
func (bi *BootInfo) Primary() (cpu MpInfo) {
	for _, cpu = range bi.MpInfo {
		if cpu.Flags&FlagPrimaryCPU != 0 {
			return
		}
	}

	return MpInfo{}
}

// StackTop returns the initial stack pointer of the CPU with the given linear
// id.
func (bi *BootInfo) StackTop(linearID uint32) uint64 {
	return bi.StackBase + bi.PcpuStackSize*uint64(linearID+1)
}

// MarshalBinary encodes the boot information as laid out in the shared buffer,
// the MpInfo pointer refers to the list following the structure.
func (bi *BootInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size(len(bi.MpInfo)))

	bi.Header.put(buf)

	off := HeaderSize

	for _, v := range []uint64{
		bi.MemBase,
		bi.MemLimit,
		bi.ImageBase,
		bi.StackBase,
		bi.HeapBase,
		bi.NSCommBufBase,
		bi.SharedBufBase,
		bi.ImageSize,
		bi.PcpuStackSize,
		bi.HeapSize,
		bi.NSCommBufSize,
		bi.SharedBufSize,
	} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[off:], bi.NumMemRegions)
	binary.LittleEndian.PutUint32(buf[off+4:], bi.NumCPUs)
	binary.LittleEndian.PutUint64(buf[off+8:], bi.SharedBufBase+StructSize)

	for i, cpu := range bi.MpInfo {
		off = StructSize + i*MpInfoSize
		binary.LittleEndian.PutUint64(buf[off:], cpu.MPIDR)
		binary.LittleEndian.PutUint32(buf[off+8:], cpu.LinearID)
		binary.LittleEndian.PutUint32(buf[off+12:], cpu.Flags)
	}

	return buf, nil
}

// Parse decodes boot information from a buffer located at address base.
func Parse(buf []byte, base uint64) (bi *BootInfo, err error) {
	if len(buf) < StructSize {
		return nil, fmt.Errorf("short buffer, %w", ErrInvalidBootInfo)
	}

	bi = &BootInfo{
		Header: parseHeader(buf),
	}

	if bi.Type != PartitionBootInfo {
		return nil, fmt.Errorf("header type %#x, %w", bi.Type, ErrInvalidBootInfo)
	}

	off := HeaderSize

	for _, v := range []*uint64{
		&bi.MemBase,
		&bi.MemLimit,
		&bi.ImageBase,
		&bi.StackBase,
		&bi.HeapBase,
		&bi.NSCommBufBase,
		&bi.SharedBufBase,
		&bi.ImageSize,
		&bi.PcpuStackSize,
		&bi.HeapSize,
		&bi.NSCommBufSize,
		&bi.SharedBufSize,
	} {
		*v = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	bi.NumMemRegions = binary.LittleEndian.Uint32(buf[off:])
	bi.NumCPUs = binary.LittleEndian.Uint32(buf[off+4:])
	ptr := binary.LittleEndian.Uint64(buf[off+8:])

	if bi.NumCPUs > (0xffff-StructSize)/MpInfoSize {
		return nil, fmt.Errorf("%d CPUs, %w", bi.NumCPUs, ErrInvalidBootInfo)
	}

	size := Size(int(bi.NumCPUs))

	if err = bi.Header.Validate(size); err != nil {
		return nil, err
	}

	if len(buf) < size {
		return nil, fmt.Errorf("short buffer, %w", ErrInvalidBootInfo)
	}

	if ptr != base+StructSize {
		return nil, fmt.Errorf("MpInfo pointer %#x, %w", ptr, ErrInvalidBootInfo)
	}

	bi.MpInfo = make([]MpInfo, bi.NumCPUs)

	for i := range bi.MpInfo {
		off = StructSize + i*MpInfoSize
		bi.MpInfo[i] = MpInfo{
			MPIDR:    binary.LittleEndian.Uint64(buf[off:]),
			LinearID: binary.LittleEndian.Uint32(buf[off+8:]),
			Flags:    binary.LittleEndian.Uint32(buf[off+12:]),
		}
	}

	if err = checkCPUs(bi.MpInfo); err != nil {
		return nil, err
	}

	if _, err = bi.Layout.Validate(len(bi.MpInfo)); err != nil {
		return nil, err
	}

	return
}

// IsInvalid returns whether err reports invalid boot information.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidBootInfo)
}
