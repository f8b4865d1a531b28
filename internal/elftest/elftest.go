// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package elftest generates minimal ELF64 AArch64 images for loader tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize  = 64
	phdrSize  = 56
	relaSize  = 24
	dynSize   = 16
	pageSize  = 4096
	relocType = 1027 // R_AARCH64_RELATIVE
)

// Segment represents a PT_LOAD segment.
type Segment struct {
	Vaddr   uint64
	Data    []byte
	MemSize uint64
	Flags   elf.ProgFlag
}

// Reloc represents an R_AARCH64_RELATIVE relocation.
type Reloc struct {
	Offset uint64
	Addend uint64
	// Type overrides the relocation type when not zero
	Type uint32
}

// Image represents an ELF image description.
type Image struct {
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	Segments []Segment
	Relocs   []Reloc
}

func align(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// dynamic appends a read-only segment holding the relocation table and the
// dynamic array, returning it with the dynamic array address.
func (img *Image) dynamic() (seg Segment, dynAddr uint64) {
	var end uint64

	for _, s := range img.Segments {
		size := s.MemSize

		if size < uint64(len(s.Data)) {
			size = uint64(len(s.Data))
		}

		if e := s.Vaddr + size; e > end {
			end = e
		}
	}

	seg.Vaddr = align(end)
	seg.Flags = elf.PF_R

	rela := make([]byte, len(img.Relocs)*relaSize)

	for i, r := range img.Relocs {
		t := r.Type

		if t == 0 {
			t = relocType
		}

		binary.LittleEndian.PutUint64(rela[i*relaSize:], r.Offset)
		binary.LittleEndian.PutUint64(rela[i*relaSize+8:], uint64(t))
		binary.LittleEndian.PutUint64(rela[i*relaSize+16:], r.Addend)
	}

	dyn := make([]byte, 4*dynSize)

	for i, e := range [][2]uint64{
		{uint64(elf.DT_RELA), seg.Vaddr},
		{uint64(elf.DT_RELASZ), uint64(len(rela))},
		{uint64(elf.DT_RELAENT), relaSize},
		{uint64(elf.DT_NULL), 0},
	} {
		binary.LittleEndian.PutUint64(dyn[i*dynSize:], e[0])
		binary.LittleEndian.PutUint64(dyn[i*dynSize+8:], e[1])
	}

	dynAddr = seg.Vaddr + uint64(len(rela))
	seg.Data = append(rela, dyn...)
	seg.MemSize = uint64(len(seg.Data))

	return
}

// Bytes encodes the image.
func (img *Image) Bytes() []byte {
	segs := append([]Segment{}, img.Segments...)

	var dynAddr uint64
	var dynOff int

	if len(img.Relocs) > 0 {
		var seg Segment
		seg, dynAddr = img.dynamic()
		dynOff = len(segs)
		segs = append(segs, seg)
	}

	phnum := len(segs)

	if dynAddr != 0 {
		phnum++
	}

	machine := img.Machine

	if machine == 0 {
		machine = elf.EM_AARCH64
	}

	off := uint64(ehdrSize + phnum*phdrSize)
	offsets := make([]uint64, len(segs))

	for i, s := range segs {
		offsets[i] = off
		off += uint64(len(s.Data))
	}

	buf := make([]byte, off)

	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(img.Type))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], img.Entry)
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(phnum))
	binary.LittleEndian.PutUint16(buf[58:], 64)

	phdr := func(i int, typ elf.ProgType, flags elf.ProgFlag, off, vaddr, filesz, memsz uint64) {
		p := buf[ehdrSize+i*phdrSize:]

		binary.LittleEndian.PutUint32(p[0:], uint32(typ))
		binary.LittleEndian.PutUint32(p[4:], uint32(flags))
		binary.LittleEndian.PutUint64(p[8:], off)
		binary.LittleEndian.PutUint64(p[16:], vaddr)
		binary.LittleEndian.PutUint64(p[24:], vaddr)
		binary.LittleEndian.PutUint64(p[32:], filesz)
		binary.LittleEndian.PutUint64(p[40:], memsz)
		binary.LittleEndian.PutUint64(p[48:], pageSize)
	}

	for i, s := range segs {
		memsz := s.MemSize

		if memsz < uint64(len(s.Data)) {
			memsz = uint64(len(s.Data))
		}

		phdr(i, elf.PT_LOAD, s.Flags, offsets[i], s.Vaddr, uint64(len(s.Data)), memsz)
		copy(buf[offsets[i]:], s.Data)
	}

	if dynAddr != 0 {
		relaLen := uint64(len(img.Relocs) * relaSize)
		phdr(len(segs), elf.PT_DYNAMIC, elf.PF_R, offsets[dynOff]+relaLen, dynAddr, 4*dynSize, 4*dynSize)
	}

	return buf
}
