// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ldelf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/GoTEE-spm/uspace"
)

const (
	dynEntSize  = 16
	relaEntSize = 24
)

// readVA reads loaded image memory, the range must belong to a loaded
// segment regardless of its protection.
func readVA(as *uspace.AddressSpace, va uint64, buf []byte) (err error) {
	if err = as.Check(va, uint64(len(buf)), 0); err != nil {
		return
	}

	return as.RAM().Read(va, buf)
}

// relocate applies the R_AARCH64_RELATIVE relocations referenced by the
// dynamic array found at address dyn.
func (c *Context) relocate(as *uspace.AddressSpace, dyn uint64, size uint64) (err error) {
	if size%dynEntSize != 0 || size > uspace.PageSize*16 {
		return fmt.Errorf("dynamic array size %#x, %w", size, ErrFormat)
	}

	buf := make([]byte, size)

	if err = readVA(as, dyn, buf); err != nil {
		return fmt.Errorf("could not read dynamic array, %v, %w", err, ErrFormat)
	}

	var rela, relaSize uint64
	relaEnt := uint64(relaEntSize)

	for off := 0; off < len(buf); off += dynEntSize {
		tag := elf.DynTag(binary.LittleEndian.Uint64(buf[off:]))
		val := binary.LittleEndian.Uint64(buf[off+8:])

		switch tag {
		case elf.DT_NULL:
			off = len(buf)
		case elf.DT_RELA:
			rela = val
		case elf.DT_RELASZ:
			relaSize = val
		case elf.DT_RELAENT:
			relaEnt = val
		case elf.DT_REL, elf.DT_JMPREL:
			return fmt.Errorf("unsupported dynamic tag %s, %w", tag, ErrFormat)
		}
	}

	if relaSize == 0 {
		return
	}

	if relaEnt != relaEntSize || relaSize%relaEntSize != 0 || relaSize > uspace.PageSize*256 {
		return fmt.Errorf("relocation table size %#x entry %#x, %w", relaSize, relaEnt, ErrFormat)
	}

	table := make([]byte, relaSize)

	if err = readVA(as, rela+c.bias, table); err != nil {
		return fmt.Errorf("could not read relocation table, %v, %w", err, ErrFormat)
	}

	val := make([]byte, 8)

	for off := 0; off < len(table); off += relaEntSize {
		offset := binary.LittleEndian.Uint64(table[off:])
		info := binary.LittleEndian.Uint64(table[off+8:])
		addend := binary.LittleEndian.Uint64(table[off+16:])

		if typ := elf.R_AARCH64(elf.R_TYPE64(info)); typ != elf.R_AARCH64_RELATIVE {
			return fmt.Errorf("unsupported relocation %s, %w", typ, ErrFormat)
		}

		va := offset + c.bias

		if err = as.Check(va, 8, 0); err != nil {
			return fmt.Errorf("relocation %#x outside image, %w", va, ErrFormat)
		}

		binary.LittleEndian.PutUint64(val, addend+c.bias)

		if err = as.RAM().Write(va, val); err != nil {
			return
		}
	}

	return
}
