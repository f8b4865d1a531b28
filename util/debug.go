// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"sort"
)

// LookupSym returns the ELF symbol with the given name.
func LookupSym(buf []byte, name string) (*elf.Symbol, error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return nil, err
	}

	syms, err := exe.Symbols()

	if err != nil {
		return nil, err
	}

	for _, sym := range syms {
		if sym.Name == name {
			return &sym, nil
		}
	}

	return nil, errors.New("symbol not found")
}

func goSymTable(exe *elf.File) (symTable *gosym.Table, err error) {
	text := exe.Section(".text")
	pclntab := exe.Section(".gopclntab")

	if text == nil || pclntab == nil {
		return nil, errors.New("missing Go symbol table")
	}

	lineTableData, err := pclntab.Data()

	if err != nil {
		return
	}

	lineTable := gosym.NewLineTable(lineTableData, text.Addr)

	var symTableData []byte

	if s := exe.Section(".gosymtab"); s != nil {
		if symTableData, err = s.Data(); err != nil {
			return
		}
	}

	return gosym.NewTable(symTableData, lineTable)
}

// PCToLine resolves a program counter to its source file and line, for Go
// ELF images.
func PCToLine(buf []byte, pc uint64) (s string, err error) {
	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return
	}

	symTable, err := goSymTable(exe)

	if err != nil {
		return
	}

	file, line, fn := symTable.PCToLine(pc)

	if fn == nil {
		return "", errors.New("pc not found")
	}

	return fmt.Sprintf("%s:%d", file, line), nil
}

// Symbolize resolves an address to a function name and offset, using Go line
// information when available and ELF function symbols otherwise. An empty
// string is returned for addresses which cannot be resolved.
func Symbolize(buf []byte, addr uint64) string {
	if len(buf) == 0 {
		return ""
	}

	if line, err := PCToLine(buf, addr); err == nil {
		return line
	}

	exe, err := elf.NewFile(bytes.NewReader(buf))

	if err != nil {
		return ""
	}

	syms, err := exe.Symbols()

	if err != nil {
		return ""
	}

	sort.Slice(syms, func(i, j int) bool {
		return syms[i].Value < syms[j].Value
	})

	i := sort.Search(len(syms), func(i int) bool {
		return syms[i].Value > addr
	}) - 1

	for ; i >= 0; i-- {
		sym := syms[i]

		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}

		if sym.Size != 0 && addr >= sym.Value+sym.Size {
			return ""
		}

		return fmt.Sprintf("%s+%#x", sym.Name, addr-sym.Value)
	}

	return ""
}
