// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package main

import (
	"fmt"
	"unsafe"

	"github.com/usbarmory/GoTEE/syscall"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
)

// defined in smc_arm.s
func smc(a *ffa.Args)

type smcConduit struct{}

// Handle issues a secure monitor call with the arguments in r0-r7, the
// monitor returns the result in the same registers.
func (smcConduit) Handle(_ int, _ uint16, a ffa.Args) ffa.Args {
	smc(&a)
	return a
}

func printSecure(c byte) {
	smc(&ffa.Args{uint64(syscall.SYS_WRITE), uint64(c)})
}

func exit() {
	smc(&ffa.Args{uint64(syscall.SYS_EXIT)})
}

// commBuf gives access to the communication buffer area, which holds the
// Normal World RX/TX buffers.
type commBuf struct{}

func (commBuf) slice(addr uint64, n int) ([]byte, error) {
	if addr < mem.NSCommBufStart || addr+uint64(n) > mem.NSCommBufStart+mem.NSCommBufSize {
		return nil, fmt.Errorf("invalid address %#x", addr)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}

func (m commBuf) Read(addr uint64, buf []byte) (err error) {
	b, err := m.slice(addr, len(buf))

	if err != nil {
		return
	}

	copy(buf, b)

	return
}

func (m commBuf) Write(addr uint64, buf []byte) (err error) {
	b, err := m.slice(addr, len(buf))

	if err != nil {
		return
	}

	copy(b, buf)

	return
}
