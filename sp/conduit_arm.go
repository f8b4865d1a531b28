// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package sp

import (
	"fmt"
	"unsafe"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// defined in svc_arm.s
func svc(a *ffa.Args)

type svcConduit struct{}

// Call issues a supervisor call with the arguments in r0-r7, the partition
// manager resumes the partition with its result in the same registers.
func (svcConduit) Call(a ffa.Args) ffa.Args {
	svc(&a)
	return a
}

type directMemory struct{}

func (directMemory) slice(va uint64, n int) ([]byte, error) {
	if va == 0 || va+uint64(n) < va || va+uint64(n) > 1<<32 {
		return nil, fmt.Errorf("invalid address %#x", va)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n), nil
}

func (m directMemory) Read(va uint64, buf []byte) (err error) {
	mem, err := m.slice(va, len(buf))

	if err != nil {
		return
	}

	copy(buf, mem)

	return
}

func (m directMemory) Write(va uint64, buf []byte) (err error) {
	mem, err := m.slice(va, len(buf))

	if err != nil {
		return
	}

	copy(mem, buf)

	return
}

// NewEnv returns the environment of a partition running in Secure World user
// mode.
func NewEnv() *Env {
	return &Env{
		Memory:  directMemory{},
		conduit: svcConduit{},
	}
}
