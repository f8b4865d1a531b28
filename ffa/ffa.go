// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ffa implements the wire level encoding of the Firmware Framework for
// Arm (FF-A) 1.0 calling convention: function identifiers, version values,
// error codes, argument registers and memory transaction descriptors.
//
// This package is only meant to be used with `GOOS=tamago` as supported by the
// TamaGo framework for bare metal Go, see https://github.com/usbarmory/tamago,
// however it is free of target specific code and can be tested on any host.
package ffa

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Func represents an FF-A function identifier, always expressed in its SMC32
// form.
type Func uint32

// FF-A function identifiers
const (
	ERROR                Func = 0x84000060
	SUCCESS              Func = 0x84000061
	INTERRUPT            Func = 0x84000062
	VERSION              Func = 0x84000063
	FEATURES             Func = 0x84000064
	RX_RELEASE           Func = 0x84000065
	RXTX_MAP             Func = 0x84000066
	RXTX_UNMAP           Func = 0x84000067
	PARTITION_INFO_GET   Func = 0x84000068
	ID_GET               Func = 0x84000069
	MSG_POLL             Func = 0x8400006a
	MSG_WAIT             Func = 0x8400006b
	MSG_YIELD            Func = 0x8400006c
	MSG_RUN              Func = 0x8400006d
	MSG_SEND             Func = 0x8400006e
	MSG_SEND_DIRECT_REQ  Func = 0x8400006f
	MSG_SEND_DIRECT_RESP Func = 0x84000070
	MEM_DONATE           Func = 0x84000071
	MEM_LEND             Func = 0x84000072
	MEM_SHARE            Func = 0x84000073
	MEM_RETRIEVE_REQ     Func = 0x84000074
	MEM_RETRIEVE_RESP    Func = 0x84000075
	MEM_RELINQUISH       Func = 0x84000076
	MEM_RECLAIM          Func = 0x84000077
	NORMAL_WORLD_RESUME  Func = 0x8400007a
)

const (
	// FIDMask selects the function number within an SMC function id.
	FIDMask = 0xffff
	// FIDMin is the lowest FF-A function number.
	FIDMin = 0x60
	// FIDMax is the highest FF-A function number.
	FIDMax = 0x7f

	// SMC64 is the function id bit selecting the 64-bit register width.
	SMC64 = 30
)

// Special endpoint values.
const (
	// TargetInfoMBZ addresses traffic targeted at the hypervisor or SPM.
	TargetInfoMBZ = 0x0
	// ParamMBZ is the value of must-be-zero parameters.
	ParamMBZ = 0x0
)

type funcInfo struct {
	name  string
	smc64 bool
}

var funcs = map[Func]funcInfo{
	ERROR:                {"FFA_ERROR", false},
	SUCCESS:              {"FFA_SUCCESS", true},
	INTERRUPT:            {"FFA_INTERRUPT", false},
	VERSION:              {"FFA_VERSION", false},
	FEATURES:             {"FFA_FEATURES", false},
	RX_RELEASE:           {"FFA_RX_RELEASE", false},
	RXTX_MAP:             {"FFA_RXTX_MAP", true},
	RXTX_UNMAP:           {"FFA_RXTX_UNMAP", false},
	PARTITION_INFO_GET:   {"FFA_PARTITION_INFO_GET", false},
	ID_GET:               {"FFA_ID_GET", false},
	MSG_POLL:             {"FFA_MSG_POLL", false},
	MSG_WAIT:             {"FFA_MSG_WAIT", false},
	MSG_YIELD:            {"FFA_MSG_YIELD", false},
	MSG_RUN:              {"FFA_MSG_RUN", false},
	MSG_SEND:             {"FFA_MSG_SEND", false},
	MSG_SEND_DIRECT_REQ:  {"FFA_MSG_SEND_DIRECT_REQ", true},
	MSG_SEND_DIRECT_RESP: {"FFA_MSG_SEND_DIRECT_RESP", true},
	MEM_DONATE:           {"FFA_MEM_DONATE", true},
	MEM_LEND:             {"FFA_MEM_LEND", true},
	MEM_SHARE:            {"FFA_MEM_SHARE", true},
	MEM_RETRIEVE_REQ:     {"FFA_MEM_RETRIEVE_REQ", true},
	MEM_RETRIEVE_RESP:    {"FFA_MEM_RETRIEVE_RESP", false},
	MEM_RELINQUISH:       {"FFA_MEM_RELINQUISH", false},
	MEM_RECLAIM:          {"FFA_MEM_RECLAIM", false},
	NORMAL_WORLD_RESUME:  {"FFA_NORMAL_WORLD_RESUME", false},
}

// String returns the FF-A name of the function.
func (f Func) String() string {
	if info, ok := funcs[f]; ok {
		return info.name
	}

	return fmt.Sprintf("FFA_UNKNOWN(%#x)", uint32(f))
}

// SMC64 returns the 64-bit register width variant of the function id.
func (f Func) SMC64() uint32 {
	fid := uint32(f)
	bits.Set(&fid, SMC64)
	return fid
}

// Has64 returns whether the function defines an SMC64 variant.
func (f Func) Has64() bool {
	return funcs[f].smc64
}

// IsFFA returns whether the function id belongs to the FF-A range, regardless
// of it being defined.
func IsFFA(fid uint32) bool {
	n := fid & FIDMask
	return n >= FIDMin && n <= FIDMax
}

// Decode resolves a raw SMC function id into its FF-A function, reporting
// whether the SMC64 variant was used. Identifiers outside the FF-A range, or
// not defined within it, return ErrNotSupported.
func Decode(fid uint32) (f Func, smc64 bool, err error) {
	if !IsFFA(fid) {
		return 0, false, ErrNotSupported
	}

	smc64 = bits.Get(&fid, SMC64, 1) == 1
	bits.Clear(&fid, SMC64)

	f = Func(fid)
	info, ok := funcs[f]

	if !ok || (smc64 && !info.smc64) {
		return 0, false, ErrNotSupported
	}

	return
}

// Funcs returns all defined function identifiers.
func Funcs() (all []Func) {
	for f := range funcs {
		all = append(all, f)
	}

	return
}
