// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ffa

import (
	"fmt"
)

// Args represents the w0-w7 argument registers of an FF-A call or return.
type Args [8]uint64

// Endpoint identifiers
const (
	// NormalWorldID is the endpoint id of the normal world (hypervisor or
	// OS kernel).
	NormalWorldID uint16 = 0x0000
	// SPMCID is the endpoint id of the secure partition manager itself.
	SPMCID uint16 = 0xffff
)

// MSG_SEND attributes
const (
	MsgSendBlocking    = 0
	MsgSendNonBlocking = 1
)

// FID returns the raw function id held in w0.
func (a Args) FID() uint32 {
	return uint32(a[0])
}

// Func returns the decoded function held in w0.
func (a Args) Func() (f Func, err error) {
	f, _, err = Decode(a.FID())
	return
}

// Source returns the source endpoint id held in w1[31:16].
func (a Args) Source() uint16 {
	return uint16(a[1] >> 16)
}

// Destination returns the destination endpoint id held in w1[15:0].
func (a Args) Destination() uint16 {
	return uint16(a[1])
}

// Handle returns the memory handle held in w2 (low) and w3 (high).
func (a Args) Handle() uint64 {
	return (a[3] << 32) | (a[2] & 0xffffffff)
}

// Err returns the error carried by an FFA_ERROR return, if any.
func (a Args) Err() error {
	if Func(a.FID()) != ERROR {
		return nil
	}

	return Error(int32(uint32(a[2])))
}

func (a Args) String() string {
	f, _, err := Decode(a.FID())

	if err != nil {
		return fmt.Sprintf("%#x %x", a.FID(), a[1:])
	}

	return fmt.Sprintf("%s %x", f, a[1:])
}

// Endpoints packs a source and destination endpoint id in the w1 layout.
func Endpoints(src uint16, dst uint16) uint64 {
	return uint64(src)<<16 | uint64(dst)
}

// Call returns the arguments of a call to the given function.
func Call(f Func, args ...uint64) (a Args) {
	a[0] = uint64(f)
	copy(a[1:], args)
	return
}

// Success returns an FFA_SUCCESS with the given w2-w7 results.
func Success(results ...uint64) (a Args) {
	a[0] = uint64(SUCCESS)
	copy(a[2:], results)
	return
}

// ErrorArgs returns an FFA_ERROR carrying the code of the given error.
func ErrorArgs(err error) (a Args) {
	a[0] = uint64(ERROR)
	a[2] = uint64(uint32(int32(Code(err))))
	return
}

// DirectReq returns a direct request from src to dst with payload in w3-w7.
func DirectReq(src uint16, dst uint16, payload ...uint64) (a Args) {
	a[0] = uint64(MSG_SEND_DIRECT_REQ)
	a[1] = Endpoints(src, dst)
	copy(a[3:], payload)
	return
}

// DirectResp returns a direct response from src to dst with payload in w3-w7.
func DirectResp(src uint16, dst uint16, payload ...uint64) (a Args) {
	a[0] = uint64(MSG_SEND_DIRECT_RESP)
	a[1] = Endpoints(src, dst)
	copy(a[3:], payload)
	return
}

// HandleArgs splits a memory handle in the w2 (low) and w3 (high) layout.
func HandleArgs(handle uint64) (lo uint64, hi uint64) {
	return handle & 0xffffffff, handle >> 32
}
