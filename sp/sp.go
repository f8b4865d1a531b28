// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sp implements the secure partition side of the FF-A interface: the
// calls a partition issues to its partition manager and a message loop for
// partitions serving direct requests.
package sp

import (
	"fmt"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/svc"
)

// Conduit represents the transport of FF-A calls to the partition manager.
type Conduit interface {
	// Call issues a call returning the registers passed back once the
	// partition is resumed.
	Call(ffa.Args) ffa.Args
}

// Memory represents the partition view of its own memory.
type Memory interface {
	Read(va uint64, buf []byte) error
	Write(va uint64, buf []byte) error
}

// Env represents the partition execution environment.
type Env struct {
	// BootInfo is the boot information address passed at entry
	BootInfo uint64
	// Memory gives access to partition memory
	Memory Memory

	conduit Conduit
	id      uint16

	// RX/TX buffers
	tx   uint64
	rx   uint64
	size uint64
}

// Call issues an FF-A call.
func (e *Env) Call(f ffa.Func, args ...uint64) ffa.Args {
	return e.conduit.Call(ffa.Call(f, args...))
}

// ID returns the partition endpoint id.
func (e *Env) ID() (id uint16, err error) {
	if e.id != 0 {
		return e.id, nil
	}

	res := e.Call(ffa.ID_GET)

	if err = res.Err(); err != nil {
		return
	}

	e.id = uint16(res[2])

	return e.id, nil
}

// Version negotiates the FF-A version with the partition manager.
func (e *Env) Version() (v ffa.Version, err error) {
	res := e.Call(ffa.VERSION, uint64(ffa.CompiledVersion))

	if code := int32(uint32(res[0])); code < 0 {
		return 0, ffa.Error(code)
	}

	return ffa.Version(res[0]), nil
}

// MsgWait blocks the partition until a message is delivered, returning it.
func (e *Env) MsgWait() ffa.Args {
	return e.Call(ffa.MSG_WAIT)
}

// Yield relinquishes the CPU.
func (e *Env) Yield() ffa.Args {
	return e.Call(ffa.MSG_YIELD)
}

// DirectReq sends a direct request, returning its response.
func (e *Env) DirectReq(dst uint16, payload ...uint64) (res ffa.Args, err error) {
	id, err := e.ID()

	if err != nil {
		return
	}

	res = e.conduit.Call(ffa.DirectReq(id, dst, payload...))

	if err = res.Err(); err != nil {
		return
	}

	if f, _ := res.Func(); f != ffa.MSG_SEND_DIRECT_RESP {
		return res, fmt.Errorf("unexpected response %s, %w", f, ffa.ErrDenied)
	}

	return
}

// DirectResp responds to a direct request, blocking until the next message is
// delivered.
func (e *Env) DirectResp(dst uint16, payload ...uint64) ffa.Args {
	return e.conduit.Call(ffa.DirectResp(e.id, dst, payload...))
}

// RXTXMap registers the partition RX/TX buffers.
func (e *Env) RXTXMap(tx uint64, rx uint64, pages uint32) (err error) {
	if err = e.Call(ffa.RXTX_MAP, tx, rx, uint64(pages)).Err(); err != nil {
		return
	}

	e.tx = tx
	e.rx = rx
	e.size = uint64(pages) * ffa.PageSize

	return
}

// RXRelease returns ownership of the RX buffer to the partition manager.
func (e *Env) RXRelease() error {
	return e.Call(ffa.RX_RELEASE).Err()
}

func (e *Env) svc(id uint32, args ...uint64) (val uint64, err error) {
	res, err := e.DirectReq(ffa.SPMCID, append([]uint64{uint64(id)}, args...)...)

	if err != nil {
		return
	}

	if err = svc.Status(int32(uint32(res[3]))).Err(); err != nil {
		return 0, fmt.Errorf("%s, %w", svc.Name(id), err)
	}

	return res[4], nil
}

// MemAttributes returns the attributes of the page at address base.
func (e *Env) MemAttributes(base uint64) (attrs memshare.Attrs, err error) {
	val, err := e.svc(svc.MemAttributesGet64, base)
	return memshare.Attrs(val), err
}

// SetMemAttributes changes the attributes of a range of pages.
func (e *Env) SetMemAttributes(base uint64, pages uint32, attrs memshare.Attrs) (err error) {
	_, err = e.svc(svc.MemAttributesSet64, base, uint64(pages), uint64(attrs))
	return
}

// RPMBRead reads n bytes at the given RPMB offset into the buffer at address
// buf.
func (e *Env) RPMBRead(buf uint64, n uint64, off uint64) (err error) {
	_, err = e.svc(svc.RPMBRead, buf, n, off)
	return
}

// RPMBWrite writes n bytes from the buffer at address buf at the given RPMB
// offset.
func (e *Env) RPMBWrite(buf uint64, n uint64, off uint64) (err error) {
	_, err = e.svc(svc.RPMBWrite, buf, n, off)
	return
}

// Handler processes a direct request payload (w3-w7) returning the response
// payload.
type Handler func(src uint16, req [5]uint64) (res [5]uint64)

// Serve completes partition initialization and serves direct requests with
// the given handler, it never returns.
//
// Whenever the partition is resumed by anything else than a direct request
// (e.g. MSG_RUN) it returns to its waiting state.
func Serve(e *Env, h Handler) {
	if _, err := e.ID(); err != nil {
		return
	}

	msg := e.MsgWait()

	for {
		switch f, _ := msg.Func(); f {
		case ffa.MSG_SEND_DIRECT_REQ:
			var req [5]uint64
			copy(req[:], msg[3:])

			res := h(msg.Source(), req)
			msg = e.DirectResp(msg.Source(), res[:]...)
		default:
			msg = e.MsgWait()
		}
	}
}
