// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package driver implements the normal world side of the FF-A interface to
// the secure partition manager.
//
// Calls failing with a retryable error (Busy, Interrupted, Retry, NoMemory)
// are replayed with exponential backoff. Direct requests whose destination was
// preempted, or yielded, while serving them are completed by running the
// destination partition until it responds.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// Conduit represents the transport of normal world calls to the secure
// partition manager, on a given CPU.
type Conduit interface {
	Handle(cpu int, caller uint16, a ffa.Args) ffa.Args
}

// Memory represents the normal world memory holding the RX/TX buffers.
type Memory interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, buf []byte) error
}

var (
	errYielded  = errors.New("partition yielded")
	errNotReady = errors.New("partition not serving request")
)

// DefaultBackOff returns the default call replay policy.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	return b
}

// Driver issues FF-A calls on behalf of the normal world.
type Driver struct {
	// NewBackOff returns the replay policy of each call.
	NewBackOff func() backoff.BackOff

	conduit Conduit
	cpu     int
	log     *logrus.Entry

	mem  Memory
	tx   uint64
	rx   uint64
	size uint64
}

// New returns a driver issuing calls on the given CPU.
func New(c Conduit, cpu int, log *logrus.Logger) *Driver {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Driver{
		NewBackOff: DefaultBackOff,
		conduit:    c,
		cpu:        cpu,
		log:        log.WithField("cpu", cpu),
	}
}

func retryable(err error) error {
	var e ffa.Error

	if errors.As(err, &e) && e.Retryable() {
		return err
	}

	return backoff.Permanent(err)
}

func (d *Driver) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(d.NewBackOff(), ctx))
}

func (d *Driver) handle(a ffa.Args) ffa.Args {
	res := d.conduit.Handle(d.cpu, ffa.NormalWorldID, a)

	if err := res.Err(); err != nil {
		f, _ := a.Func()
		d.log.Debugf("NW %s failed, %v", f, err)
	}

	return res
}

// Call issues a call, replaying it as long as it fails with a retryable
// error.
func (d *Driver) Call(ctx context.Context, a ffa.Args) (res ffa.Args, err error) {
	err = d.retry(ctx, func() error {
		res = d.handle(a)

		if err := res.Err(); err != nil {
			return retryable(err)
		}

		return nil
	})

	return
}

// Version negotiates the FF-A version.
func (d *Driver) Version() (v ffa.Version, err error) {
	res := d.handle(ffa.Call(ffa.VERSION, uint64(ffa.CompiledVersion)))

	if code := int32(uint32(res[0])); code < 0 {
		return 0, ffa.Error(code)
	}

	return ffa.Version(res[0]), nil
}

// DirectReq sends a direct request to a partition, returning its response.
//
// A request interrupted within the partition, or yielded by it, stays
// outstanding: the partition is then run until it responds. A request
// interrupted before reaching the partition is sent again.
func (d *Driver) DirectReq(ctx context.Context, dst uint16, payload ...uint64) (res ffa.Args, err error) {
	req := ffa.DirectReq(ffa.NormalWorldID, dst, payload...)
	run := ffa.Call(ffa.MSG_RUN, uint64(dst)<<16)
	resume := false

	err = d.retry(ctx, func() error {
		a := req

		if resume {
			a = run
		}

		res = d.handle(a)
		f, _ := res.Func()

		switch f {
		case ffa.MSG_SEND_DIRECT_RESP:
			return nil
		case ffa.MSG_YIELD:
			resume = true
			return errYielded
		case ffa.SUCCESS:
			resume = false
			return errNotReady
		case ffa.ERROR:
			err := res.Err()

			switch {
			case resume && !errors.Is(err, ffa.ErrInterrupted):
				resume = false
			case !resume && errors.Is(err, ffa.ErrBusy):
				// possibly our own request, left outstanding
				resume = true
			}

			return retryable(err)
		default:
			return backoff.Permanent(fmt.Errorf("partition %#x returned %s, %w", dst, f, ffa.ErrDenied))
		}
	})

	if err != nil {
		return
	}

	d.log.WithField("partition", fmt.Sprintf("%#x", dst)).Debugf("NW request %#x response %#x", payload, res[3:])

	return
}

// Run resumes a partition, returning its direct response if it was serving a
// request from the normal world.
func (d *Driver) Run(ctx context.Context, id uint16) (res ffa.Args, err error) {
	return d.Call(ctx, ffa.Call(ffa.MSG_RUN, uint64(id)<<16))
}

// MapBuffers registers the normal world RX/TX buffers.
func (d *Driver) MapBuffers(ctx context.Context, mem Memory, tx uint64, rx uint64, pages uint32) (err error) {
	if _, err = d.Call(ctx, ffa.Call(ffa.RXTX_MAP, tx, rx, uint64(pages))); err != nil {
		return
	}

	d.mem = mem
	d.tx = tx
	d.rx = rx
	d.size = uint64(pages) * ffa.PageSize

	return
}

// UnmapBuffers drops the normal world RX/TX buffers.
func (d *Driver) UnmapBuffers(ctx context.Context) (err error) {
	if _, err = d.Call(ctx, ffa.Call(ffa.RXTX_UNMAP)); err != nil {
		return
	}

	d.mem = nil

	return
}

func (d *Driver) writeTX(buf []byte) (err error) {
	switch {
	case d.mem == nil:
		return fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	case uint64(len(buf)) > d.size:
		return fmt.Errorf("%d bytes exceed tx buffer, %w", len(buf), ffa.ErrNoMemory)
	}

	return d.mem.Write(d.tx, buf)
}

func (d *Driver) readRX(ctx context.Context, n uint64) (buf []byte, err error) {
	switch {
	case d.mem == nil:
		return nil, fmt.Errorf("no buffers mapped, %w", ffa.ErrDenied)
	case n > d.size:
		return nil, fmt.Errorf("%d bytes exceed rx buffer, %w", n, ffa.ErrInvalidParameter)
	}

	buf = make([]byte, n)

	if err = d.mem.Read(d.rx, buf); err != nil {
		return
	}

	_, err = d.Call(ctx, ffa.Call(ffa.RX_RELEASE))

	return
}

// PartitionInfo returns the partitions matching a UUID, all partitions are
// returned for the nil UUID.
func (d *Driver) PartitionInfo(ctx context.Context, u uuid.UUID) (all []ffa.PartitionInfo, err error) {
	res, err := d.Call(ctx, ffa.UUIDArgs(u))

	if err != nil {
		return
	}

	buf, err := d.readRX(ctx, res[2]*ffa.PartitionInfoSize)

	if err != nil {
		return
	}

	for off := 0; off < len(buf); off += ffa.PartitionInfoSize {
		var info ffa.PartitionInfo

		if err = info.UnmarshalBinary(buf[off:]); err != nil {
			return nil, err
		}

		all = append(all, info)
	}

	return
}

// MsgSend sends an indirect message to a partition.
func (d *Driver) MsgSend(ctx context.Context, dst uint16, msg []byte, blocking bool) (err error) {
	if err = d.writeTX(msg); err != nil {
		return
	}

	attrs := uint64(ffa.MsgSendBlocking)

	if !blocking {
		attrs = ffa.MsgSendNonBlocking
	}

	_, err = d.Call(ctx, ffa.Call(ffa.MSG_SEND, ffa.Endpoints(ffa.NormalWorldID, dst), 0, uint64(len(msg)), attrs))

	return
}

// MemSend transfers normal world memory to partitions with a donate, lend or
// share transaction, returning its handle.
func (d *Driver) MemSend(ctx context.Context, f ffa.Func, desc *ffa.MemTransaction) (handle uint64, err error) {
	switch f {
	case ffa.MEM_DONATE, ffa.MEM_LEND, ffa.MEM_SHARE:
	default:
		return 0, fmt.Errorf("%s, %w", f, ffa.ErrInvalidParameter)
	}

	buf, err := desc.MarshalBinary()

	if err != nil {
		return
	}

	if err = d.writeTX(buf); err != nil {
		return
	}

	n := uint64(len(buf))
	res, err := d.Call(ctx, ffa.Call(f, n, n))

	if err != nil {
		return
	}

	return res.Handle(), nil
}

// MemReclaim restores normal world access to a lent or shared region. It is
// not replayed: ffa.ErrBusy reports a reclaim left pending until the last
// receiver relinquishes the region.
func (d *Driver) MemReclaim(handle uint64) error {
	lo, hi := ffa.HandleArgs(handle)
	return d.handle(ffa.Call(ffa.MEM_RECLAIM, lo, hi, 0)).Err()
}
