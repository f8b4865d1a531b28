// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ffa

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the FF-A memory granule.
const PageSize = 4096

// Memory access permissions (endpoint memory access descriptor)
const (
	DataAccessNotSpecified = 0
	DataAccessRO           = 1
	DataAccessRW           = 2

	InstAccessNotSpecified = 0
	InstAccessNX           = 1
	InstAccessX            = 2

	DataAccessShift = 0
	InstAccessShift = 2
)

// Memory region attributes (Normal memory, write-back, inner shareable)
const MemNormalWBInnerShareable = 0x2f

const (
	memTransactionSize = 32
	memAccessSize      = 16
	compositeSize      = 16
	constituentSize    = 16
	relinquishSize     = 16
)

// MemRegion represents a single constituent of a composite memory region.
type MemRegion struct {
	Address   uint64
	PageCount uint32
}

// Size returns the region size in bytes.
func (r MemRegion) Size() uint64 {
	return uint64(r.PageCount) * PageSize
}

// MemAccess represents an endpoint memory access descriptor.
type MemAccess struct {
	Receiver    uint16
	Permissions uint8
	Flags       uint8
}

// Permissions packs data and instruction access permissions.
func Permissions(data uint8, inst uint8) uint8 {
	return (data&0x3)<<DataAccessShift | (inst&0x3)<<InstAccessShift
}

// DataAccess returns the data access permission field.
func (m MemAccess) DataAccess() uint8 {
	return (m.Permissions >> DataAccessShift) & 0x3
}

// InstAccess returns the instruction access permission field.
func (m MemAccess) InstAccess() uint8 {
	return (m.Permissions >> InstAccessShift) & 0x3
}

// MemTransaction represents an FF-A 1.0 memory transaction descriptor, as used
// by MEM_DONATE, MEM_LEND, MEM_SHARE, MEM_RETRIEVE_REQ and MEM_RETRIEVE_RESP.
// Only descriptors with a single region constituent are supported.
type MemTransaction struct {
	Sender     uint16
	Attributes uint8
	Flags      uint32
	Handle     uint64
	Tag        uint64
	Receivers  []MemAccess
	Region     MemRegion
}

// Size returns the encoded descriptor length.
func (d *MemTransaction) Size() int {
	return memTransactionSize + len(d.Receivers)*memAccessSize + compositeSize + constituentSize
}

// MarshalBinary encodes the descriptor in its little endian wire format.
func (d *MemTransaction) MarshalBinary() ([]byte, error) {
	if len(d.Receivers) == 0 {
		return nil, fmt.Errorf("no receivers, %w", ErrInvalidParameter)
	}

	buf := make([]byte, d.Size())
	composite := uint32(memTransactionSize + len(d.Receivers)*memAccessSize)

	binary.LittleEndian.PutUint16(buf[0:], d.Sender)
	buf[2] = d.Attributes
	binary.LittleEndian.PutUint32(buf[4:], d.Flags)
	binary.LittleEndian.PutUint64(buf[8:], d.Handle)
	binary.LittleEndian.PutUint64(buf[16:], d.Tag)
	binary.LittleEndian.PutUint32(buf[28:], uint32(len(d.Receivers)))

	for i, r := range d.Receivers {
		off := memTransactionSize + i*memAccessSize
		binary.LittleEndian.PutUint16(buf[off:], r.Receiver)
		buf[off+2] = r.Permissions
		buf[off+3] = r.Flags
		binary.LittleEndian.PutUint32(buf[off+4:], composite)
	}

	binary.LittleEndian.PutUint32(buf[composite:], d.Region.PageCount)
	binary.LittleEndian.PutUint32(buf[composite+4:], 1)

	off := composite + compositeSize
	binary.LittleEndian.PutUint64(buf[off:], d.Region.Address)
	binary.LittleEndian.PutUint32(buf[off+8:], d.Region.PageCount)

	return buf, nil
}

// UnmarshalBinary decodes a descriptor from its little endian wire format.
func (d *MemTransaction) UnmarshalBinary(buf []byte) error {
	if len(buf) < memTransactionSize {
		return fmt.Errorf("short descriptor, %w", ErrInvalidParameter)
	}

	d.Sender = binary.LittleEndian.Uint16(buf[0:])
	d.Attributes = buf[2]
	d.Flags = binary.LittleEndian.Uint32(buf[4:])
	d.Handle = binary.LittleEndian.Uint64(buf[8:])
	d.Tag = binary.LittleEndian.Uint64(buf[16:])

	n := int(binary.LittleEndian.Uint32(buf[28:]))

	if n == 0 || len(buf) < memTransactionSize+n*memAccessSize {
		return fmt.Errorf("invalid receiver count %d, %w", n, ErrInvalidParameter)
	}

	d.Receivers = make([]MemAccess, n)
	composite := -1

	for i := range d.Receivers {
		off := memTransactionSize + i*memAccessSize

		d.Receivers[i] = MemAccess{
			Receiver:    binary.LittleEndian.Uint16(buf[off:]),
			Permissions: buf[off+2],
			Flags:       buf[off+3],
		}

		c := int(binary.LittleEndian.Uint32(buf[off+4:]))

		if composite >= 0 && c != composite {
			return fmt.Errorf("multiple composite regions, %w", ErrInvalidParameter)
		}

		composite = c
	}

	// retrieve requests may omit the composite descriptor
	if composite == 0 {
		return nil
	}

	if composite < 0 || len(buf) < composite+compositeSize {
		return fmt.Errorf("invalid composite offset, %w", ErrInvalidParameter)
	}

	pages := binary.LittleEndian.Uint32(buf[composite:])
	ranges := binary.LittleEndian.Uint32(buf[composite+4:])

	if ranges != 1 {
		return fmt.Errorf("%d constituents, %w", ranges, ErrInvalidParameter)
	}

	off := composite + compositeSize

	if len(buf) < off+constituentSize {
		return fmt.Errorf("short constituent, %w", ErrInvalidParameter)
	}

	d.Region = MemRegion{
		Address:   binary.LittleEndian.Uint64(buf[off:]),
		PageCount: binary.LittleEndian.Uint32(buf[off+8:]),
	}

	if d.Region.PageCount != pages || pages == 0 {
		return fmt.Errorf("inconsistent page count, %w", ErrInvalidParameter)
	}

	return nil
}

// MemRelinquish represents an FF-A 1.0 memory relinquish descriptor.
type MemRelinquish struct {
	Handle    uint64
	Flags     uint32
	Endpoints []uint16
}

// MarshalBinary encodes the descriptor in its little endian wire format.
func (d *MemRelinquish) MarshalBinary() ([]byte, error) {
	buf := make([]byte, relinquishSize+2*len(d.Endpoints))

	binary.LittleEndian.PutUint64(buf[0:], d.Handle)
	binary.LittleEndian.PutUint32(buf[8:], d.Flags)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(d.Endpoints)))

	for i, id := range d.Endpoints {
		binary.LittleEndian.PutUint16(buf[relinquishSize+2*i:], id)
	}

	return buf, nil
}

// UnmarshalBinary decodes a descriptor from its little endian wire format.
func (d *MemRelinquish) UnmarshalBinary(buf []byte) error {
	if len(buf) < relinquishSize {
		return fmt.Errorf("short descriptor, %w", ErrInvalidParameter)
	}

	d.Handle = binary.LittleEndian.Uint64(buf[0:])
	d.Flags = binary.LittleEndian.Uint32(buf[8:])
	n := int(binary.LittleEndian.Uint32(buf[12:]))

	if n == 0 || len(buf) < relinquishSize+2*n {
		return fmt.Errorf("invalid endpoint count %d, %w", n, ErrInvalidParameter)
	}

	d.Endpoints = make([]uint16, n)

	for i := range d.Endpoints {
		d.Endpoints[i] = binary.LittleEndian.Uint16(buf[relinquishSize+2*i:])
	}

	return nil
}

// Partition properties
const (
	PropDirectMsgRecv = 1 << 0
	PropDirectMsgSend = 1 << 1
	PropIndirectMsg   = 1 << 2
)

// PartitionInfoSize is the encoded length of a partition information
// descriptor.
const PartitionInfoSize = 8

// PartitionInfo represents a PARTITION_INFO_GET descriptor.
type PartitionInfo struct {
	ID           uint16
	ExecCtxCount uint16
	Properties   uint32
}

// MarshalBinary encodes the descriptor in its little endian wire format.
func (p PartitionInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PartitionInfoSize)

	binary.LittleEndian.PutUint16(buf[0:], p.ID)
	binary.LittleEndian.PutUint16(buf[2:], p.ExecCtxCount)
	binary.LittleEndian.PutUint32(buf[4:], p.Properties)

	return buf, nil
}

// UnmarshalBinary decodes a descriptor from its little endian wire format.
func (p *PartitionInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) < PartitionInfoSize {
		return fmt.Errorf("short descriptor, %w", ErrInvalidParameter)
	}

	p.ID = binary.LittleEndian.Uint16(buf[0:])
	p.ExecCtxCount = binary.LittleEndian.Uint16(buf[2:])
	p.Properties = binary.LittleEndian.Uint32(buf[4:])

	return nil
}
