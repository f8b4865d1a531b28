// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package svc defines the platform specific services offered by the partition
// manager to secure partitions, through direct requests addressed to the
// manager endpoint.
//
// The service id is carried in w3 and its arguments in w4-w6, the response
// carries the service status in w3 and its result in w4.
package svc

import (
	"fmt"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// Service identifiers
const (
	// MemAttributesGet64 returns the attributes of the page at x4.
	MemAttributesGet64 = 0xC4000064
	// MemAttributesSet64 sets the attributes (x6) of x5 pages at x4.
	MemAttributesSet64 = 0xC4000065
	// RPMBRead reads x5 bytes at device offset x6 into buffer x4.
	RPMBRead = 0xC4000066
	// RPMBWrite writes x5 bytes from buffer x4 at device offset x6.
	RPMBWrite = 0xC4000067
)

// Status represents a service return code.
type Status int32

// Service return codes
const (
	Success          Status = 0
	NotSupported     Status = -1
	InvalidParameter Status = -2
	Denied           Status = -3
	NoMemory         Status = -5
)

// FromError converts an error to its service status.
func FromError(err error) Status {
	if err == nil {
		return Success
	}

	switch ffa.Code(err) {
	case ffa.ErrNotSupported:
		return NotSupported
	case ffa.ErrInvalidParameter:
		return InvalidParameter
	case ffa.ErrNoMemory:
		return NoMemory
	default:
		return Denied
	}
}

// Err converts a service status to its FF-A error.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case NotSupported:
		return ffa.ErrNotSupported
	case InvalidParameter:
		return ffa.ErrInvalidParameter
	case NoMemory:
		return ffa.ErrNoMemory
	case Denied:
		return ffa.ErrDenied
	default:
		return fmt.Errorf("service status %d, %w", int32(s), ffa.ErrDenied)
	}
}

// Name returns the service name.
func Name(id uint32) string {
	switch id {
	case MemAttributesGet64:
		return "MEMORY_ATTRIBUTES_GET_64"
	case MemAttributesSet64:
		return "MEMORY_ATTRIBUTES_SET_64"
	case RPMBRead:
		return "RPMB_READ"
	case RPMBWrite:
		return "RPMB_WRITE"
	default:
		return fmt.Sprintf("SVC(%#x)", id)
	}
}
