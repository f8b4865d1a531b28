// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package memshare

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// Attrs represents partition memory attributes (SP_MEM_ATTR).
type Attrs uint8

// Memory attribute fields
const (
	AccessMask Attrs = 0x3

	AccessNone Attrs = 0
	AccessRW   Attrs = 1
	AccessRO   Attrs = 3

	// ExecNever is the execute-never bit position.
	ExecNever = 2
)

// Common attribute sets
const (
	RW   = AccessRW | 1<<ExecNever
	RO   = AccessRO | 1<<ExecNever
	RX   = AccessRO
	None = AccessNone | 1<<ExecNever
)

// Access returns the access field.
func (a Attrs) Access() Attrs {
	return a & AccessMask
}

// Readable returns whether the attributes grant read access.
func (a Attrs) Readable() bool {
	return a.Access() == AccessRW || a.Access() == AccessRO
}

// Writable returns whether the attributes grant write access.
func (a Attrs) Writable() bool {
	return a.Access() == AccessRW
}

// Executable returns whether the attributes grant execute access.
func (a Attrs) Executable() bool {
	v := uint32(a)
	return bits.Get(&v, ExecNever, 1) == 0
}

// Validate checks the attribute encoding, execute access without any data
// access is rejected.
func (a Attrs) Validate() error {
	if a&^(AccessMask|1<<ExecNever) != 0 || a.Access() == 2 {
		return fmt.Errorf("attributes %#x, %w", uint8(a), ffa.ErrInvalidParameter)
	}

	if a.Access() == AccessNone && a.Executable() {
		return fmt.Errorf("executable region without access, %w", ffa.ErrInvalidParameter)
	}

	return nil
}

// SubsetOf returns whether every access granted by a is also granted by b.
func (a Attrs) SubsetOf(b Attrs) bool {
	if a.Writable() && !b.Writable() {
		return false
	}

	if a.Readable() && !b.Readable() {
		return false
	}

	if a.Executable() && !b.Executable() {
		return false
	}

	return true
}

// ReadOnly returns the attributes with write access dropped.
func (a Attrs) ReadOnly() Attrs {
	if a.Writable() {
		return (a &^ AccessMask) | AccessRO
	}

	return a
}

func (a Attrs) String() string {
	s := []byte("---")

	if a.Readable() {
		s[0] = 'r'
	}

	if a.Writable() {
		s[1] = 'w'
	}

	if a.Executable() && a.Access() != AccessNone {
		s[2] = 'x'
	}

	return string(s)
}

// FromPermissions converts an FF-A memory access permission byte.
func FromPermissions(perm uint8) (a Attrs, err error) {
	acc := ffa.MemAccess{Permissions: perm}

	switch acc.DataAccess() {
	case ffa.DataAccessRO:
		a = AccessRO
	case ffa.DataAccessRW:
		a = AccessRW
	default:
		return 0, fmt.Errorf("data access %d, %w", acc.DataAccess(), ffa.ErrInvalidParameter)
	}

	switch acc.InstAccess() {
	case ffa.InstAccessX:
	case ffa.InstAccessNX, ffa.InstAccessNotSpecified:
		a |= 1 << ExecNever
	default:
		return 0, fmt.Errorf("instruction access %d, %w", acc.InstAccess(), ffa.ErrInvalidParameter)
	}

	return
}

// Permissions converts the attributes to an FF-A memory access permission
// byte.
func (a Attrs) Permissions() uint8 {
	var data uint8
	inst := uint8(ffa.InstAccessNX)

	switch {
	case a.Writable():
		data = ffa.DataAccessRW
	case a.Readable():
		data = ffa.DataAccessRO
	}

	if a.Executable() {
		inst = ffa.InstAccessX
	}

	return ffa.Permissions(data, inst)
}
