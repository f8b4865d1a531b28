// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ffa

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Version value layout
const (
	VersionMajorShift = 16
	VersionMajorMask  = 0x7fff
	VersionMinorShift = 0
	VersionMinorMask  = 0xffff

	// VersionReserved must be zero in any valid version value.
	VersionReserved = 31
)

// Implemented protocol version
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Version represents a packed FF-A version value.
type Version uint32

// CompiledVersion is the version implemented by this package.
var CompiledVersion = MakeVersion(VersionMajor, VersionMinor)

// MakeVersion packs a major and minor version, values are truncated to their
// field width.
func MakeVersion(major uint32, minor uint32) Version {
	var v uint32

	bits.SetN(&v, VersionMajorShift, VersionMajorMask, major&VersionMajorMask)
	bits.SetN(&v, VersionMinorShift, VersionMinorMask, minor&VersionMinorMask)

	return Version(v)
}

// Major returns the major version number.
func (v Version) Major() uint32 {
	return (uint32(v) >> VersionMajorShift) & VersionMajorMask
}

// Minor returns the minor version number.
func (v Version) Minor() uint32 {
	return (uint32(v) >> VersionMinorShift) & VersionMinorMask
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Negotiate validates a caller version against the compiled one. Different
// major versions, or values with the reserved bit set, are not supported while
// any minor version within the same major is accepted.
func Negotiate(requested uint32) (Version, error) {
	if bits.Get(&requested, VersionReserved, 1) == 1 {
		return 0, ErrNotSupported
	}

	if Version(requested).Major() != CompiledVersion.Major() {
		return 0, ErrNotSupported
	}

	return CompiledVersion, nil
}
