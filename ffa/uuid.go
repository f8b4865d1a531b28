// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ffa

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UUIDArgs returns a PARTITION_INFO_GET call for the given partition UUID,
// each w1-w4 register holds four UUID bytes in big endian order.
func UUIDArgs(u uuid.UUID) (a Args) {
	a[0] = uint64(PARTITION_INFO_GET)

	for i := 0; i < 4; i++ {
		a[1+i] = uint64(binary.BigEndian.Uint32(u[i*4:]))
	}

	return
}

// UUID returns the UUID held in w1-w4.
func (a Args) UUID() (u uuid.UUID) {
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint32(u[i*4:], uint32(a[1+i]))
	}

	return
}
