// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bootinfo

import (
	"encoding/binary"
	"fmt"
)

// Parameter header types
const (
	EntryPoint        = 0x01
	ImageBinary       = 0x02
	FirmwareHandoff   = 0x03
	LoadInfo          = 0x04
	BootParams        = 0x05
	LibraryArgs       = 0x06
	PartitionBootInfo = 0x07
)

// Parameter header versions
const (
	Version1 = 0x01
	Version2 = 0x02
)

// HeaderSize is the encoded length of a parameter header.
const HeaderSize = 8

// Header represents a boot parameter header (sp_param_header).
type Header struct {
	Type    uint8
	Version uint8
	Size    uint16
	Attr    uint32
}

// Validate checks that the header describes a registered type and version
// pair and that its size matches the payload it tags.
func (h Header) Validate(size int) error {
	if h.Type < EntryPoint || h.Type > PartitionBootInfo {
		return fmt.Errorf("header type %#x, %w", h.Type, ErrInvalidBootInfo)
	}

	if h.Version != Version1 && h.Version != Version2 {
		return fmt.Errorf("header version %#x, %w", h.Version, ErrInvalidBootInfo)
	}

	if int(h.Size) != size {
		return fmt.Errorf("header size %d, expected %d, %w", h.Size, size, ErrInvalidBootInfo)
	}

	return nil
}

func (h Header) put(buf []byte) {
	buf[0] = h.Type
	buf[1] = h.Version
	binary.LittleEndian.PutUint16(buf[2:], h.Size)
	binary.LittleEndian.PutUint32(buf[4:], h.Attr)
}

func parseHeader(buf []byte) (h Header) {
	h.Type = buf[0]
	h.Version = buf[1]
	h.Size = binary.LittleEndian.Uint16(buf[2:])
	h.Attr = binary.LittleEndian.Uint32(buf[4:])
	return
}
