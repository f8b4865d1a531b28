// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ldelf implements the secure partition ELF loader bridge.
//
// A partition is bootstrapped in two phases: the loader stub is first mapped
// at a fixed entry point of the partition address space (Load), it then maps
// and relocates the partition image before handing over control to the image
// entry point (InitWithLdelf).
package ldelf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// Mapping names
const (
	StubName  = "ldelf"
	ImageName = "image"
)

// Loader errors
var (
	ErrNotLoaded   = errors.New("loader stub not loaded")
	ErrFormat      = fmt.Errorf("invalid ELF image, %w", ffa.ErrInvalidParameter)
	ErrDigest      = fmt.Errorf("image digest mismatch, %w", ffa.ErrDenied)
	ErrShortBuffer = fmt.Errorf("short buffer, %w", ffa.ErrNoMemory)
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Session represents the client session on whose behalf a partition is
// loaded.
type Session interface {
	ID() uint32
}

// Target represents a partition context being loaded.
type Target interface {
	ID() uint16
	AddressSpace() *uspace.AddressSpace
	BootInfo() *bootinfo.BootInfo
	Ldelf() *Context
	// Enter returns the partition register file.
	Enter() arch.Regs
	// Leave commits the partition register file.
	Leave(arch.Regs)
}

// LoadError represents a terminal partition load failure.
type LoadError struct {
	Partition uint16
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("partition %#x load error, %v", e.Partition, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Segment represents a loaded image segment.
type Segment struct {
	VA    uint64
	Size  uint64
	Prot  uspace.Prot
	Flags elf.ProgFlag
}

// Context holds the loader state of a partition.
type Context struct {
	// Size is the raw image length, as stored in the image area
	Size int
	// Digest is the optional BLAKE3-256 digest of the raw image
	Digest []byte
	// Trace records partition calls
	Trace *Trace
	// Log is the optional logger, when nil logrus.StandardLogger is used
	Log logrus.FieldLogger

	stub     bool
	session  uint32
	entry    uint64
	bias     uint64
	image    []byte
	segments []Segment
}

func (c *Context) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}

	return c.Log
}

// Session returns the id of the session which initialized the partition.
func (c *Context) Session() uint32 {
	return c.session
}

// Entry returns the image entry point, valid after initialization.
func (c *Context) Entry() uint64 {
	return c.entry
}

// Segments returns the loaded image segments.
func (c *Context) Segments() []Segment {
	return append([]Segment{}, c.segments...)
}

// Load maps the loader stub at its fixed entry point within the partition
// address space, the next partition run executes the stub.
func Load(t Target) (err error) {
	c := t.Ldelf()
	as := t.AddressSpace()
	bi := t.BootInfo()

	stub := uspace.Mapping{
		Name: StubName,
		VA:   mem.LdelfBase,
		Size: mem.LdelfSize,
		Prot: uspace.ProtRead | uspace.ProtExec,
	}

	if err = as.Map(stub); err != nil {
		return &LoadError{t.ID(), fmt.Errorf("could not map loader stub, %w", err)}
	}

	regs := t.Enter()
	regs.PC = mem.LdelfBase
	regs.SP = bi.StackTop(bi.Primary().LinearID)
	regs.X[0] = bi.SharedBufBase
	t.Leave(regs)

	c.stub = true

	if c.Trace == nil {
		c.Trace = NewTrace(DefaultTraceSize)
	}

	c.log().WithField("partition", fmt.Sprintf("%#x", t.ID())).Debugf("SPMC loaded ldelf addr:%#x size:%#x", stub.VA, stub.Size)

	return
}

// InitWithLdelf runs the loader stub, which maps the partition image
// segments and applies its relocations, transferring control to the image
// entry point. On success the partition registers hold PC = entry, SP = stack
// top of the primary CPU and x0 = boot information address.
//
// Any returned error is a *LoadError and leaves the partition unusable.
func InitWithLdelf(sess Session, t Target) (err error) {
	if err = initWithLdelf(t); err != nil {
		return &LoadError{t.ID(), err}
	}

	c := t.Ldelf()

	if sess != nil {
		c.session = sess.ID()
	}

	c.log().WithField("partition", fmt.Sprintf("%#x", t.ID())).Infof("SPMC loaded partition entry:%#x segments:%d session:%d", c.entry, len(c.segments), c.session)

	return
}

func initWithLdelf(t Target) (err error) {
	c := t.Ldelf()
	as := t.AddressSpace()
	bi := t.BootInfo()
	regs := t.Enter()

	if !c.stub || regs.PC != mem.LdelfBase {
		return ErrNotLoaded
	}

	if c.Size <= 0 || uint64(c.Size) > bi.ImageSize {
		return fmt.Errorf("image size %d, %w", c.Size, ErrFormat)
	}

	raw := make([]byte, c.Size)

	if err = as.Read(bi.ImageBase, raw); err != nil {
		return fmt.Errorf("could not read image, %w", err)
	}

	if len(c.Digest) > 0 {
		if sum := blake3.Sum256(raw); !bytes.Equal(sum[:], c.Digest) {
			return ErrDigest
		}
	}

	if bytes.HasPrefix(raw, zstdMagic) {
		if raw, err = decompress(raw, bi.ImageSize); err != nil {
			return
		}
	}

	// the image area is reused for the loaded segments
	as.UnmapRange(bi.ImageBase, bi.ImageSize)

	if err = as.RAM().Zero(bi.ImageBase, bi.ImageSize); err != nil {
		return
	}

	if err = c.load(as, bi, raw); err != nil {
		return
	}

	if err = as.Unmap(mem.LdelfBase); err != nil {
		return
	}

	c.stub = false
	c.image = raw

	regs.PC = c.entry
	regs.SP = bi.StackTop(bi.Primary().LinearID)
	regs.X[0] = bi.SharedBufBase
	t.Leave(regs)

	return
}

func decompress(raw []byte, limit uint64) (buf []byte, err error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))

	if err != nil {
		return
	}
	defer dec.Close()

	if buf, err = dec.DecodeAll(raw, nil); err != nil {
		return nil, fmt.Errorf("could not decompress image, %v, %w", err, ErrFormat)
	}

	return
}

func protection(flags elf.ProgFlag) (prot uspace.Prot) {
	if flags&elf.PF_R != 0 {
		prot |= uspace.ProtRead
	}

	if flags&elf.PF_W != 0 {
		prot |= uspace.ProtWrite
	}

	if flags&elf.PF_X != 0 {
		prot |= uspace.ProtExec
	}

	return
}

func (c *Context) load(as *uspace.AddressSpace, bi *bootinfo.BootInfo, raw []byte) (err error) {
	f, err := elf.NewFile(bytes.NewReader(raw))

	if err != nil {
		return fmt.Errorf("%v, %w", err, ErrFormat)
	}

	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_AARCH64:
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_ARM && f.Type == elf.ET_EXEC:
	default:
		return fmt.Errorf("unsupported %s %s, %w", f.Class, f.Machine, ErrFormat)
	}

	switch f.Type {
	case elf.ET_EXEC:
		c.bias = 0
	case elf.ET_DYN:
		c.bias = bi.ImageBase
	default:
		return fmt.Errorf("unsupported type %s, %w", f.Type, ErrFormat)
	}

	start := bi.ImageBase
	end := bi.ImageBase + bi.ImageSize

	c.segments = nil

	var dynamic *elf.Prog

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_DYNAMIC:
			dynamic = prog
			continue
		case elf.PT_LOAD:
		default:
			continue
		}

		if prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return fmt.Errorf("segment %#x file size exceeds memory size, %w", prog.Vaddr, ErrFormat)
		}

		if prog.Flags&elf.PF_W != 0 && prog.Flags&elf.PF_X != 0 {
			return fmt.Errorf("writable and executable segment %#x, %w", prog.Vaddr, ErrFormat)
		}

		va := prog.Vaddr + c.bias
		base := va &^ (uspace.PageSize - 1)
		size := (va + prog.Memsz - base + uspace.PageSize - 1) &^ (uspace.PageSize - 1)

		if va < prog.Vaddr || base < start || base+size > end || base+size < base {
			return fmt.Errorf("segment %#x-%#x outside image area, %w", va, va+prog.Memsz, ErrFormat)
		}

		m := uspace.Mapping{
			Name: fmt.Sprintf("seg%d", len(c.segments)),
			VA:   base,
			Size: size,
			Prot: protection(prog.Flags),
		}

		if err = as.Map(m); err != nil {
			return fmt.Errorf("could not map segment %#x, %v, %w", va, err, ErrFormat)
		}

		data := make([]byte, prog.Filesz)

		if _, err = prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("could not read segment %#x, %v, %w", va, err, ErrFormat)
		}

		if err = as.RAM().Write(va, data); err != nil {
			return
		}

		c.segments = append(c.segments, Segment{
			VA:    va,
			Size:  prog.Memsz,
			Prot:  m.Prot,
			Flags: prog.Flags,
		})
	}

	if len(c.segments) == 0 {
		return fmt.Errorf("no loadable segments, %w", ErrFormat)
	}

	if dynamic != nil {
		if f.Type != elf.ET_DYN {
			return fmt.Errorf("dynamic section in static image, %w", ErrFormat)
		}

		if err = c.relocate(as, dynamic.Vaddr+c.bias, dynamic.Memsz); err != nil {
			return
		}
	}

	c.entry = f.Entry + c.bias

	if err = as.Check(c.entry, 4, uspace.ProtExec); err != nil {
		return fmt.Errorf("entry point %#x not executable, %w", c.entry, ErrFormat)
	}

	return
}
