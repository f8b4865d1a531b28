// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ldelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/internal/elftest"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

var slot = mem.Slot(1)

type target struct {
	as   *uspace.AddressSpace
	bi   *bootinfo.BootInfo
	ctx  Context
	regs arch.Regs
}

func (t *target) ID() uint16                         { return 0x8001 }
func (t *target) AddressSpace() *uspace.AddressSpace { return t.as }
func (t *target) BootInfo() *bootinfo.BootInfo       { return t.bi }
func (t *target) Ldelf() *Context                    { return &t.ctx }
func (t *target) Enter() arch.Regs                   { return t.regs }
func (t *target) Leave(regs arch.Regs)               { t.regs = regs }

type session uint32

func (s session) ID() uint32 { return uint32(s) }

func newTarget(tb testing.TB, image []byte) *target {
	tb.Helper()

	l := bootinfo.Layout{
		MemBase:       slot,
		MemLimit:      slot + mem.SlotSize,
		ImageBase:     slot + mem.ImageOffset,
		ImageSize:     mem.ImageSize,
		StackBase:     slot + mem.StackOffset,
		PcpuStackSize: mem.PcpuStackSize,
		HeapBase:      slot + mem.HeapOffset,
		HeapSize:      mem.HeapSize,
		SharedBufBase: slot + mem.SharedOffset,
		SharedBufSize: mem.SharedSize,
	}

	bi, err := bootinfo.Build(l, image, []bootinfo.MpInfo{{Flags: bootinfo.FlagPrimaryCPU}})

	if err != nil {
		tb.Fatal(err)
	}

	t := &target{
		as: uspace.New(uspace.NewRAM(mem.PartitionStart, 2*mem.SlotSize)),
		bi: bi,
	}

	if err = t.as.Map(uspace.Mapping{Name: ImageName, VA: l.ImageBase, Size: l.ImageSize, Prot: uspace.ProtRead | uspace.ProtWrite}); err != nil {
		tb.Fatal(err)
	}

	if err = t.as.Write(l.ImageBase, image); err != nil {
		tb.Fatal(err)
	}

	t.ctx.Size = len(image)

	if err = Load(t); err != nil {
		tb.Fatal(err)
	}

	return t
}

func execImage() []byte {
	img := elftest.Image{
		Type:  elf.ET_EXEC,
		Entry: slot + 0x10,
		Segments: []elftest.Segment{
			{Vaddr: slot, Data: bytes.Repeat([]byte{0xd5}, 64), Flags: elf.PF_R | elf.PF_X},
			{Vaddr: slot + 0x1000, Data: []byte("data"), MemSize: 0x2000, Flags: elf.PF_R | elf.PF_W},
		},
	}

	return img.Bytes()
}

func dynImage() []byte {
	img := elftest.Image{
		Type:  elf.ET_DYN,
		Entry: 0x20,
		Segments: []elftest.Segment{
			{Vaddr: 0, Data: bytes.Repeat([]byte{0xd5}, 64), Flags: elf.PF_R | elf.PF_X},
			{Vaddr: 0x1000, Data: make([]byte, 16), Flags: elf.PF_R | elf.PF_W},
		},
		Relocs: []elftest.Reloc{
			{Offset: 0x1000, Addend: 0x20},
			{Offset: 0x1008, Addend: 0x1000},
		},
	}

	return img.Bytes()
}

func TestLoad(t *testing.T) {
	tg := newTarget(t, execImage())

	if tg.regs.PC != mem.LdelfBase {
		t.Errorf("PC %#x, want loader stub entry %#x", tg.regs.PC, mem.LdelfBase)
	}

	m, ok := tg.as.Lookup(mem.LdelfBase)

	if !ok || m.Name != StubName || m.Prot != uspace.ProtRead|uspace.ProtExec {
		t.Errorf("loader stub mapping %v", m)
	}

	// a second stub cannot be mapped
	if err := Load(tg); !errors.As(err, new(*LoadError)) {
		t.Errorf("second Load() = %v", err)
	}
}

func TestInitExec(t *testing.T) {
	tg := newTarget(t, execImage())

	if err := InitWithLdelf(session(7), tg); err != nil {
		t.Fatal(err)
	}

	want := arch.Regs{PC: slot + 0x10, SP: slot + mem.StackOffset + mem.PcpuStackSize}
	want.X[0] = slot + mem.SharedOffset

	if diff := cmp.Diff(want, tg.regs); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}

	wantMaps := []uspace.Mapping{
		{Name: "seg0", VA: slot, Size: 0x1000, Prot: uspace.ProtRead | uspace.ProtExec},
		{Name: "seg1", VA: slot + 0x1000, Size: 0x2000, Prot: uspace.ProtRead | uspace.ProtWrite},
	}

	if diff := cmp.Diff(wantMaps, tg.as.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	buf := make([]byte, 8)

	if err := tg.as.Read(slot+0x1000, buf); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, []byte("data\x00\x00\x00\x00")) {
		t.Errorf("data segment %q", buf)
	}

	if tg.ctx.Session() != 7 {
		t.Errorf("session %d, want 7", tg.ctx.Session())
	}
}

func TestInitDyn(t *testing.T) {
	tg := newTarget(t, dynImage())

	if err := InitWithLdelf(nil, tg); err != nil {
		t.Fatal(err)
	}

	if tg.regs.PC != slot+0x20 {
		t.Errorf("PC %#x, want %#x", tg.regs.PC, slot+0x20)
	}

	buf := make([]byte, 16)

	if err := tg.as.Read(slot+0x1000, buf); err != nil {
		t.Fatal(err)
	}

	got := []uint64{binary.LittleEndian.Uint64(buf), binary.LittleEndian.Uint64(buf[8:])}

	if diff := cmp.Diff([]uint64{slot + 0x20, slot + 0x1000}, got); diff != "" {
		t.Errorf("relocated values mismatch (-want +got):\n%s", diff)
	}
}

func TestInitCompressed(t *testing.T) {
	enc, err := zstd.NewWriter(nil)

	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()

	image := enc.EncodeAll(execImage(), nil)
	sum := blake3.Sum256(image)

	tg := newTarget(t, image)
	tg.ctx.Digest = sum[:]

	if err := InitWithLdelf(nil, tg); err != nil {
		t.Fatal(err)
	}

	if tg.regs.PC != slot+0x10 {
		t.Errorf("PC %#x, want %#x", tg.regs.PC, slot+0x10)
	}
}

func TestInitMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		img  elftest.Image
	}{
		{
			name: "writable and executable",
			img: elftest.Image{Type: elf.ET_EXEC, Entry: slot, Segments: []elftest.Segment{
				{Vaddr: slot, Data: []byte{1}, Flags: elf.PF_R | elf.PF_W | elf.PF_X},
			}},
		},
		{
			name: "outside image area",
			img: elftest.Image{Type: elf.ET_EXEC, Entry: 0x1000, Segments: []elftest.Segment{
				{Vaddr: 0x1000, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X},
			}},
		},
		{
			name: "entry not executable",
			img: elftest.Image{Type: elf.ET_EXEC, Entry: slot + 0x1000, Segments: []elftest.Segment{
				{Vaddr: slot, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X},
				{Vaddr: slot + 0x1000, Data: []byte{1}, Flags: elf.PF_R | elf.PF_W},
			}},
		},
		{
			name: "wrong machine",
			img: elftest.Image{Type: elf.ET_EXEC, Machine: elf.EM_X86_64, Entry: slot, Segments: []elftest.Segment{
				{Vaddr: slot, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X},
			}},
		},
		{
			name: "no segments",
			img:  elftest.Image{Type: elf.ET_EXEC, Entry: slot},
		},
		{
			name: "unsupported relocation",
			img: elftest.Image{Type: elf.ET_DYN, Segments: []elftest.Segment{
				{Vaddr: 0, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X},
				{Vaddr: 0x1000, Data: make([]byte, 8), Flags: elf.PF_R | elf.PF_W},
			}, Relocs: []elftest.Reloc{{Offset: 0x1000, Type: uint32(elf.R_AARCH64_ABS64)}}},
		},
		{
			name: "relocation outside image",
			img: elftest.Image{Type: elf.ET_DYN, Segments: []elftest.Segment{
				{Vaddr: 0, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X},
			}, Relocs: []elftest.Reloc{{Offset: 0x100000}}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTarget(t, tc.img.Bytes())
			err := InitWithLdelf(nil, tg)

			var le *LoadError

			if !errors.As(err, &le) || !errors.Is(err, ErrFormat) {
				t.Fatalf("InitWithLdelf() = %v, want load error", err)
			}

			if le.Partition != 0x8001 {
				t.Errorf("load error partition %#x", le.Partition)
			}

			if ffa.Code(err) != ffa.ErrInvalidParameter {
				t.Errorf("error code %v", ffa.Code(err))
			}

			if tg.regs.PC != mem.LdelfBase {
				t.Errorf("PC %#x moved on failure", tg.regs.PC)
			}
		})
	}
}

func TestInitGarbage(t *testing.T) {
	tg := newTarget(t, []byte("not an ELF image"))

	if err := InitWithLdelf(nil, tg); !errors.Is(err, ErrFormat) {
		t.Errorf("InitWithLdelf() = %v, want %v", err, ErrFormat)
	}
}

func TestInitDigest(t *testing.T) {
	tg := newTarget(t, execImage())
	tg.ctx.Digest = make([]byte, 32)

	if err := InitWithLdelf(nil, tg); !errors.Is(err, ErrDigest) {
		t.Errorf("InitWithLdelf() = %v, want %v", err, ErrDigest)
	}
}

func TestInitNotLoaded(t *testing.T) {
	tg := newTarget(t, execImage())

	if err := InitWithLdelf(nil, tg); err != nil {
		t.Fatal(err)
	}

	if err := InitWithLdelf(nil, tg); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("second InitWithLdelf() = %v, want %v", err, ErrNotLoaded)
	}
}

func TestDumpState(t *testing.T) {
	tg := newTarget(t, execImage())

	if err := InitWithLdelf(nil, tg); err != nil {
		t.Fatal(err)
	}

	s, err := DumpState(tg)

	if err != nil {
		t.Fatal(err)
	}

	if s.Entry != slot+0x10 || s.Regs.PC != s.Entry || len(s.Mappings) != 2 || len(s.Segments) != 2 {
		t.Errorf("unexpected state:\n%s", s)
	}

	// the snapshot is owned by the caller
	s.Mappings[0].Name = "changed"

	if m, _ := tg.as.Lookup(slot); m.Name != "seg0" {
		t.Errorf("snapshot aliases partition mappings")
	}
}

func TestDumpFtrace(t *testing.T) {
	tg := newTarget(t, execImage())

	tg.ctx.Trace.Record(ffa.DirectReq(0, 0x8001, 5), ffa.DirectResp(0x8001, 0, 10))
	tg.ctx.Trace.Record(ffa.Call(ffa.MSG_WAIT), ffa.DirectReq(0, 0x8001, 6))

	n, err := DumpFtrace(tg, nil)

	if !errors.Is(err, ErrShortBuffer) || n == 0 {
		t.Fatalf("DumpFtrace(nil) = %d, %v", n, err)
	}

	buf := make([]byte, n)

	if m, err := DumpFtrace(tg, buf[:n-1]); !errors.Is(err, ErrShortBuffer) || m != n {
		t.Errorf("DumpFtrace(short) = %d, %v", m, err)
	}

	m, err := DumpFtrace(tg, buf)

	if err != nil || m != n {
		t.Fatalf("DumpFtrace() = %d, %v", m, err)
	}

	for _, s := range []string{"FFA_MSG_SEND_DIRECT_REQ", "FFA_MSG_WAIT"} {
		if !strings.Contains(string(buf), s) {
			t.Errorf("trace does not contain %s:\n%s", s, buf)
		}
	}
}

func TestTraceRing(t *testing.T) {
	tr := NewTrace(2)

	for i := uint64(1); i <= 3; i++ {
		tr.Record(ffa.DirectReq(0, 0x8001, i), ffa.Args{})
	}

	var seq []uint64

	for _, e := range tr.Events() {
		seq = append(seq, e.Seq)
	}

	if diff := cmp.Diff([]uint64{2, 3}, seq); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
