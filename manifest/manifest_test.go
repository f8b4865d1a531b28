// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package manifest

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/spm"
)

const echo = `
name = "echo"
uuid = "0f2a4b80-2fd8-4a7f-9ab2-6a8e0e4f0c11"
image = "echo.elf"
slot = 2
cpus = [0x80000000, 0x80000001]
properties = ["direct-recv", "indirect"]

[memory]
heap_size = 0x100000
`

func TestDecode(t *testing.T) {
	p, err := Decode(strings.NewReader(echo))

	if err != nil {
		t.Fatal(err)
	}

	l := DefaultLayout(2)
	l.HeapSize = 0x100000

	want := &Partition{
		Name:       "echo",
		UUID:       uuid.MustParse("0f2a4b80-2fd8-4a7f-9ab2-6a8e0e4f0c11"),
		Properties: ffa.PropDirectMsgRecv | ffa.PropIndirectMsg,
		Image:      "echo.elf",
		Slot:       2,
		Layout:     l,
		CPUs: []bootinfo.MpInfo{
			{MPIDR: 0x80000000, LinearID: 0, Flags: bootinfo.FlagPrimaryCPU},
			{MPIDR: 0x80000001, LinearID: 1},
		},
	}

	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"direct-recv", "indirect"}, PropertyNames(p.Properties)); diff != "" {
		t.Errorf("property names (-want +got):\n%s", diff)
	}
}

func TestDefaults(t *testing.T) {
	p, err := Decode(strings.NewReader("name = \"min\"\nslot = 1\n"))

	if err != nil {
		t.Fatal(err)
	}

	if p.UUID != uuid.NewSHA1(uuid.NameSpaceOID, []byte("min")) {
		t.Errorf("uuid %s", p.UUID)
	}

	if p.Properties != spm.DefaultProperties {
		t.Errorf("properties %#x", p.Properties)
	}

	if p.Layout.MemBase != mem.Slot(1) || p.Layout.NSCommBufBase != mem.NSCommBuf(1) {
		t.Errorf("layout %+v", p.Layout)
	}

	if len(p.CPUs) != 1 || p.CPUs[0].Flags != bootinfo.FlagPrimaryCPU {
		t.Errorf("cpus %+v", p.CPUs)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"syntax", `name = `},
		{"unknown key", "name = \"a\"\nslot = 1\ncolor = 1\n"},
		{"no name", "slot = 1\n"},
		{"slot zero", "name = \"a\"\n"},
		{"slot range", "name = \"a\"\nslot = 16\n"},
		{"uuid", "name = \"a\"\nslot = 1\nuuid = \"nope\"\n"},
		{"digest", "name = \"a\"\nslot = 1\ndigest = \"abcd\"\n"},
		{"property", "name = \"a\"\nslot = 1\nproperties = [\"broadcast\"]\n"},
		{"no direct receive", "name = \"a\"\nslot = 1\nproperties = [\"direct-send\"]\n"},
		{"unaligned heap", "name = \"a\"\nslot = 1\n[memory]\nheap_size = 0x1001\n"},
		{"heap overflow", "name = \"a\"\nslot = 1\n[memory]\nheap_size = 0x400000\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.doc)); err == nil {
				t.Errorf("Decode() succeeded")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	image := []byte("\x7fELF image")
	sum := blake3.Sum256(image)

	if err := os.WriteFile(filepath.Join(dir, "echo.elf"), image, 0600); err != nil {
		t.Fatal(err)
	}

	doc := echo + "\n"
	doc = strings.Replace(doc, "slot = 2", "slot = 2\ndigest = \""+hex.EncodeToString(sum[:])+"\"", 1)
	path := filepath.Join(dir, "echo.toml")

	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)

	if err != nil {
		t.Fatal(err)
	}

	if p.Image != filepath.Join(dir, "echo.elf") {
		t.Errorf("image path %s", p.Image)
	}

	buf, err := p.ReadImage()

	if err != nil {
		t.Fatal(err)
	}

	bi, err := p.BootInfo(buf)

	if err != nil {
		t.Fatal(err)
	}

	if bi.NumCPUs != 2 || bi.HeapSize != 0x100000 {
		t.Errorf("boot info %+v", bi)
	}

	conf := p.Config(nil)

	if conf.Name != "echo" || conf.UUID != p.UUID || len(conf.Digest) != 32 {
		t.Errorf("config %+v", conf)
	}

	if err = os.WriteFile(p.Image, []byte("tampered"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err = p.ReadImage(); err == nil {
		t.Errorf("tampered image accepted")
	}
}
