// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package manifest parses secure partition manifests.
//
// A manifest is a TOML document describing a partition image and its
// placement:
//
//	name = "echo"
//	uuid = "0f2a4b80-2fd8-4a7f-9ab2-6a8e0e4f0c11"
//	image = "sp_echo.elf"
//	digest = "<hex encoded BLAKE3-256 image digest>"
//	slot = 1
//	cpus = [0x80000000]
//	properties = ["direct-recv", "direct-send"]
//
//	[memory]
//	heap_size = 0x100000
//
// Omitted fields take the defaults of the memory layout defined in package
// mem.
package manifest

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/spm"
)

// Properties maps manifest property names to partition properties.
var Properties = map[string]uint32{
	"direct-recv": ffa.PropDirectMsgRecv,
	"direct-send": ffa.PropDirectMsgSend,
	"indirect":    ffa.PropIndirectMsg,
}

type memoryConfig struct {
	StackSize uint64 `toml:"stack_size"`
	HeapSize  uint64 `toml:"heap_size"`
}

type fileConfig struct {
	Name       string       `toml:"name"`
	UUID       string       `toml:"uuid"`
	Image      string       `toml:"image"`
	Digest     string       `toml:"digest"`
	Slot       int          `toml:"slot"`
	CPUs       []uint64     `toml:"cpus"`
	Properties []string     `toml:"properties"`
	Memory     memoryConfig `toml:"memory"`
}

// Partition represents a validated partition manifest.
type Partition struct {
	Name       string
	UUID       uuid.UUID
	Properties uint32

	// Image is the path of the partition ELF image.
	Image string
	// Digest is the optional BLAKE3-256 image digest.
	Digest []byte

	Slot   int
	Layout bootinfo.Layout
	CPUs   []bootinfo.MpInfo
}

// DefaultLayout returns the memory layout of a partition slot.
func DefaultLayout(slot int) bootinfo.Layout {
	base := mem.Slot(slot)

	return bootinfo.Layout{
		MemBase:       base,
		MemLimit:      base + mem.SlotSize,
		ImageBase:     base + mem.ImageOffset,
		ImageSize:     mem.ImageSize,
		StackBase:     base + mem.StackOffset,
		PcpuStackSize: mem.PcpuStackSize,
		HeapBase:      base + mem.HeapOffset,
		HeapSize:      mem.HeapSize,
		SharedBufBase: base + mem.SharedOffset,
		SharedBufSize: mem.SharedSize,
		NSCommBufBase: mem.NSCommBuf(slot),
		NSCommBufSize: mem.NSCommBufSlotSize,
	}
}

// Load reads and validates the manifest at path, relative image paths are
// resolved against the manifest directory.
func Load(path string) (p *Partition, err error) {
	f, err := os.Open(path)

	if err != nil {
		return
	}
	defer f.Close()

	if p, err = Decode(f); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	if p.Image != "" && !filepath.IsAbs(p.Image) {
		p.Image = filepath.Join(filepath.Dir(path), p.Image)
	}

	return
}

// Decode parses and validates a manifest.
func Decode(r io.Reader) (p *Partition, err error) {
	var raw fileConfig

	meta, err := toml.NewDecoder(r).Decode(&raw)

	if err != nil {
		return nil, fmt.Errorf("invalid manifest, %v", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		var keys []string

		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("unknown keys %s", strings.Join(keys, ", "))
	}

	p = &Partition{
		Name:  strings.TrimSpace(raw.Name),
		Image: raw.Image,
		Slot:  raw.Slot,
	}

	if p.Name == "" {
		return nil, fmt.Errorf("missing name")
	}

	if p.Slot < 1 || p.Slot > mem.MaxSlots {
		return nil, fmt.Errorf("slot %d outside 1-%d", p.Slot, mem.MaxSlots)
	}

	if !meta.IsDefined("uuid") {
		p.UUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.Name))
	} else if p.UUID, err = uuid.Parse(raw.UUID); err != nil {
		return nil, fmt.Errorf("invalid uuid, %v", err)
	}

	if meta.IsDefined("digest") {
		if p.Digest, err = hex.DecodeString(raw.Digest); err != nil || len(p.Digest) != blake3.New().Size() {
			return nil, fmt.Errorf("invalid digest %q", raw.Digest)
		}
	}

	if !meta.IsDefined("properties") {
		p.Properties = spm.DefaultProperties
	}

	for _, name := range raw.Properties {
		prop, ok := Properties[name]

		if !ok {
			return nil, fmt.Errorf("unknown property %q", name)
		}

		p.Properties |= prop
	}

	if p.Properties&ffa.PropDirectMsgRecv == 0 {
		return nil, fmt.Errorf("partitions must receive direct messages")
	}

	cpus := raw.CPUs

	if len(cpus) == 0 {
		cpus = []uint64{0}
	}

	for i, mpidr := range cpus {
		cpu := bootinfo.MpInfo{
			MPIDR:    mpidr,
			LinearID: uint32(i),
		}

		if i == 0 {
			cpu.Flags = bootinfo.FlagPrimaryCPU
		}

		p.CPUs = append(p.CPUs, cpu)
	}

	p.Layout = DefaultLayout(p.Slot)

	if meta.IsDefined("memory", "stack_size") {
		p.Layout.PcpuStackSize = raw.Memory.StackSize
	}

	if meta.IsDefined("memory", "heap_size") {
		p.Layout.HeapSize = raw.Memory.HeapSize
	}

	for _, size := range []uint64{p.Layout.PcpuStackSize, p.Layout.HeapSize} {
		if size%ffa.PageSize != 0 {
			return nil, fmt.Errorf("size %#x not page aligned", size)
		}
	}

	if _, err = p.Layout.Validate(len(p.CPUs)); err != nil {
		return nil, err
	}

	return
}

// ReadImage returns the partition image, verifying its digest when declared.
func (p *Partition) ReadImage() (image []byte, err error) {
	if p.Image == "" {
		return nil, fmt.Errorf("%s: no image", p.Name)
	}

	if image, err = os.ReadFile(p.Image); err != nil {
		return
	}

	if len(p.Digest) > 0 {
		if sum := blake3.Sum256(image); !bytes.Equal(sum[:], p.Digest) {
			return nil, fmt.Errorf("%s: image digest mismatch", p.Name)
		}
	}

	return
}

// BootInfo builds the partition boot information for the given image.
func (p *Partition) BootInfo(image []byte) (*bootinfo.BootInfo, error) {
	return bootinfo.Build(p.Layout, image, p.CPUs)
}

// Config returns the partition manager options of the partition.
func (p *Partition) Config(x spm.Executor) spm.PartitionConfig {
	return spm.PartitionConfig{
		Name:       p.Name,
		UUID:       p.UUID,
		Properties: p.Properties,
		Digest:     p.Digest,
		Executor:   x,
	}
}

// PropertyNames returns the manifest names of a set of partition properties.
func PropertyNames(props uint32) (names []string) {
	for name, prop := range Properties {
		if props&prop != 0 {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return
}
