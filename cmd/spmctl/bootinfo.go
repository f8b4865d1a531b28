// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoTEE-spm/manifest"
)

// BootInfo implements subcommands.Command for the "bootinfo" command.
type BootInfo struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*BootInfo) Name() string {
	return "bootinfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*BootInfo) Synopsis() string {
	return "encode the boot information of a partition"
}

// Usage implements subcommands.Command.Usage.
func (*BootInfo) Usage() string {
	return `bootinfo [-o file] <manifest> - encode the boot information of a partition, as
placed at the base of its shared buffer. Without -o a hex dump is printed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *BootInfo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.output, "o", "", "write the raw encoding to this file")
}

// Execute implements subcommands.Command.Execute.
func (b *BootInfo) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	p, err := manifest.Load(f.Arg(0))

	if err != nil {
		Fatalf("%v", err)
	}

	image, err := p.ReadImage()

	if err != nil {
		Fatalf("%v", err)
	}

	bi, err := p.BootInfo(image)

	if err != nil {
		Fatalf("%s: %v", p.Name, err)
	}

	buf, err := bi.MarshalBinary()

	if err != nil {
		Fatalf("%s: %v", p.Name, err)
	}

	if b.output != "" {
		if err = os.WriteFile(b.output, buf, 0644); err != nil {
			Fatalf("%v", err)
		}

		return subcommands.ExitSuccess
	}

	fmt.Printf("%s %s at %#x (%d bytes)\n", p.Name, p.UUID, bi.SharedBufBase, len(buf))
	fmt.Print(hex.Dump(buf))

	return subcommands.ExitSuccess
}
