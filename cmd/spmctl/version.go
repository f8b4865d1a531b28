// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/spm"
)

// Revision is set at link time.
var Revision = "unknown"

// Version implements subcommands.Command for the "version" command.
type Version struct{}

// Name implements subcommands.Command.Name.
func (*Version) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Version) Synopsis() string {
	return "print version information"
}

// Usage implements subcommands.Command.Usage.
func (*Version) Usage() string {
	return "version\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Version) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Version) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	fmt.Printf("spmctl revision %s\n", Revision)
	fmt.Printf("FF-A version %s\n", ffa.CompiledVersion)
	fmt.Printf("partition manager version %s\n", spm.SPVersion)

	return subcommands.ExitSuccess
}
