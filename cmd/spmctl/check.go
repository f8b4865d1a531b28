// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/google/uuid"

	"github.com/usbarmory/GoTEE-spm/manifest"
	"github.com/usbarmory/GoTEE-spm/sp"
	"github.com/usbarmory/GoTEE-spm/spm"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate partition manifests and images"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check <manifest>... - validate partition manifests, their images and their
placement against each other.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// check validates a set of manifests, returning the loaded partitions. Each
// image is loaded on a host partition manager, without being executed.
func check(paths []string) (all []*manifest.Partition, errs []error) {
	uuids := make(map[uuid.UUID]string)

	s, _, err := newHost(nil)

	if err != nil {
		return nil, []error{err}
	}

	for _, path := range paths {
		p, err := manifest.Load(path)

		if err != nil {
			errs = append(errs, err)
			continue
		}

		if other, ok := uuids[p.UUID]; ok {
			errs = append(errs, fmt.Errorf("%s: uuid %s already used by %s", path, p.UUID, other))
			continue
		}

		part, _, err := create(s, p, func(*sp.Env) {})

		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", path, err))
			continue
		}

		if err = s.Load(part); err == nil {
			err = s.Init(&spm.Standard{}, part)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", path, err))
			continue
		}

		uuids[p.UUID] = path
		all = append(all, p)
	}

	return
}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	all, errs := check(f.Args())

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUUID\tSLOT\tCPUS\tPROPERTIES")

	for _, p := range all {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", p.Name, p.UUID, p.Slot, len(p.CPUs), strings.Join(manifest.PropertyNames(p.Properties), ","))
	}

	w.Flush()

	for _, err := range errs {
		fmt.Fprintln(os.Stderr, err)
	}

	if len(errs) > 0 {
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}
