// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/driver"
	"github.com/usbarmory/GoTEE-spm/manifest"
	"github.com/usbarmory/GoTEE-spm/sp"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	rpmb       string
	interrupts int
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a partition on the host and send it direct requests"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <manifest> [value...] - load the manifest image on a host
partition manager, executing a built-in partition doubling each request value,
and send one direct request per value from the normal world. Each response
also reports the number of requests served, as persisted in RPMB.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.rpmb, "rpmb", "", "RPMB database path, in memory when empty")
	f.IntVar(&r.interrupts, "interrupts", 0, "simulated interruptions before each request")
	f.DurationVar(&r.timeout, "timeout", 10*time.Second, "request timeout")
}

// doubler returns a partition serving direct requests by doubling each
// payload word. The number of requests served is kept at the start of the
// RPMB partition, through the heap page at address buf, and returned in the
// last response word.
func doubler(buf uint64) sp.Main {
	return func(env *sp.Env) {
		sp.Serve(env, func(src uint16, req [5]uint64) (res [5]uint64) {
			for i := range req[:4] {
				res[i] = req[i] * 2
			}

			count := make([]byte, 8)

			if err := env.RPMBRead(buf, 8, 0); err != nil {
				return
			}

			if err := env.Memory.Read(buf, count); err != nil {
				return
			}

			res[4] = binary.LittleEndian.Uint64(count) + 1
			binary.LittleEndian.PutUint64(count, res[4])

			if err := env.Memory.Write(buf, count); err != nil {
				return
			}

			env.RPMBWrite(buf, 8, 0)

			return
		})
	}
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var values []uint64

	for _, arg := range f.Args()[1:] {
		v, err := strconv.ParseUint(arg, 0, 64)

		if err != nil {
			Fatalf("invalid value %q, %v", arg, err)
		}

		values = append(values, v)
	}

	p, err := manifest.Load(f.Arg(0))

	if err != nil {
		Fatalf("%v", err)
	}

	var rpmb blockstore.Device = blockstore.NewMemory(blockstore.DefaultSize)

	if r.rpmb != "" {
		dev, err := blockstore.Open(blockstore.DefaultConfig(r.rpmb))

		if err != nil {
			Fatalf("%v", err)
		}
		defer dev.Close()

		rpmb = dev
	}

	s, _, err := newHost(rpmb)

	if err != nil {
		Fatalf("%v", err)
	}

	part, x, err := create(s, p, doubler(p.Layout.HeapBase))

	if err != nil {
		Fatalf("%s: %v", p.Name, err)
	}

	if err = s.Boot(ctx); err != nil {
		Fatalf("%s: %v", p.Name, err)
	}

	d := driver.New(s, 0, logrus.StandardLogger())

	v, err := d.Version()

	if err != nil {
		Fatalf("%v", err)
	}

	fmt.Printf("%s %s id:%#x version:%s\n", p.Name, p.UUID, part.ID(), v)

	for _, val := range values {
		x.Interrupt(r.interrupts)

		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := d.DirectReq(ctx, part.ID(), val)
		cancel()

		if err != nil {
			Fatalf("request %#x failed, %v", val, err)
		}

		fmt.Printf("%#x -> %#x (%d)\n", val, res[3], res[7])
	}

	return subcommands.ExitSuccess
}
