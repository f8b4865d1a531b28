// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// spmctl is the host tool of the secure partition manager: it validates
// partition manifests, encodes their boot information and runs partitions on
// the host executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "enable debug logging")

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", args...)
	os.Exit(128)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(new(BootInfo), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Version), "")

	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
