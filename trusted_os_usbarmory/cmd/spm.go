// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/usbarmory/GoTEE-spm/ldelf"
	"github.com/usbarmory/GoTEE-spm/manifest"
	"github.com/usbarmory/GoTEE-spm/spm"
	"github.com/usbarmory/GoTEE-spm/trusted_os_usbarmory/internal"
)

const requestTimeout = 5 * time.Second

func init() {
	Add(Cmd{
		Name: "gotee",
		Help: "launch the Normal World OS on top of the partition manager",
		Fn:   goteeCmd,
	})

	Add(Cmd{
		Name: "sp",
		Help: "list secure partitions",
		Fn:   spCmd,
	})

	Add(Cmd{
		Name:    "req",
		Args:    2,
		Pattern: regexp.MustCompile(`^req ([[:xdigit:]]+)((?: (?:0x)?[[:xdigit:]]+){0,5})$`),
		Syntax:  "<hex id> (value)...",
		Help:    "send a direct request on behalf of the Normal World",
		Fn:      reqCmd,
	})

	Add(Cmd{
		Name:    "state",
		Args:    1,
		Pattern: regexp.MustCompile(`^state ([[:xdigit:]]+)$`),
		Syntax:  "<hex id>",
		Help:    "show partition registers and mappings",
		Fn:      stateCmd,
	})

	Add(Cmd{
		Name:    "ftrace",
		Args:    1,
		Pattern: regexp.MustCompile(`^ftrace ([[:xdigit:]]+)$`),
		Syntax:  "<hex id>",
		Help:    "show partition call trace",
		Fn:      ftraceCmd,
	})
}

func partition(arg string) (p *spm.Partition, err error) {
	id, err := strconv.ParseUint(arg, 16, 16)

	if err != nil {
		return
	}

	if gotee.SPMC == nil {
		return nil, errors.New("partition manager not initialized")
	}

	return gotee.SPMC.Partition(uint16(id))
}

func goteeCmd(_ *term.Terminal, _ []string) (res string, err error) {
	return "", gotee.GoTEE()
}

func spCmd(_ *term.Terminal, _ []string) (res string, err error) {
	var buf bytes.Buffer

	if gotee.SPMC == nil {
		return "", errors.New("partition manager not initialized")
	}

	t := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)
	fmt.Fprintln(t, "ID\tNAME\tSTATE\tUUID\tPROPERTIES\tHANDLES")

	for _, p := range gotee.SPMC.Partitions() {
		props := strings.Join(manifest.PropertyNames(p.Properties()), ",")
		handles := len(gotee.SPMC.Memory().Handles(p.ID()))

		fmt.Fprintf(t, "%#x\t%s\t%s\t%s\t%s\t%d\n", p.ID(), p.Name(), p.State(), p.UUID(), props, handles)
	}

	t.Flush()

	return buf.String(), nil
}

func reqCmd(_ *term.Terminal, arg []string) (res string, err error) {
	var payload []uint64

	p, err := partition(arg[0])

	if err != nil {
		return
	}

	for _, s := range strings.Fields(arg[1]) {
		v, err := strconv.ParseUint(s, 0, 64)

		if err != nil {
			return "", err
		}

		payload = append(payload, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := gotee.Request(ctx, p.ID(), payload...)

	if err != nil {
		return
	}

	return fmt.Sprintf("%#x", resp[3:]), nil
}

func stateCmd(_ *term.Terminal, arg []string) (res string, err error) {
	p, err := partition(arg[0])

	if err != nil {
		return
	}

	s, err := ldelf.DumpState(p)

	if err != nil {
		return
	}

	return s.String(), nil
}

func ftraceCmd(_ *term.Terminal, arg []string) (res string, err error) {
	p, err := partition(arg[0])

	if err != nil {
		return
	}

	n, err := ldelf.DumpFtrace(p, nil)

	if err != nil && !errors.Is(err, ldelf.ErrShortBuffer) {
		return
	}

	buf := make([]byte, n)

	if n, err = ldelf.DumpFtrace(p, buf); err != nil {
		return
	}

	return string(buf[:n]), nil
}
