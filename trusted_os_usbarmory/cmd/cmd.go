// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

// Package cmd implements the secure monitor console commands.
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      func(term *term.Terminal, arg []string) (res string, err error)
}

var cmds = make(map[string]*Cmd)

// Add registers a console command.
func Add(cmd Cmd) {
	cmds[cmd.Name] = &cmd
}

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name: "exit, quit",
		Help: "close session",
		Fn: func(_ *term.Terminal, _ []string) (string, error) {
			return "", io.EOF
		},
	})
}

// Help returns the command list.
func Help(term *term.Terminal) string {
	var buf bytes.Buffer
	var names []string

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	t := tabwriter.NewWriter(&buf, 16, 8, 0, '\t', tabwriter.TabIndent)

	for _, name := range names {
		cmd := cmds[name]
		fmt.Fprintf(t, "%s %s\t # %s\n", strings.TrimSpace(cmd.Name), cmd.Syntax, cmd.Help)
	}

	t.Flush()

	return buf.String()
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	return Help(term), nil
}

// Handle executes a console command line.
func Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string

	line = strings.TrimSpace(line)

	if line == "" {
		return
	}

	for _, cmd := range cmds {
		if cmd.Pattern == nil {
			for _, name := range strings.Split(cmd.Name, ", ") {
				if name == line {
					match = cmd
				}
			}
		} else if m := cmd.Pattern.FindStringSubmatch(line); len(m) == cmd.Args+1 {
			match = cmd
			arg = m[1:]
		}

		if match != nil {
			break
		}
	}

	if match == nil {
		return errors.New("unknown command, type `help`")
	}

	res, err := match.Fn(term, arg)

	if err != nil {
		return
	}

	fmt.Fprintln(term, res)

	return
}
