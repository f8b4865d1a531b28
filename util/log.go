// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// outputs buffers console characters, by execution context name
var outputs = struct {
	sync.Mutex
	buf map[string]*bytes.Buffer
}{
	buf: make(map[string]*bytes.Buffer),
}

// buffer appends a character to the output of an execution context, returning
// a complete line when one is available.
func buffer(c byte, name string) (line []byte) {
	outputs.Lock()
	defer outputs.Unlock()

	buf, ok := outputs.buf[name]

	if !ok {
		buf = new(bytes.Buffer)
		buf.WriteString(name + ": ")
		outputs.buf[name] = buf
	}

	buf.WriteByte(c)

	if c != flushChr && buf.Len() <= outputLimit {
		return
	}

	line = append(line, buf.Bytes()...)

	buf.Reset()
	buf.WriteString(name + ": ")

	if c != flushChr {
		line = append(line, flushChr)
	}

	return
}

// BufferedLog writes the console output of an execution context, one line at a
// time, to avoid interleaving with other contexts.
func BufferedLog(w io.Writer, c byte, name string) {
	if line := buffer(c, name); line != nil {
		w.Write(line)
	}
}

// BufferedStdoutLog writes the console output of an execution context to
// stdout.
func BufferedStdoutLog(c byte, name string) {
	BufferedLog(os.Stdout, c, name)
}

// BufferedTermLog writes the console output of an execution context to a
// terminal, secure contexts are shown in green and the Normal World in red.
func BufferedTermLog(c byte, name string, secure bool, t *term.Terminal) {
	line := buffer(c, name)

	if line == nil {
		return
	}

	color := t.Escape.Red

	if secure {
		color = t.Escape.Green
	}

	t.Write(color)
	t.Write(line)
	t.Write(t.Escape.Reset)
}
