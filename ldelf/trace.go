// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ldelf

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

// DefaultTraceSize is the number of events retained by a partition trace.
const DefaultTraceSize = 64

// Event represents a traced partition call.
type Event struct {
	// Seq is the event sequence number, starting from 1
	Seq uint64
	// Call holds the call registers
	Call ffa.Args
	// Result holds the registers returned to the caller
	Result ffa.Args
}

func (e Event) String() string {
	f, _ := e.Call.Func()
	res, _ := e.Result.Func()

	return fmt.Sprintf("%6d %-28s w1:%#x -> %s w2:%#x", e.Seq, f, e.Call[1], res, e.Result[2])
}

// Trace is a fixed size ring of partition call events.
type Trace struct {
	sync.Mutex

	events []Event
	seq    uint64
}

// NewTrace returns a trace retaining the last n events.
func NewTrace(n int) *Trace {
	if n <= 0 {
		n = DefaultTraceSize
	}

	return &Trace{
		events: make([]Event, n),
	}
}

// Record appends an event to the trace, overwriting the oldest one when full.
func (t *Trace) Record(call ffa.Args, result ffa.Args) {
	t.Lock()
	defer t.Unlock()

	t.seq++
	t.events[int((t.seq-1)%uint64(len(t.events)))] = Event{
		Seq:    t.seq,
		Call:   call,
		Result: result,
	}
}

// Events returns the retained events, oldest first.
func (t *Trace) Events() (events []Event) {
	t.Lock()
	defer t.Unlock()

	n := uint64(len(t.events))
	start := uint64(1)

	if t.seq > n {
		start = t.seq - n + 1
	}

	for seq := start; seq <= t.seq; seq++ {
		events = append(events, t.events[int((seq-1)%n)])
	}

	return
}

func (t *Trace) String() string {
	var buf bytes.Buffer

	for _, e := range t.Events() {
		fmt.Fprintln(&buf, e)
	}

	return buf.String()
}
