// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arch

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/usbarmory/GoTEE-spm/ffa"
)

func TestWithArgs(t *testing.T) {
	var r Regs

	r.X[8] = 0xdead
	r.PC = 0x1000

	a := ffa.DirectReq(0x8001, 0x8002, 5)
	n := r.WithArgs(a)

	if diff := cmp.Diff(a, n.Args()); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	if r.X[0] != 0 {
		t.Errorf("original register file modified")
	}

	if n.X[8] != 0xdead || n.PC != 0x1000 {
		t.Errorf("unrelated registers lost: %s", n)
	}
}
