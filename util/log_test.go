// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBufferedLog(t *testing.T) {
	var out bytes.Buffer

	for _, c := range []byte("hel") {
		BufferedLog(&out, c, "sp1")
	}

	for _, c := range []byte("ns\n") {
		BufferedLog(&out, c, "ns")
	}

	for _, c := range []byte("lo\n") {
		BufferedLog(&out, c, "sp1")
	}

	if diff := cmp.Diff("ns: ns\nsp1: hello\n", out.String()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	out.Reset()

	for _, c := range bytes.Repeat([]byte{'a'}, outputLimit) {
		BufferedLog(&out, c, "long")
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")

	if len(lines) != 1 || !strings.HasPrefix(lines[0], "long: aaa") {
		t.Errorf("overflow flush %q", out.String())
	}
}
