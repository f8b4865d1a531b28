// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/driver"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/internal/elftest"
	"github.com/usbarmory/GoTEE-spm/manifest"
)

func image(slot int) []byte {
	l := manifest.DefaultLayout(slot)

	return (&elftest.Image{
		Type:  elf.ET_EXEC,
		Entry: l.ImageBase,
		Segments: []elftest.Segment{
			{Vaddr: l.ImageBase, Data: bytes.Repeat([]byte{0xd5}, 64), Flags: elf.PF_R | elf.PF_X},
		},
	}).Bytes()
}

// write creates a manifest and its image, returning the manifest path.
func write(t *testing.T, dir string, name string, slot int, img []byte) string {
	t.Helper()

	doc := fmt.Sprintf("name = %q\nimage = \"%s.elf\"\nslot = %d\n", name, name, slot)
	path := filepath.Join(dir, name+".toml")

	if err := os.WriteFile(filepath.Join(dir, name+".elf"), img, 0600); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestCheck(t *testing.T) {
	logrus.SetLevel(logrus.WarnLevel)
	dir := t.TempDir()

	paths := []string{
		write(t, dir, "first", 1, image(1)),
		write(t, dir, "second", 2, image(2)),
		write(t, dir, "collision", 1, image(1)),
		write(t, dir, "garbage", 3, []byte("not an image")),
		filepath.Join(dir, "missing.toml"),
	}

	all, errs := check(paths)

	var names []string

	for _, p := range all {
		names = append(names, p.Name)
	}

	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Errorf("valid manifests (-want +got):\n%s", diff)
	}

	if len(errs) != 3 {
		t.Errorf("errors %v", errs)
	}
}

func TestDoubler(t *testing.T) {
	logrus.SetLevel(logrus.WarnLevel)
	dir := t.TempDir()

	p, err := manifest.Load(write(t, dir, "doubler", 1, image(1)))

	if err != nil {
		t.Fatal(err)
	}

	s, _, err := newHost(blockstore.NewMemory(blockstore.DefaultSize))

	if err != nil {
		t.Fatal(err)
	}

	part, x, err := create(s, p, doubler(p.Layout.HeapBase))

	if err != nil {
		t.Fatal(err)
	}

	if err = s.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	d := driver.New(s, 0, logrus.StandardLogger())

	for i, val := range []uint64{1, 21, 0x8000} {
		x.Interrupt(i)

		res, err := d.DirectReq(context.Background(), part.ID(), val, val+1)

		if err != nil {
			t.Fatal(err)
		}

		want := ffa.DirectResp(part.ID(), ffa.NormalWorldID, 2*val, 2*val+2, 0, 0, uint64(i+1))

		if diff := cmp.Diff(want, res); diff != "" {
			t.Errorf("request %d (-want +got):\n%s", i, diff)
		}
	}
}
