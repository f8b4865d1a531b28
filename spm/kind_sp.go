// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !nosp

package spm

// WithSecurePartition reports whether secure partition support is compiled
// in, it can be disabled with the `nosp` build tag.
const WithSecurePartition = true
