// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"fmt"
)

// Kind represents the kind of an execution context.
type Kind int

// Execution context kinds
const (
	// StandardKind is a trusted application session context.
	StandardKind Kind = iota
	// SecurePartitionKind is a secure partition context.
	SecurePartitionKind
)

func (k Kind) String() string {
	switch k {
	case StandardKind:
		return "standard"
	case SecurePartitionKind:
		return "secure partition"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Context represents an execution context known to the trusted OS, the set
// of implementations is closed to this package.
type Context interface {
	Kind() Kind
	isContext()
}

// Standard represents a trusted application session context.
type Standard struct {
	// Session is the client session id
	Session uint32
}

// Kind returns StandardKind.
func (s *Standard) Kind() Kind {
	return StandardKind
}

// ID returns the session id, it allows a standard context to account
// partition loads.
func (s *Standard) ID() uint32 {
	return s.Session
}

func (s *Standard) isContext() {}

// IsPartition returns whether a context is a secure partition.
func IsPartition(ctx Context) bool {
	return WithSecurePartition && ctx != nil && ctx.Kind() == SecurePartitionKind
}

// ToPartition returns the secure partition held by a context, it panics if
// the context is of any other kind.
func ToPartition(ctx Context) *Partition {
	p, ok := ctx.(*Partition)

	if !ok || !IsPartition(ctx) {
		panic(fmt.Sprintf("context of kind %v is not a secure partition", kindOf(ctx)))
	}

	return p
}

func kindOf(ctx Context) any {
	if ctx == nil {
		return "nil"
	}

	return ctx.Kind()
}
