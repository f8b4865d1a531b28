// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ffa

import (
	"errors"
	"fmt"
)

// Error represents one of the FF-A defined error outcomes.
type Error int32

// FF-A error codes
const (
	ErrNotSupported     Error = -1
	ErrInvalidParameter Error = -2
	ErrNoMemory         Error = -3
	ErrBusy             Error = -4
	ErrInterrupted      Error = -5
	ErrDenied           Error = -6
	ErrRetry            Error = -7
)

var errorNames = map[Error]string{
	ErrNotSupported:     "not supported",
	ErrInvalidParameter: "invalid parameter",
	ErrNoMemory:         "no memory",
	ErrBusy:             "busy",
	ErrInterrupted:      "interrupted",
	ErrDenied:           "denied",
	ErrRetry:            "retry",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return "ffa: " + name
	}

	return fmt.Sprintf("ffa: error %d", int32(e))
}

// Retryable returns whether the caller may repeat the call which returned the
// error.
func (e Error) Retryable() bool {
	switch e {
	case ErrBusy, ErrInterrupted, ErrRetry, ErrNoMemory:
		return true
	}

	return false
}

// Code translates any error into one of the defined FF-A error codes, errors
// which do not wrap an Error are reported as ErrDenied.
func Code(err error) Error {
	var e Error

	if errors.As(err, &e) {
		if _, ok := errorNames[e]; ok {
			return e
		}
	}

	return ErrDenied
}
