// Copyright 2025 RPA Global
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error vocabulary shared across the control
// plane. Transports and adapters classify failures into kinds; the API
// layer maps kinds to HTTP status codes and the poll loops use them to
// decide what is worth surfacing in the connection status.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	Internal Kind = iota
	Config
	Transport
	AuthDenied
	UnknownDatabase
	ProtocolState
	KubectlExit
	NotFound
	Validation
	AlreadyExists
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Transport:
		return "transport"
	case AuthDenied:
		return "auth denied"
	case UnknownDatabase:
		return "unknown database"
	case ProtocolState:
		return "protocol state"
	case KubectlExit:
		return "kubectl exit"
	case NotFound:
		return "not found"
	case Validation:
		return "validation"
	case AlreadyExists:
		return "already exists"
	default:
		return "internal"
	}
}

// Error is a classified error. The zero Kind is Internal.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, retaining it for errors.Is/As.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, walking the wrap chain. Unclassified
// errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsNotFound(err error) bool      { return IsKind(err, NotFound) }
func IsAlreadyExists(err error) bool { return IsKind(err, AlreadyExists) }
func IsValidation(err error) bool    { return IsKind(err, Validation) }
func IsTransport(err error) bool     { return IsKind(err, Transport) }

// ExitError carries the outcome of a kubectl invocation that returned a
// non-zero exit code. The stderr text is preserved verbatim for
// diagnostics; callers translate it to their own vocabulary.
type ExitError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Stderr)
}

// NewExit wraps a non-zero kubectl exit as a KubectlExit error.
func NewExit(cmd string, code int, stderr string) error {
	return &Error{Kind: KubectlExit, Err: &ExitError{Cmd: cmd, ExitCode: code, Stderr: stderr}}
}

// ExitStderr extracts the stderr of a KubectlExit error, or the plain
// error text for anything else.
func ExitStderr(err error) string {
	var xe *ExitError
	if errors.As(err, &xe) {
		return xe.Stderr
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
