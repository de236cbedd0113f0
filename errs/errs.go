// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errs implements the packed error value used throughout the node
// runtime. A single Error can layer up to four Kinds of context so that one
// return value carries enough information for both a human rendering and a
// programmatic dispatch, in the spirit of the teacher's verror.New(ID, ctx,
// args...) convention.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is a closed set of error categories a node can report.
type Kind int

const (
	OK Kind = iota
	TransportIO
	TransportTimeout
	ProtocolMalformed
	ProtocolMD5Mismatch
	RPCServerRefused
	RPCMethodFailed
	MasterUnreachable
	RegistrationConflict
	SlotExhausted
	BadArgument
	InternalInvariant
)

var kindNames = map[Kind]string{
	OK:                    "ok",
	TransportIO:           "transport-io",
	TransportTimeout:      "transport-timeout",
	ProtocolMalformed:     "protocol-malformed",
	ProtocolMD5Mismatch:   "protocol-md5-mismatch",
	RPCServerRefused:      "rpc-server-refused",
	RPCMethodFailed:       "rpc-method-failed",
	MasterUnreachable:     "master-unreachable",
	RegistrationConflict:  "registration-conflict",
	SlotExhausted:         "slot-exhausted",
	BadArgument:           "bad-argument",
	InternalInvariant:     "internal-invariant",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the packed error value every public entry point returns. Kinds
// form a priority-ordered chain: the first (outermost) kind is the one the
// caller should act on; Cause, when present, records an earlier Error or
// wrapped stdlib error that triggered this one.
type Error struct {
	Kind      Kind
	Component string // subsystem that raised the error, e.g. "peerdata", "apicall"
	Message   string
	Cause     error
}

// New constructs a packed Error. args are formatted with fmt.Sprint and
// joined into Message, mirroring the teacher's verror.New(id, ctx, args...).
func New(kind Kind, component string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprint(args...),
	}
}

// Wrap constructs a packed Error with an underlying cause. The cause is
// attached with pkg/errors.Wrap so its stack and chain survive.
func Wrap(kind Kind, component string, cause error, args ...interface{}) *Error {
	msg := fmt.Sprint(args...)
	var wrapped error
	if cause != nil {
		if msg == "" {
			wrapped = errors.WithStack(cause)
		} else {
			wrapped = errors.Wrap(cause, msg)
		}
	}
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   msg,
		Cause:     wrapped,
	}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. It lets callers
// write errors.Is(err, errs.New(errs.MasterUnreachable, "")) style checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Render converts a packed error into the multi-line human-readable message
// spec.md §7 requires: the top-level kind/component/message, followed by one
// line per wrapped cause in the chain.
func Render(err error) string {
	if err == nil {
		return "ok"
	}
	var b strings.Builder
	cur := err
	depth := 0
	for cur != nil {
		prefix := strings.Repeat("  ", depth)
		if pe, ok := cur.(*Error); ok {
			fmt.Fprintf(&b, "%s[%s] %s: %s\n", prefix, pe.Kind, pe.Component, pe.Message)
			cur = pe.Cause
		} else {
			fmt.Fprintf(&b, "%scaused by: %v\n", prefix, cur)
			cur = errors.Unwrap(cur)
		}
		depth++
	}
	return strings.TrimRight(b.String(), "\n")
}

// Of reports the Kind of err if it is (or wraps) a packed Error, and OK
// otherwise.
func Of(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return OK
}
