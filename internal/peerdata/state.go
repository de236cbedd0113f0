// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package peerdata implements the peer data channel state machine of
// spec.md §4.3: header exchange, then framed message (or service
// request/response) exchange, with reconnection and backpressure.
package peerdata

// Role distinguishes which side of a data channel this process is and what
// kind of endpoint it serves.
type Role int

const (
	// RoleSubscriber is the receiving side of a topic: it dials the
	// publisher, reads the header, then reads a stream of length-prefixed
	// messages.
	RoleSubscriber Role = iota
	// RolePublisher is the sending side of a topic: it accepts a connection
	// from a subscriber, exchanges headers, and writes a message on every
	// publish tick or on demand.
	RolePublisher
	// RoleServiceCaller dials a service provider, exchanges headers, writes
	// one request and reads one ok-flagged response (persistent or not).
	RoleServiceCaller
	// RoleServiceProvider accepts a connection from a service caller,
	// exchanges headers, and answers one or more request/response rounds.
	RoleServiceProvider
)

func (r Role) String() string {
	switch r {
	case RoleSubscriber:
		return "subscriber"
	case RolePublisher:
		return "publisher"
	case RoleServiceCaller:
		return "service-caller"
	case RoleServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// State names the phase of the channel's lifecycle, mirroring spec.md §4.3's
// subscriber-side and publisher-side state lists exactly; the
// service-caller/provider roles reuse the same names with "payload" read as
// "request"/"response" in context.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateWritingHeader
	StateReadingHeader
	StateReadingSize
	StateReadingPayload
	StateAccepted
	StateWritingPayload
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateWritingHeader:
		return "WRITING_HEADER"
	case StateReadingHeader:
		return "READING_HEADER"
	case StateReadingSize:
		return "READING_SIZE"
	case StateReadingPayload:
		return "READING_PAYLOAD"
	case StateAccepted:
		return "ACCEPTED"
	case StateWritingPayload:
		return "WRITING_PAYLOAD"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
