// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"time"

	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/internal/peerdata"
	"github.com/it-robotics/cros/internal/registry"
)

// Publisher is the publisher slot of spec.md §3: a topic, its message type,
// and the set of subscriber peer connections currently receiving it.
type Publisher struct {
	Topic     string
	TypeName  string
	Template  *message.Template
	QueueSize int
	Latching  bool

	// Period <= 0 means "publishes only on explicit SendTopicMessage calls"
	// (spec.md §4.7's period = -1 sentinel, generalized to any non-positive
	// duration per internal/clock's NextFire convention).
	Period   time.Duration
	NextFire time.Time
	// Tick, when set, is invoked by Spin on every period expiry to produce
	// the message to publish; nil for manual-only publishers.
	Tick func() *message.Message

	State        registry.SlotState
	lastMessage  []byte
	subscriberCh []registry.Ref // PeerProcess refs, publisher-side channels
}

// Subscriber is the subscriber slot of spec.md §3.
type Subscriber struct {
	Topic    string
	TypeName string
	Template *message.Template
	Callback func(*message.Message)
	// OnError delivers a permanent protocol failure (e.g. an MD5 mismatch
	// against a publisher) that ends reconnection attempts for one peer
	// connection; nil is fine if the embedder doesn't care. Transport
	// failures (a dropped TCP connection, a dial timeout) never reach this:
	// those are retried with backoff instead, per spec.md §4.1.
	OnError func(error)

	State      registry.SlotState
	knownURIs  map[string]bool
	publisherCh []registry.Ref // PeerProcess refs, subscriber-side channels
}

// ServiceProvider is the service provider slot of spec.md §3.
type ServiceProvider struct {
	Name         string
	ReqTypeName  string
	RespTypeName string
	ReqTemplate  *message.Template
	RespTemplate *message.Template
	// Handle answers one request, producing the response message and
	// whether the call succeeded (a false ok maps to the one-byte failure
	// flag in the wire protocol, spec.md §4.3).
	Handle func(req *message.Message) (resp *message.Message, ok bool)

	State      registry.SlotState
	providerCh registry.Ref // PeerProcess ref for the listening acceptor; individual calls get their own Channel
}

// ServiceCaller is the service caller slot of spec.md §3: dual-mode,
// argument-filling on the way out and response-collecting on the way back.
type ServiceCaller struct {
	Name         string
	ReqTypeName  string
	RespTypeName string
	ReqTemplate  *message.Template
	RespTemplate *message.Template
	Persistent   bool

	// Period <= 0 means this caller only fires when ServiceCall is invoked
	// explicitly; Period > 0 makes it a periodic loop caller.
	Period   time.Duration
	NextFire time.Time
	// FillRequest fills the outgoing request for a periodic tick; nil for
	// callers driven only by explicit ServiceCall invocations.
	FillRequest func(req *message.Message)
	// OnResponse delivers the decoded response, or a non-nil err.
	OnResponse func(resp *message.Message, err error)

	State   registry.SlotState
	peerRef registry.Ref // PeerProcess ref, persistent connections keep this alive across calls

	// requests/pending carry one in-flight call at a time between ServiceCall
	// (running on the caller's own goroutine) and the Channel's connection
	// goroutine; both are nil until the provider negotiation completes.
	requests chan []byte
	pending  chan serviceReply
}

// serviceReply is one decoded (ok, payload) pair off a service caller
// Channel, handed from its connection goroutine to a blocked ServiceCall.
type serviceReply struct {
	ok      bool
	payload []byte
}

// PeerProcess is "one per TCP connection, for either data or negotiation"
// per spec.md §3.
type PeerProcess struct {
	ConnectionID int
	Channel      *peerdata.Channel
	Role         peerdata.Role
	RemoteNodeName string

	// OwnerKind/OwnerRef identify which local slot this peer process
	// serves, for diagnostics and for routing inbound frames back to the
	// right Subscriber/ServiceProvider/ServiceCaller callback.
	OwnerKind string // "publisher", "subscriber", "provider", "caller"
	OwnerRef  registry.Ref
}
