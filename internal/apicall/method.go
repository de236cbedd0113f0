// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package apicall implements the master API call engine of spec.md §4.2: a
// FIFO queue of outbound RosApiCall values, drained one at a time (at most
// one in flight) through an XML-RPC round trip.
package apicall

// Method enumerates every outbound RPC method this node issues, both to the
// master and, for the peer-RPC equivalents, to another node's negotiation
// RPC port. Closed set per spec.md §4.2.
type Method int

const (
	RegisterPublisher Method = iota
	UnregisterPublisher
	RegisterSubscriber
	UnregisterSubscriber
	RegisterService
	UnregisterService
	LookupService

	// Peer-negotiation RPC methods, issued by this node as a client of
	// another node's negotiation RPC server rather than the master
	// (spec.md §4.4): requestTopic asks a publisher node how to reach its
	// data port, the rest mirror the handlers in internal/peernego.
	RequestTopic
	PublisherUpdate
	GetBusInfo
	Shutdown
)

func (m Method) String() string {
	switch m {
	case RegisterPublisher:
		return "registerPublisher"
	case UnregisterPublisher:
		return "unregisterPublisher"
	case RegisterSubscriber:
		return "registerSubscriber"
	case UnregisterSubscriber:
		return "unregisterSubscriber"
	case RegisterService:
		return "registerService"
	case UnregisterService:
		return "unregisterService"
	case LookupService:
		return "lookupService"
	case RequestTopic:
		return "requestTopic"
	case PublisherUpdate:
		return "publisherUpdate"
	case GetBusInfo:
		return "getBusInfo"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// IsMasterMethod reports whether m targets the master, as opposed to a
// peer's negotiation RPC port.
func (m Method) IsMasterMethod() bool {
	return m <= LookupService
}
