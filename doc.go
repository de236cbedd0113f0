// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cros is a client library letting a process participate as a node
// in a distributed publish/subscribe and RPC middleware whose wire-level
// conventions are fixed by an external master coordinator: registration via
// an XML-RPC-carried remote procedure call protocol, peer connection
// negotiation with other nodes discovered through the master, a framed
// length-prefixed binary protocol for topic and service traffic with those
// peers, and a single event loop driving all of it.
//
// A typical embedder builds a schema.Registry (or its own message.Loader),
// constructs a Node with NewNode, registers publishers/subscribers/service
// providers/service callers, and calls Spin in a loop until it wants to
// exit.
package cros
