// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apicall

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/it-robotics/cros/internal/backoffpolicy"
)

// Call is a RosApiCall in flight or queued: spec.md §3 describes it as
// carrying "a progressive id, method code, parameter vector, target
// host/port, provider index ... and three callback pointers — a
// result-fetch, a user result, and a free-result". Go's GC makes a separate
// free-result destructor unnecessary; Cleanup is kept for parity with the
// teacher's resource-release idiom and is always invoked exactly once, after
// OnResult, whether the call succeeded, failed, or was dropped unfired by
// Queue.Release.
type Call struct {
	// ID is the strictly increasing call id (invariant 1 in spec.md §8).
	ID int64
	// CorrelationID is a short, sortable id for structured log lines,
	// distinct from ID: ID is a protocol-visible sequence number, this is
	// purely an observability aid (see SPEC_FULL.md §2.2, grounded in
	// distributed-queue's use of rs/xid for queue entries).
	CorrelationID string

	Method     Method
	Args       []interface{}
	TargetHost string
	TargetPort int

	// ProviderRef back-links to the registry slot that originated this
	// call, opaque to apicall to avoid an import cycle with the registry
	// package; registry.Ref implements this as a (index, generation) pair.
	ProviderRef interface{}

	// FetchResult extracts a typed result from the decoded reply values.
	FetchResult func(reply []interface{}) (interface{}, error)
	// OnResult delivers the fetched result, or err if the call ultimately
	// failed (after exhausting retries) or FetchResult itself failed.
	OnResult func(result interface{}, err error)
	// Cleanup runs exactly once after OnResult, success or failure.
	Cleanup func()

	MaxAttempts int
	attempt     int
	retry       backoff.BackOff
}

// NewCall builds a Call with a fresh CorrelationID and the default master
// call retry policy. Peer-RPC calls (requestTopic, publisherUpdate, ...)
// typically pass MaxAttempts: 1 since a failed peer negotiation is surfaced
// immediately rather than retried by the engine (the peer state machine
// handles its own reconnection backoff separately, per spec.md §4.1).
func NewCall(method Method, host string, port int, args []interface{}, maxAttempts int) *Call {
	if maxAttempts <= 0 {
		maxAttempts = backoffpolicy.DefaultMasterCallAttempts
	}
	return &Call{
		CorrelationID: xid.New().String(),
		Method:        method,
		Args:          args,
		TargetHost:    host,
		TargetPort:    port,
		MaxAttempts:   maxAttempts,
		retry:         backoffpolicy.NewMasterCallRetry(maxAttempts),
	}
}

// Queue is the FIFO ApiCallQueue of spec.md §4.2: enqueue/peek/dequeue are
// O(1), release is linear in the number of queued calls, and the queue is
// loop-private (no locking).
type Queue struct {
	items  []*Call
	nextID int64
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends c to the tail, assigning the next strictly increasing ID.
func (q *Queue) Enqueue(c *Call) {
	c.ID = q.nextID
	q.nextID++
	q.items = append(q.items, c)
}

// Peek returns the head of the queue without removing it, or nil if empty.
func (q *Queue) Peek() *Call {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Dequeue removes and returns the head of the queue, or nil if empty.
func (q *Queue) Dequeue() *Call {
	if len(q.items) == 0 {
		return nil
	}
	c := q.items[0]
	q.items[0] = nil // drop the reference promptly
	q.items = q.items[1:]
	return c
}

// Len reports the number of queued (not-yet-dequeued) calls.
func (q *Queue) Len() int {
	return len(q.items)
}

// Release drains every remaining call, invoking Cleanup on each, for use at
// node shutdown.
func (q *Queue) Release() {
	for _, c := range q.items {
		if c.Cleanup != nil {
			c.Cleanup()
		}
	}
	q.items = nil
}
