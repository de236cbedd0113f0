// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loopbus is the single serialization point behind Node's event
// loop. spec.md §4.1 and §5 require that every callback run on "the loop
// thread" with no re-entrancy, while the underlying sockets are driven with
// real blocking I/O (the idiom Go's scheduler rewards, and the one the
// teacher's own runtimes/google/lib/publisher.runLoop uses: many senders,
// one receiver, one goroutine ever touches the receiver-side state). Bus is
// that single channel: background goroutines decode wire bytes or drive a
// blocking RPC call and then Post a closure; only Node.Spin ever receives
// from C, and it calls posted closures one at a time, synchronously, so no two
// closures ever run concurrently and no closure is re-entered while another
// is executing.
package loopbus

// Bus is a many-producer, single-consumer queue of zero-argument callbacks.
type Bus struct {
	ch chan func()
}

// New returns a Bus with the given channel buffer. A buffer of 0 is valid
// (every Post rendezvouses with the loop's receive from C) but most callers want some
// slack so a burst of socket readiness events doesn't stall readers.
func New(buffer int) *Bus {
	return &Bus{ch: make(chan func(), buffer)}
}

// Post enqueues fn to run on the loop goroutine. It may be called from any
// goroutine, including the loop goroutine itself (e.g. to requeue a retry).
// Post blocks if the buffer is full; callers outside the loop goroutine
// treat that as their own suspension point, never the loop's.
func (b *Bus) Post(fn func()) {
	b.ch <- fn
}

// TryPost enqueues fn without blocking, reporting false if the buffer is
// momentarily full.
func (b *Bus) TryPost(fn func()) bool {
	select {
	case b.ch <- fn:
		return true
	default:
		return false
	}
}

// C exposes the receive side for the loop's select statement. Only the loop
// goroutine may receive from it.
func (b *Bus) C() <-chan func() {
	return b.ch
}
