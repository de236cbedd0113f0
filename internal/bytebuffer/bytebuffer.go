// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bytebuffer implements the inbound/outbound byte buffer described
// in spec.md §4.3: amortized-O(1) append, compact-on-drain, and support for
// the strictly non-blocking "make progress one readable chunk at a time"
// read/write pattern the peer data channel state machine needs.
package bytebuffer

// Buffer is a growable byte queue. It slides live bytes back to the front
// only once compactThreshold bytes of already-read prefix have built up (or
// the buffer drains completely), and Len reports exactly how many bytes are
// available without copying.
type Buffer struct {
	data []byte
	off  int // read offset into data
}

// New returns an empty Buffer with capacity hint reserved up front.
func New(capacityHint int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacityHint)}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Bytes returns the unread portion. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.off:]
}

// Write appends p, growing the backing array geometrically if needed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Next consumes and returns the first n unread bytes. It panics if n exceeds
// Len; callers must check Len first (the state machines in peerdata always
// do, since they only call Next once a full frame has arrived).
func (b *Buffer) Next(n int) []byte {
	if n > b.Len() {
		panic("bytebuffer: Next beyond available data")
	}
	out := b.data[b.off : b.off+n]
	b.off += n
	b.maybeCompact()
	return out
}

// Discard drops n unread bytes without returning them.
func (b *Buffer) Discard(n int) {
	_ = b.Next(n)
}

// compactThreshold bounds how much dead space (already-read prefix) we'll
// tolerate before sliding the live bytes back to index 0. Chosen so a
// steady stream of small frames doesn't compact on every read.
const compactThreshold = 4096

func (b *Buffer) maybeCompact() {
	if b.off == len(b.data) {
		// Fully drained: reset both ends instead of leaving dead space.
		b.data = b.data[:0]
		b.off = 0
		return
	}
	if b.off >= compactThreshold {
		n := copy(b.data, b.data[b.off:])
		b.data = b.data[:n]
		b.off = 0
	}
}

// Reset empties the buffer, keeping the backing array for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
}

// Grow ensures capacity for at least n more bytes without changing Len.
func (b *Buffer) Grow(n int) {
	if cap(b.data)-len(b.data) >= n {
		return
	}
	grown := make([]byte, len(b.data), len(b.data)+n)
	copy(grown, b.data)
	b.data = grown
}
