// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"sync"

	"github.com/eapache/channels"

	"github.com/it-robotics/cros/errs"
)

// defaultHighWaterMark is the per-channel outbound byte ceiling of spec.md
// §4.3 ("default 1 MiB").
const defaultHighWaterMark = 1 << 20

// OutQueue is the per-peer outbound frame queue described in spec.md §4.3:
// "Queue discipline per publisher is FIFO drop-oldest when a subscriber's
// channel is saturated for longer than its configured queue size allows."
// github.com/eapache/channels.RingChannel gives exactly this discipline at
// the message-count level; OutQueue layers a byte-level high-water mark on
// top of it for the independent "further publish attempts return a
// would-block signal" behavior spec.md also names.
type OutQueue struct {
	mu            sync.Mutex
	ring          *channels.RingChannel
	highWaterMark int
	queuedBytes   int

	// sizes mirrors, in FIFO order, the length of every frame currently held
	// by ring. RingChannel drops the oldest frame internally once more than
	// cap frames are buffered, without any signal back to Enqueue; tracking
	// sizes ourselves and popping its front entry in lockstep with that same
	// drop-oldest discipline is what lets queuedBytes stay accurate under
	// sustained overflow (see Enqueue).
	sizes []int
	cap   int
}

// NewOutQueue returns a queue holding at most queueSize frames (oldest
// dropped once full) and refusing new frames once more than highWaterMark
// bytes are buffered. A highWaterMark of 0 uses defaultHighWaterMark, and a
// queueSize of 0 uses 1 (no historical buffering beyond the in-flight frame).
func NewOutQueue(queueSize, highWaterMark int) *OutQueue {
	if highWaterMark <= 0 {
		highWaterMark = defaultHighWaterMark
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &OutQueue{
		ring:          channels.NewRingChannel(channels.BufferCap(queueSize)),
		highWaterMark: highWaterMark,
		cap:           queueSize,
	}
}

// ErrWouldBlock is returned by Enqueue when the channel's outbound buffer
// has exceeded its high-water mark.
var ErrWouldBlock = errs.New(errs.TransportIO, "peerdata", "outbound buffer exceeds high-water mark, would-block")

// Enqueue offers frame (an already wire-encoded frame, see EncodeFrame) to
// the queue. If the configured queue size is exceeded, the oldest buffered
// frame is silently dropped per the FIFO drop-oldest discipline, and its
// bytes are immediately released from queuedBytes since it will never reach
// Dequeue. If the buffered byte total already exceeds the high-water mark,
// Enqueue instead refuses the new frame and returns ErrWouldBlock without
// touching the queue.
func (q *OutQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	if q.queuedBytes > q.highWaterMark {
		q.mu.Unlock()
		return ErrWouldBlock
	}
	q.queuedBytes += len(frame)
	q.sizes = append(q.sizes, len(frame))
	if len(q.sizes) > q.cap {
		dropped := q.sizes[0]
		q.sizes = q.sizes[1:]
		q.queuedBytes -= dropped
	}
	q.mu.Unlock()

	q.ring.In() <- frame
	return nil
}

// Dequeue blocks until a frame is available or the queue is closed, in
// which case ok is false. Called only from the per-channel write-pump
// goroutine.
func (q *OutQueue) Dequeue() (frame []byte, ok bool) {
	v, open := <-q.ring.Out()
	if !open {
		return nil, false
	}
	frame = v.([]byte)
	q.mu.Lock()
	if len(q.sizes) > 0 {
		q.queuedBytes -= q.sizes[0]
		q.sizes = q.sizes[1:]
	}
	if q.queuedBytes < 0 {
		q.queuedBytes = 0
	}
	q.mu.Unlock()
	return frame, true
}

// Len reports the number of frames currently buffered.
func (q *OutQueue) Len() int {
	return q.ring.Len()
}

// Close shuts the queue down; a subsequent Dequeue drains anything
// remaining in the ring then reports ok=false.
func (q *OutQueue) Close() {
	q.ring.Close()
}
