// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutQueueFIFO(t *testing.T) {
	q := NewOutQueue(4, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(EncodeFrame([]byte{byte(i)})))
	}
	frame, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, byte(0), frame[4])
}

func TestOutQueueHighWaterMarkBlocksEnqueue(t *testing.T) {
	q := NewOutQueue(100, 8) // 8-byte high-water mark
	big := make([]byte, 20)
	// Nothing is buffered yet, so the first frame is accepted and pushes the
	// buffered total (24 bytes) past the mark.
	require.NoError(t, q.Enqueue(EncodeFrame(big)))
	err := q.Enqueue(EncodeFrame(big))
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestOutQueueDropsOldestWhenRingFull(t *testing.T) {
	q := NewOutQueue(1, 0) // ring holds exactly one frame
	require.NoError(t, q.Enqueue(EncodeFrame([]byte{1})))
	require.NoError(t, q.Enqueue(EncodeFrame([]byte{2})))
	frame, ok := q.Dequeue()
	require.True(t, ok)
	// The ring evicts the older frame in favor of the newer one.
	assert.Equal(t, byte(2), frame[4])
}

func TestOutQueueQueuedBytesDoNotLeakOnSustainedDrop(t *testing.T) {
	// A tight high-water mark that only tolerates a couple of frames at once.
	q := NewOutQueue(1, 16)
	big := make([]byte, 10)

	// Enqueue far more frames than the ring (capacity 1) ever holds: every
	// Enqueue past the first drops the previous frame before it is ever
	// dequeued. If dropped bytes were not released, queuedBytes would climb
	// past the high-water mark and wedge Enqueue forever.
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(EncodeFrame(big)))
	}

	_, ok := q.Dequeue()
	require.True(t, ok)

	// The consumer has now caught up; a well-behaved tracker reports no
	// bytes still buffered, so a fresh Enqueue is accepted.
	assert.Equal(t, 0, q.queuedBytes)
	assert.NoError(t, q.Enqueue(EncodeFrame(big)))
}

func TestOutQueueCloseDrains(t *testing.T) {
	q := NewOutQueue(4, 0)
	require.NoError(t, q.Enqueue(EncodeFrame([]byte{9})))
	q.Close()
	_, ok := q.Dequeue()
	assert.True(t, ok) // one buffered frame still drains after Close
	_, ok = q.Dequeue()
	assert.False(t, ok)
}
