// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bytebuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteAndNext(t *testing.T) {
	b := New(16)
	n, err := b.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, b.Len())

	got := b.Next(5)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, 0, b.Len())
}

func TestNextPanicsBeyondAvailable(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	assert.Panics(t, func() { b.Next(3) })
}

func TestDiscard(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdef"))
	b.Discard(2)
	assert.Equal(t, "cdef", string(b.Bytes()))
}

func TestFullDrainResetsOffsets(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	b.Next(2)
	b.Write([]byte("cd"))
	assert.Equal(t, "cd", string(b.Bytes()))
}

func TestCompactionSlidesLiveBytesForward(t *testing.T) {
	b := New(8)
	b.Write(make([]byte, compactThreshold+10))
	b.Next(compactThreshold + 5)
	assert.Equal(t, 5, b.Len())
}

func TestResetEmptiesBuffer(t *testing.T) {
	b := New(4)
	b.Write([]byte("data"))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestGrowDoesNotChangeLen(t *testing.T) {
	b := New(0)
	b.Write([]byte("xy"))
	b.Grow(100)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, "xy", string(b.Bytes()))
}
