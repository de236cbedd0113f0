// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loopbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostDeliversToC(t *testing.T) {
	b := New(1)
	done := make(chan struct{})
	b.Post(func() { close(done) })

	select {
	case fn := <-b.C():
		fn()
	case <-time.After(time.Second):
		t.Fatal("Post never reached C()")
	}

	select {
	case <-done:
	default:
		t.Fatal("posted closure did not run")
	}
}

func TestTryPostFailsWhenBufferFull(t *testing.T) {
	b := New(1)
	require.True(t, b.TryPost(func() {}))
	assert.False(t, b.TryPost(func() {}), "buffer of 1 already holds one closure")
}

func TestClosuresRunInPostOrder(t *testing.T) {
	b := New(4)
	var order []int
	for i := 0; i < 4; i++ {
		i := i
		b.Post(func() { order = append(order, i) })
	}
	for i := 0; i < 4; i++ {
		(<-b.C())()
	}
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}
