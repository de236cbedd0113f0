// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backoffpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerReconnectNeverStops(t *testing.T) {
	b := NewPeerReconnect()
	for i := 0; i < 50; i++ {
		_, ok := Next(b)
		assert.True(t, ok, "peer reconnect backoff must never report exhausted")
	}
}

func TestMasterCallRetryStopsAfterMaxAttempts(t *testing.T) {
	b := NewMasterCallRetry(3)
	attempts := 0
	for {
		_, ok := Next(b)
		if !ok {
			break
		}
		attempts++
		if attempts > 100 {
			t.Fatal("master call retry never exhausted")
		}
	}
	assert.Equal(t, 2, attempts, "3 max attempts means 2 retries after the first try")
}

func TestMasterCallRetrySingleAttemptNeverRetries(t *testing.T) {
	b := NewMasterCallRetry(1)
	_, ok := Next(b)
	assert.False(t, ok)
}
