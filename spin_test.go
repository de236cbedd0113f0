// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/it-robotics/cros/internal/clock"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/schema"
)

// TestSpinFiresPeriodicPublisherOnFakeClockAdvance exercises Node.clock end
// to end: spinOnce's wait timer is armed from it rather than time.NewTimer,
// so advancing a clock.Fake (not real time) is what wakes spinOnce and fires
// the periodic publisher's tick, per spec.md §4.7.
func TestSpinFiresPeriodicPublisherOnFakeClockAdvance(t *testing.T) {
	cfg := testConfig(t, "/fake_clock_talker")
	n, err := NewNode(cfg, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	n.clock = fake

	done := make(chan struct{})
	go func() {
		n.Spin(0)
		close(done)
	}()
	defer func() {
		n.RequestExit()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Spin did not return after RequestExit")
		}
		n.Close()
	}()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterPublisher("/fake_clock", "std_msgs/String", tmpl, 1, false)
	require.NoError(t, err)

	ticked := make(chan struct{}, 1)
	require.NoError(t, n.SetPublisherPeriod(ref, 10*time.Second, func() *message.Message {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return nil
	}))

	// No real sleep: the publisher's next-fire time is 10s of fake time
	// away, and only Advance moves the clock Spin reads from.
	fake.Advance(11 * time.Second)

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic publisher did not fire after the fake clock advanced past its period")
	}
}
