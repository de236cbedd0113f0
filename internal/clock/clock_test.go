// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineAddsPeriod(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Deadline(base, 5*time.Second)
	assert.Equal(t, base.Add(5*time.Second), got)
}

func TestNextFireAdvancesByWholePeriodsWithoutDrift(t *testing.T) {
	period := 100 * time.Millisecond
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(350 * time.Millisecond) // three and a half periods late

	got := NextFire(base, period, now)

	assert.True(t, got.After(now))
	// the phase is preserved: got is still base + a whole multiple of period
	elapsed := got.Sub(base)
	assert.Zero(t, elapsed%period)
}

func TestNextFireNoOpWhenAlreadyInFuture(t *testing.T) {
	period := time.Second
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(-time.Millisecond)

	got := NextFire(base, period, now)
	assert.Equal(t, base, got)
}

func TestNextFireNonPositivePeriodIsNoOp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := NextFire(base, 0, base.Add(time.Hour))
	assert.Equal(t, base, got)
}

func TestRealClockTimerFires(t *testing.T) {
	timer := Real.NewTimer(10 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer never fired")
	}
}
