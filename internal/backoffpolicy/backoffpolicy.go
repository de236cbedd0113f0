// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backoffpolicy centralizes the exponential backoff schedules
// spec.md calls for: peer reconnection ("initial 100 ms, cap 4 s, reset on
// successful header exchange", §4.1) and master API call retry ("schedule
// retry with backoff up to a cap; after N failures (default 5) surface
// failure and drop", §4.2). Both are driven from the event loop's own timer
// bookkeeping rather than backoff.Retry's blocking loop, since nothing in
// this process may block waiting on I/O outside the loop's readiness wait.
package backoffpolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialInterval = 100 * time.Millisecond
	maxInterval     = 4 * time.Second

	// DefaultMasterCallAttempts is the "N failures (default 5)" cap from
	// spec.md §4.2.
	DefaultMasterCallAttempts = 5
)

// NewPeerReconnect returns a fresh exponential backoff schedule for peer
// reconnection. It never stops on its own (spec.md does not cap peer
// reconnect attempts); callers that want a cap track attempts separately.
func NewPeerReconnect() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewMasterCallRetry returns a backoff.BackOff that gives up after
// maxAttempts total tries (maxAttempts-1 retries after the first attempt),
// per spec.md §4.2. WithMaxRetries treats a limit of 0 as "unlimited", not
// "zero retries", so maxAttempts<=1 (no retries at all) is handled directly
// with backoff.StopBackOff rather than WithMaxRetries(base, 0).
func NewMasterCallRetry(maxAttempts int) backoff.BackOff {
	if maxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(NewPeerReconnect(), uint64(maxAttempts-1))
}

// Next returns the next interval to wait before retrying, or ok=false if the
// policy has exhausted its retry budget (backoff.Stop).
func Next(b backoff.BackOff) (time.Duration, bool) {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
