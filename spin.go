// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/clock"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/internal/peerdata"
	"github.com/it-robotics/cros/internal/registry"
)

// Spin runs the event loop described in spec.md §4.1 until the exit flag is
// set (via RequestExit) or overallTimeout elapses. A non-positive timeout
// means "run forever". Every user callback, and every peerdata Handlers
// invocation other than the synchronous OnHeader check, happens on this
// goroutine: Spin must be called from exactly one
// goroutine for the Node's lifetime.
func (n *Node) Spin(overallTimeout time.Duration) error {
	var overallDeadline time.Time
	if overallTimeout > 0 {
		overallDeadline = n.clock.Now().Add(overallTimeout)
	}

	for {
		if n.ExitRequested() {
			return nil
		}
		if !overallDeadline.IsZero() && !n.clock.Now().Before(overallDeadline) {
			return nil
		}
		if err := n.spinOnce(overallDeadline); err != nil {
			return err
		}
	}
}

// spinOnce runs one iteration: wait for the next bus event (or the nearest
// timer/overall deadline), drain any further events already queued without
// blocking, then fire expired publisher/service-caller timers.
func (n *Node) spinOnce(overallDeadline time.Time) error {
	now := n.clock.Now()
	deadline := n.nextDeadline(now, overallDeadline)

	var wait <-chan time.Time
	if d := deadline.Sub(now); d > 0 {
		t := n.clock.NewTimer(d)
		defer t.Stop()
		wait = t.C()
	} else {
		fired := make(chan time.Time, 1)
		fired <- now
		wait = fired
	}

	select {
	case fn := <-n.bus.C():
		fn()
	case <-wait:
	}

	n.drainReady()
	n.calls.Pump()
	n.fireExpiredTimers(n.clock.Now())
	return nil
}

// drainReady runs every bus event already queued, without blocking, so a
// burst of socket-readiness notifications is processed in one iteration
// rather than one event per Spin call.
func (n *Node) drainReady() {
	for {
		select {
		case fn := <-n.bus.C():
			fn()
		default:
			return
		}
	}
}

// nextDeadline computes the minimum of the overall timeout and every live
// periodic publisher/service-caller's next fire time, per spec.md §4.1 step
// 1. Reconnection backoff and master-call retry delays are driven by their
// own goroutines (time.Sleep/time.AfterFunc) rather than this loop, since
// they do not need to interrupt an otherwise-idle Spin iteration. No
// per-peer activity timeout is tracked.
func (n *Node) nextDeadline(now time.Time, overallDeadline time.Time) time.Time {
	deadline := now.Add(250 * time.Millisecond) // idle poll bound, catches newly-armed periodic slots
	if !overallDeadline.IsZero() && overallDeadline.Before(deadline) {
		deadline = overallDeadline
	}
	n.publishers.Each(func(_ registry.Ref, p **Publisher) {
		pub := *p
		if pub != nil && pub.Period > 0 && pub.NextFire.Before(deadline) {
			deadline = pub.NextFire
		}
	})
	n.callers.Each(func(_ registry.Ref, c **ServiceCaller) {
		caller := *c
		if caller != nil && caller.Period > 0 && caller.NextFire.Before(deadline) {
			deadline = caller.NextFire
		}
	})
	return deadline
}

// fireExpiredTimers ticks every periodic publisher and service caller whose
// next-fire time has passed, per spec.md §4.7's non-drifting schedule.
func (n *Node) fireExpiredTimers(now time.Time) {
	n.publishers.Each(func(_ registry.Ref, p **Publisher) {
		pub := *p
		if pub == nil || pub.Period <= 0 || pub.Tick == nil || pub.NextFire.After(now) {
			return
		}
		pub.NextFire = clock.NextFire(pub.NextFire, pub.Period, now)
		msg := pub.Tick()
		if msg == nil {
			return
		}
		payload, err := message.Serialize(msg)
		if err != nil {
			n.log.Warn("periodic publish failed to serialize", zap.String("topic", pub.Topic), zap.Error(err))
			return
		}
		n.publishFrame(pub, payload, peerdata.EncodeFrame(payload))
	})

	n.callers.Each(func(_ registry.Ref, c **ServiceCaller) {
		caller := *c
		if caller == nil || caller.Period <= 0 || caller.FillRequest == nil || caller.requests == nil || caller.NextFire.After(now) {
			return
		}
		caller.NextFire = clock.NextFire(caller.NextFire, caller.Period, now)
		req := caller.ReqTemplate.Clone()
		caller.FillRequest(req)
		payload, err := message.Serialize(req)
		if err != nil {
			n.log.Warn("periodic service call failed to serialize", zap.String("service", caller.Name), zap.Error(err))
			return
		}
		select {
		case caller.requests <- payload:
		default:
			n.log.Debug("periodic service call skipped, previous call still in flight", zap.String("service", caller.Name))
		}
	})
}

// WaitPortOpen polls host:port until it accepts a connection or timeout
// elapses, per spec.md §6's downward "wait-port-open" primitive (used by
// embedders waiting for a peer process they just spawned).
func WaitPortOpen(host string, port int, timeout time.Duration) error {
	deadline := clock.Real.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lastErr error
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		if !clock.Real.Now().Before(deadline) {
			return errs.Wrap(errs.TransportTimeout, "cros", lastErr, "waiting for ", addr, " to open")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
