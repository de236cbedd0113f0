// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package apicall

import (
	"time"

	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/backoffpolicy"
	"github.com/it-robotics/cros/internal/logging"
	"github.com/it-robotics/cros/internal/loopbus"
	"github.com/it-robotics/cros/internal/xmlrpcclient"
)

// Engine drains Queue one call at a time, enforcing spec.md §4.2's "at most
// one master call in flight at any instant" (invariant 2 in §8). Every
// state transition happens inside a closure posted to bus, so it only ever
// runs on the loop goroutine; the blocking XML-RPC round trip itself runs on
// a throwaway worker goroutine per attempt.
type Engine struct {
	queue     *Queue
	bus       *loopbus.Bus
	transport *xmlrpcclient.Client
	log       *zap.Logger

	inFlight bool
}

// NewEngine wires a Queue to a transport and loopbus.
func NewEngine(queue *Queue, bus *loopbus.Bus, transport *xmlrpcclient.Client, log *zap.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{queue: queue, bus: bus, transport: transport, log: log}
}

// Enqueue appends c and immediately tries to pump the queue. Safe to call
// from the loop goroutine only (same rule as the rest of Queue).
func (e *Engine) Enqueue(c *Call) {
	e.queue.Enqueue(c)
	e.log.Debug("apicall: enqueued", zap.Int64("id", c.ID), zap.String("method", c.Method.String()), zap.String("correlation_id", c.CorrelationID))
	e.pump()
}

// Pump is exported so the event loop can give the engine a chance to start
// the next call after an iteration in which nothing else changed the queue
// (e.g. right after Spin's drainReady runs a posted completion).
func (e *Engine) Pump() {
	e.pump()
}

func (e *Engine) pump() {
	if e.inFlight {
		return
	}
	c := e.queue.Peek()
	if c == nil {
		return
	}
	e.inFlight = true
	e.dispatch(c)
}

func (e *Engine) dispatch(c *Call) {
	go func() {
		reply, err := e.transport.Call(c.TargetHost, c.TargetPort, c.Method.String(), c.Args)
		e.bus.Post(func() { e.complete(c, reply, err) })
	}()
}

func (e *Engine) complete(c *Call, reply []interface{}, err error) {
	e.inFlight = false
	if e.queue.Peek() != c {
		// Release dropped c while it was in flight and already ran its
		// Cleanup; nothing is reported for it.
		e.pump()
		return
	}

	if err != nil {
		if d, ok := backoffpolicy.Next(c.retry); ok {
			e.log.Warn("apicall: retrying after failure",
				zap.Int64("id", c.ID), zap.String("method", c.Method.String()), zap.Duration("delay", d), zap.Error(err))
			e.transport.Forget(c.TargetHost, c.TargetPort)
			time.AfterFunc(d, func() {
				e.bus.Post(func() { e.dispatch(c) })
			})
			e.inFlight = true
			return
		}
		e.finish(c, nil, errs.Wrap(errs.MasterUnreachable, "apicall", err, "method ", c.Method.String(), " exhausted retries"))
		return
	}

	result, ferr := c.FetchResult(reply)
	if ferr != nil {
		e.finish(c, nil, errs.Wrap(errs.RPCMethodFailed, "apicall", ferr, "decoding reply to ", c.Method.String()))
		return
	}
	e.finish(c, result, nil)
}

func (e *Engine) finish(c *Call, result interface{}, err error) {
	// Pop c off the queue now that it has a terminal outcome. It may not be
	// at the head if a future revision allows out-of-order completion, but
	// today the engine only ever has the head in flight.
	if head := e.queue.Dequeue(); head != c {
		e.log.Error("apicall: queue head mismatch on completion", zap.Int64("expected", c.ID))
	}
	if c.OnResult != nil {
		c.OnResult(result, err)
	}
	if c.Cleanup != nil {
		c.Cleanup()
	}
	e.pump()
}

// Len reports the number of calls still queued (including any in flight).
func (e *Engine) Len() int {
	return e.queue.Len()
}

// Release drains and cleans up every queued call, including one in flight
// (whose eventual completion closure will then see an empty queue and
// no-op); used at node shutdown.
func (e *Engine) Release() {
	e.queue.Release()
}
