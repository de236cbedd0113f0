// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xmlrpcclient is the blocking-call worker behind every outbound
// XML-RPC call this node makes, to the master or to a peer's negotiation
// RPC port. It wraps github.com/renier/xmlrpc, which owns its own
// dial/POST/decode transport and therefore cannot be decomposed to let the
// event loop own the socket directly (see SPEC_FULL.md §4.2, §4.4); instead
// each Call runs on a dedicated goroutine and the result is handed back
// through internal/loopbus so only the loop goroutine ever sees it.
package xmlrpcclient

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/renier/xmlrpc"

	"github.com/it-robotics/cros/errs"
)

// Client dials XML-RPC endpoints on demand and caches one renier/xmlrpc
// client per endpoint, since that library pools its own HTTP transport per
// instance.
type Client struct {
	mu      sync.Mutex
	clients map[string]*xmlrpc.Client
	timeout time.Duration
}

// New returns a Client whose per-call HTTP round trips are bounded by
// timeout.
func New(timeout time.Duration) *Client {
	return &Client{clients: make(map[string]*xmlrpc.Client), timeout: timeout}
}

func endpointKey(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/RPC2", host, port)
}

func (c *Client) clientFor(host string, port int) (*xmlrpc.Client, error) {
	key := endpointKey(host, port)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	cl, err := xmlrpc.NewClient(key, &http.Transport{
		ResponseHeaderTimeout: c.timeout,
	})
	if err != nil {
		return nil, errs.Wrap(errs.MasterUnreachable, "xmlrpcclient", err, "dialing ", key)
	}
	c.clients[key] = cl
	return cl, nil
}

// Call blocks the calling goroutine performing the full "dial, write HTTP
// POST, read full response, XML-decode" sequence of spec.md §4.2, returning
// the decoded reply values in order. It must never be called from the loop
// goroutine.
func (c *Client) Call(host string, port int, method string, args []interface{}) ([]interface{}, error) {
	cl, err := c.clientFor(host, port)
	if err != nil {
		return nil, err
	}
	var reply []interface{}
	if err := cl.Call(method, args, &reply); err != nil {
		return nil, errs.Wrap(errs.RPCMethodFailed, "xmlrpcclient", err, "calling ", method, " at ", endpointKey(host, port))
	}
	return reply, nil
}

// Forget drops a cached client, e.g. after a connection-level failure so the
// next Call redials from scratch instead of reusing a broken transport.
func (c *Client) Forget(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, endpointKey(host, port))
}
