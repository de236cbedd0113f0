// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/apicall"
	"github.com/it-robotics/cros/internal/clock"
	"github.com/it-robotics/cros/internal/config"
	"github.com/it-robotics/cros/internal/logging"
	"github.com/it-robotics/cros/internal/loopbus"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/internal/peernego"
	"github.com/it-robotics/cros/internal/registry"
	"github.com/it-robotics/cros/internal/xmlrpcclient"
)

const (
	busBuffer = 64
	// masterCallTimeout bounds a single XML-RPC round trip to the master or
	// a peer's negotiation port; retries beyond a failure are the apicall
	// engine's job (spec.md §4.2), not this timeout's.
	masterCallTimeout = 10 * time.Second
)

// Node is the process-wide participant described in spec.md §3: the owner
// of every socket, every slot registry, and the master API call queue.
// Create one with NewNode, register slots, then call Spin.
type Node struct {
	cfg    *config.Config
	schema *message.Registry
	log    *zap.Logger

	masterHost string
	masterPort int

	bus       *loopbus.Bus
	transport *xmlrpcclient.Client
	calls     *apicall.Engine

	negotiationLn net.Listener
	negotiation   *peernego.Server
	dataLn        net.Listener

	publishers  *registry.Table[*Publisher]
	subscribers *registry.Table[*Subscriber]
	providers   *registry.Table[*ServiceProvider]
	callers     *registry.Table[*ServiceCaller]
	peers       *registry.Table[*PeerProcess]

	// Name-keyed indexes, maintained alongside the arenas above, so the
	// negotiation RPC handlers (which only know a topic/service name, never
	// a slot index) can find the right slot in O(1) instead of scanning
	// every live entry.
	pubByTopic      map[string]registry.Ref
	subByTopic      map[string]registry.Ref
	providerByName  map[string]registry.Ref

	nextConnID int64
	exit       atomic.Bool

	// clock is Spin's wall-clock source. It is always clock.Real outside of
	// tests in this package, which swap in a clock.Fake for deterministic
	// timer behavior.
	clock clock.Clock
}

// defaultSlotCapacity bounds each arena's size; spec.md models these as
// fixed-capacity arena vectors (§9) and does not name a size, so this is a
// generous default an embedder can outgrow only by recompiling with a larger
// constant (no resize-on-demand path exists, matching the teacher's own
// fixed-size internal tables).
const defaultSlotCapacity = 256

// NewNode binds the negotiation and data listening sockets and starts the
// negotiation RPC server, but does not yet contact the master — that
// happens lazily, the first time a slot is registered.
func NewNode(cfg *config.Config, loader message.Loader, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = logging.Nop()
	}

	host, port, err := parseMasterURI(cfg.MasterURI)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		schema:      message.NewRegistry(loader),
		log:         log,
		masterHost:  host,
		masterPort:  port,
		bus:         loopbus.New(busBuffer),
		transport:   xmlrpcclient.New(masterCallTimeout),
		publishers:  registry.NewTable[*Publisher](defaultSlotCapacity),
		subscribers: registry.NewTable[*Subscriber](defaultSlotCapacity),
		providers:   registry.NewTable[*ServiceProvider](defaultSlotCapacity),
		callers:     registry.NewTable[*ServiceCaller](defaultSlotCapacity),
		peers:       registry.NewTable[*PeerProcess](defaultSlotCapacity * 4),
		clock:       clock.Real,

		pubByTopic:     make(map[string]registry.Ref),
		subByTopic:     make(map[string]registry.Ref),
		providerByName: make(map[string]registry.Ref),
	}
	n.calls = apicall.NewEngine(apicall.NewQueue(), n.bus, n.transport, log)

	negLn, err := listenInRange(cfg.AdvertisedHost, cfg.NegotiationPortMin, cfg.NegotiationPortMax)
	if err != nil {
		return nil, errs.Wrap(errs.TransportIO, "cros", err, "binding negotiation RPC listener")
	}
	n.negotiationLn = negLn
	n.negotiation = peernego.NewServer(negLn, n.negotiationHandlers(), n.bus, log)
	go func() {
		if err := n.negotiation.Serve(); err != nil {
			n.log.Warn("negotiation RPC server stopped", zap.Error(err))
		}
	}()

	dataLn, err := listenInRange(cfg.AdvertisedHost, cfg.DataPortMin, cfg.DataPortMax)
	if err != nil {
		negLn.Close()
		return nil, errs.Wrap(errs.TransportIO, "cros", err, "binding peer data listener")
	}
	n.dataLn = dataLn
	go n.acceptDataConns()

	n.log.Info("node started",
		zap.String("name", cfg.NodeName),
		zap.String("negotiation_addr", negLn.Addr().String()),
		zap.String("data_addr", dataLn.Addr().String()))

	return n, nil
}

func parseMasterURI(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, errs.Wrap(errs.BadArgument, "cros", err, "parsing master_uri ", raw)
	}
	host := u.Hostname()
	portStr := u.Port()
	if portStr == "" {
		portStr = "11311"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errs.Wrap(errs.BadArgument, "cros", err, "parsing master port from ", raw)
	}
	return host, port, nil
}

func listenInRange(host string, min, max int) (net.Listener, error) {
	if min == 0 && max == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for p := min; p <= max; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.TransportIO, "cros", lastErr, "no free port in range ", strconv.Itoa(min), "-", strconv.Itoa(max))
}

// onLoop runs fn on the loop goroutine and blocks the caller until it
// completes, returning fn's result. Used by connection goroutines (the
// negotiation RPC server's per-request handlers) that must read or mutate
// Node state but must never do so directly, preserving spec.md §5's "only
// the loop invokes callbacks" guarantee.
func onLoop[T any](n *Node, fn func() T) T {
	result := make(chan T, 1)
	n.bus.Post(func() { result <- fn() })
	return <-result
}

// RequestExit sets the exit flag Spin checks once per iteration. Safe to
// call from any goroutine, including from within a registered callback.
func (n *Node) RequestExit() {
	n.exit.Store(true)
}

// ExitRequested reports whether RequestExit has been called.
func (n *Node) ExitRequested() bool {
	return n.exit.Load()
}

// Name returns the node's configured name.
func (n *Node) Name() string {
	return n.cfg.NodeName
}

// Close tears down every listening socket and live peer connection. It does
// not unregister slots from the master; call the Unregister* methods first
// if a clean master-side teardown is wanted.
func (n *Node) Close() error {
	var err error
	if n.negotiationLn != nil {
		err = multierr.Append(err, n.negotiationLn.Close())
	}
	if n.dataLn != nil {
		err = multierr.Append(err, n.dataLn.Close())
	}
	n.peers.Each(func(_ registry.Ref, p **PeerProcess) {
		if *p != nil && (*p).Channel != nil {
			(*p).Channel.Close()
		}
	})
	n.calls.Release()
	return err
}

func (n *Node) nextConnectionID() int {
	return int(atomic.AddInt64(&n.nextConnID, 1))
}
