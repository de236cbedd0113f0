// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/peernego"
	"github.com/it-robotics/cros/internal/registry"
	"github.com/it-robotics/cros/internal/xmlcodec"
)

// negotiationHandlers builds the peernego.Handlers this node's negotiation
// RPC server answers with. Every handler hops onto the loop goroutine via
// onLoop before touching any slot table, so the connection goroutine that
// peernego.Server runs it on never races with Spin.
func (n *Node) negotiationHandlers() peernego.Handlers {
	return peernego.Handlers{
		RequestTopic:    n.handleRequestTopic,
		PublisherUpdate: n.handlePublisherUpdate,
		GetBusInfo:      n.handleGetBusInfo,
		Shutdown:        n.handleShutdown,
	}
}

// handleRequestTopic answers another node asking to subscribe to one of our
// topics: look up the Publisher slot and reply with where to dial the
// framed data protocol (spec.md §4.4). The actual TCP connection for the
// data phase is made separately, once the caller dials the returned
// host:port, and is wired up in acceptDataConns.
func (n *Node) handleRequestTopic(callerID, topic string, protocols []xmlcodec.Value) (string, string, int, error) {
	type result struct {
		host string
		port int
		err  error
	}
	r := onLoop(n, func() result {
		ref, ok := n.pubByTopic[topic]
		if !ok {
			return result{err: errs.New(errs.RegistrationConflict, "cros", "no publisher for topic ", topic)}
		}
		pub, ok := n.publishers.Get(ref)
		if !ok || *pub == nil {
			return result{err: errs.New(errs.InternalInvariant, "cros", "stale publisher ref for topic ", topic)}
		}
		host, port, splitErr := splitHostPort(n.dataLn.Addr().String())
		if splitErr != nil {
			return result{err: splitErr}
		}
		if n.cfg.AdvertisedHost != "" {
			host = n.cfg.AdvertisedHost
		}
		n.log.Debug("requestTopic", zap.String("caller", callerID), zap.String("topic", topic))
		return result{host: host, port: port}
	})
	if r.err != nil {
		return "", "", 0, r.err
	}
	return "TCPROS", r.host, r.port, nil
}

// handlePublisherUpdate answers a master-pushed (or peer-pushed) update of a
// topic's current publisher URI list: for each subscriber slot on that
// topic, dial any newly listed publisher not already connected.
func (n *Node) handlePublisherUpdate(callerID, topic string, publisherURIs []string) error {
	return onLoop(n, func() error {
		ref, ok := n.subByTopic[topic]
		if !ok {
			return errs.New(errs.RegistrationConflict, "cros", "no subscriber for topic ", topic)
		}
		sub, ok := n.subscribers.Get(ref)
		if !ok || *sub == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale subscriber ref for topic ", topic)
		}
		for _, uri := range publisherURIs {
			if (*sub).knownURIs[uri] {
				continue
			}
			(*sub).knownURIs[uri] = true
			go n.dialPublisher(ref, uri)
		}
		return nil
	})
}

func (n *Node) handleGetBusInfo(callerID string) ([]peernego.BusInfoRow, error) {
	return onLoop(n, func() []peernego.BusInfoRow {
		return n.busInfoLocked()
	}), nil
}

func (n *Node) handleShutdown(callerID, reason string) error {
	n.log.Info("shutdown requested by peer RPC", zap.String("caller", callerID), zap.String("reason", reason))
	n.RequestExit()
	return nil
}

func (n *Node) busInfoLocked() []peernego.BusInfoRow {
	var rows []peernego.BusInfoRow
	n.peers.Each(func(ref registry.Ref, p **PeerProcess) {
		pp := *p
		if pp == nil {
			return
		}
		direction := "out"
		if pp.Role.String() == "subscriber" || pp.Role.String() == "service-caller" {
			direction = "in"
		}
		connected := pp.Channel != nil && pp.Channel.State() != 0 // 0 == StateIdle
		rows = append(rows, peernego.BusInfoRow{
			ConnectionID: pp.ConnectionID,
			PeerNodeName: pp.RemoteNodeName,
			Direction:    direction,
			Transport:    "TCPROS",
			Topic:        topicOf(n, pp),
			Connected:    connected,
		})
	})
	return rows
}

func topicOf(n *Node, pp *PeerProcess) string {
	switch pp.OwnerKind {
	case "publisher":
		if p, ok := n.publishers.Get(pp.OwnerRef); ok && *p != nil {
			return (*p).Topic
		}
	case "subscriber":
		if s, ok := n.subscribers.Get(pp.OwnerRef); ok && *s != nil {
			return (*s).Topic
		}
	case "provider":
		if p, ok := n.providers.Get(pp.OwnerRef); ok && *p != nil {
			return (*p).Name
		}
	case "caller":
		if c, ok := n.callers.Get(pp.OwnerRef); ok && *c != nil {
			return (*c).Name
		}
	}
	return ""
}
