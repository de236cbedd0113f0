// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"encoding/hex"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/apicall"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/internal/peerdata"
	"github.com/it-robotics/cros/internal/registry"
)

func md5Hex(t *message.Template) string {
	return hex.EncodeToString(t.MD5[:])
}

// acceptDataConns runs for the node's lifetime on its own goroutine,
// accepting peer data connections (spec.md §4.3's publisher/service-
// provider accepted side). Each connection gets its own goroutine that
// peeks the header to learn which local slot it is for, then hands off to
// the matching Channel.Run* method.
func (n *Node) acceptDataConns() {
	for {
		conn, err := n.dataLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				return
			}
			n.log.Warn("peer data accept failed", zap.Error(err))
			continue
		}
		go n.handleDataConn(conn)
	}
}

func (n *Node) handleDataConn(conn net.Conn) {
	header, err := peerdata.ReadHeader(conn)
	if err != nil {
		n.log.Debug("peer data connection sent a malformed header", zap.Error(err))
		conn.Close()
		return
	}

	if svc, ok := header[peerdata.HeaderService]; ok {
		n.acceptServiceConn(conn, header, svc)
		return
	}
	topic, ok := header[peerdata.HeaderTopic]
	if !ok {
		n.log.Debug("peer data connection header names neither topic nor service")
		conn.Close()
		return
	}
	n.acceptPublisherConn(conn, header, topic)
}

func (n *Node) acceptPublisherConn(conn net.Conn, header map[string]string, topic string) {
	type setup struct {
		ref  registry.Ref
		pub  *Publisher
		peer registry.Ref
		err  error
	}
	s := onLoop(n, func() setup {
		ref, ok := n.pubByTopic[topic]
		if !ok {
			return setup{err: errs.New(errs.RegistrationConflict, "cros", "no publisher for topic ", topic)}
		}
		pub, ok := n.publishers.Get(ref)
		if !ok || *pub == nil {
			return setup{err: errs.New(errs.InternalInvariant, "cros", "stale publisher ref")}
		}
		pp := &PeerProcess{ConnectionID: n.nextConnectionID(), Role: peerdata.RolePublisher, OwnerKind: "publisher", OwnerRef: ref, RemoteNodeName: header[peerdata.HeaderCallerID]}
		peerRef, ok := n.peers.Alloc(pp)
		if !ok {
			return setup{err: errs.New(errs.SlotExhausted, "cros", "peer table exhausted")}
		}
		(*pub).subscriberCh = append((*pub).subscriberCh, peerRef)
		return setup{ref: ref, pub: *pub, peer: peerRef}
	})
	if s.err != nil {
		n.log.Debug("rejecting publisher-side connection", zap.Error(s.err))
		conn.Close()
		return
	}

	ch := peerdata.NewChannel(peerdata.RolePublisher, n.bus, n.log, peerdata.Handlers{
		OnHeader: func(map[string]string) error { return nil }, // already validated the topic lookup above
		OnStateChange: func(peerdata.State) {},
	}, n.cfg.PeerDataQueueSize, n.cfg.PeerDataHighWaterMark)
	ch.Topic = topic
	ch.Latching = s.pub.Latching
	ch.Accept(conn)

	onLoop(n, func() struct{} {
		if p, ok := n.peers.Get(s.peer); ok && *p != nil {
			(*p).Channel = ch
		}
		return struct{}{}
	})

	outHeader := map[string]string{
		peerdata.HeaderTopic:    topic,
		peerdata.HeaderType:     s.pub.TypeName,
		peerdata.HeaderMD5:      md5Hex(s.pub.Template),
		peerdata.HeaderCallerID: n.cfg.NodeName,
		peerdata.HeaderLatching: boolHeader(s.pub.Latching),
	}
	ch.RunPublisher(header, outHeader, s.pub.lastMessage)
}

func (n *Node) acceptServiceConn(conn net.Conn, header map[string]string, service string) {
	type setup struct {
		provider *ServiceProvider
		err      error
	}
	s := onLoop(n, func() setup {
		ref, ok := n.providerByName[service]
		if !ok {
			return setup{err: errs.New(errs.RegistrationConflict, "cros", "no service provider for ", service)}
		}
		p, ok := n.providers.Get(ref)
		if !ok || *p == nil {
			return setup{err: errs.New(errs.InternalInvariant, "cros", "stale provider ref")}
		}
		return setup{provider: *p}
	})
	if s.err != nil {
		n.log.Debug("rejecting service connection", zap.Error(s.err))
		conn.Close()
		return
	}

	ch := peerdata.NewChannel(peerdata.RoleServiceProvider, n.bus, n.log, peerdata.Handlers{
		OnHeader: func(map[string]string) error { return nil },
	}, n.cfg.PeerDataQueueSize, n.cfg.PeerDataHighWaterMark)
	ch.Persistent = header[peerdata.HeaderPersistent] == "1"
	ch.Accept(conn)

	outHeader := map[string]string{
		peerdata.HeaderService:  service,
		peerdata.HeaderType:     s.provider.ReqTypeName,
		peerdata.HeaderCallerID: n.cfg.NodeName,
	}
	ch.RunServiceProvider(header, outHeader, func(req []byte) (bool, []byte) {
		msg, err := message.Deserialize(s.provider.ReqTemplate, req)
		if err != nil {
			n.log.Warn("malformed service request", zap.String("service", service), zap.Error(err))
			return false, nil
		}
		type reply struct {
			resp *message.Message
			ok   bool
		}
		r := onLoop(n, func() reply {
			resp, ok := s.provider.Handle(msg)
			return reply{resp: resp, ok: ok}
		})
		if !r.ok || r.resp == nil {
			return false, nil
		}
		out, err := message.Serialize(r.resp)
		if err != nil {
			n.log.Warn("failed to serialize service response", zap.String("service", service), zap.Error(err))
			return false, nil
		}
		return true, out
	})
}

// dialPublisher asks publisherURI's negotiation RPC for permission to
// subscribe to topic (spec.md §4.4's requestTopic), then dials the data
// port it returns and drives the subscriber-side Channel.
func (n *Node) dialPublisher(subRef registry.Ref, publisherURI string) {
	host, port, err := splitHostPort(publisherURI)
	if err != nil {
		n.log.Warn("malformed publisher URI", zap.String("uri", publisherURI), zap.Error(err))
		return
	}
	sub := onLoop(n, func() *Subscriber {
		s, ok := n.subscribers.Get(subRef)
		if !ok || *s == nil {
			return nil
		}
		return *s
	})
	if sub == nil {
		return
	}

	call := apicall.NewCall(apicall.RequestTopic, host, port,
		[]interface{}{n.cfg.NodeName, sub.Topic, []interface{}{[]interface{}{"TCPROS"}}}, 1)
	call.FetchResult = func(reply []interface{}) (interface{}, error) {
		if len(reply) < 3 {
			return nil, errs.New(errs.ProtocolMalformed, "cros", "requestTopic reply too short")
		}
		proto, _ := reply[2].([]interface{})
		if len(proto) < 3 {
			return nil, errs.New(errs.ProtocolMalformed, "cros", "requestTopic protocol params too short")
		}
		dataHost, _ := proto[1].(string)
		dataPort := toInt(proto[2])
		return [2]interface{}{dataHost, dataPort}, nil
	}
	call.OnResult = func(result interface{}, err error) {
		if err != nil {
			n.log.Warn("requestTopic failed", zap.String("topic", sub.Topic), zap.String("publisher", publisherURI), zap.Error(err))
			return
		}
		pair := result.([2]interface{})
		// OnResult runs on the loop goroutine (apicall.Engine.finish); hop off
		// it before connectSubscriber's blocking Dial and its own onLoop
		// round trips, which would otherwise deadlock against this very call.
		go n.connectSubscriber(subRef, publisherURI, pair[0].(string), pair[1].(int))
	}
	n.bus.Post(func() { n.calls.Enqueue(call) })
}

// connectSubscriber dials host:port (the data port returned for
// publisherURI's negotiation port) and drives the subscriber-side Channel
// for as long as the Subscriber slot stays registered, reconnecting with
// exponential backoff (spec.md §4.1) on every connection failure. It owns
// its goroutine for the subscriber's entire lifetime.
func (n *Node) connectSubscriber(subRef registry.Ref, publisherURI, host string, port int) {
	for {
		sub := onLoop(n, func() *Subscriber {
			s, ok := n.subscribers.Get(subRef)
			if !ok || *s == nil {
				return nil
			}
			return *s
		})
		if sub == nil {
			return
		}

		ch := peerdata.NewChannel(peerdata.RoleSubscriber, n.bus, n.log, peerdata.Handlers{
			OnHeader: func(h map[string]string) error {
				return n.validateSubscriberHeader(sub, h)
			},
			OnFrame: func(payload []byte) {
				n.deliverTopicMessage(sub, payload)
			},
		}, n.cfg.PeerDataQueueSize, n.cfg.PeerDataHighWaterMark)

		if err := ch.Dial(host, port); err != nil {
			n.log.Warn("dialing publisher data port failed", zap.String("topic", sub.Topic), zap.Error(err))
			time.Sleep(ch.NextReconnectDelay())
			if n.ExitRequested() {
				return
			}
			continue
		}

		peerRef := onLoop(n, func() registry.Ref {
			pp := &PeerProcess{ConnectionID: n.nextConnectionID(), Role: peerdata.RoleSubscriber, OwnerKind: "subscriber", OwnerRef: subRef, Channel: ch}
			ref, ok := n.peers.Alloc(pp)
			if ok {
				(*sub).publisherCh = append((*sub).publisherCh, ref)
			}
			return ref
		})

		outHeader := map[string]string{
			peerdata.HeaderTopic:    sub.Topic,
			peerdata.HeaderType:     sub.TypeName,
			peerdata.HeaderMD5:      md5Hex(sub.Template),
			peerdata.HeaderCallerID: n.cfg.NodeName,
		}
		ch.RunSubscriber(outHeader) // blocks until the connection fails or Close is called
		lastErr := ch.LastError()

		onLoop(n, func() struct{} {
			if peerRef.Valid() {
				n.peers.Free(peerRef)
			}
			return struct{}{}
		})

		if isPermanentProtocolError(lastErr) {
			// A protocol error (e.g. MD5 mismatch) will never be resolved by
			// reconnecting to the same publisher: terminate instead of
			// retrying, and hand the failure to the embedder (spec.md §8 S6).
			n.log.Warn("subscriber connection failed permanently", zap.String("topic", sub.Topic), zap.Error(lastErr))
			n.reportSubscriberError(subRef, publisherURI, lastErr)
			return
		}

		if n.ExitRequested() {
			return
		}
		stillRegistered := onLoop(n, func() bool {
			s, ok := n.subscribers.Get(subRef)
			return ok && *s != nil
		})
		if !stillRegistered {
			return
		}
		time.Sleep(ch.NextReconnectDelay())
	}
}

// isPermanentProtocolError reports whether err reflects a message-type
// disagreement with the publisher that reconnecting cannot fix, as opposed
// to a transient failure worth retrying. errs.ProtocolMalformed deliberately
// is not included here: it marks a single corrupted read (a bad length
// prefix, a truncated header) rather than a fundamental incompatibility,
// and the same publisher's next connection attempt may read cleanly.
func isPermanentProtocolError(err error) bool {
	return errs.Of(err) == errs.ProtocolMD5Mismatch
}

// reportSubscriberError delivers a terminal subscriber connection failure to
// the registered OnError callback, if any, on the loop goroutine, and
// forgets publisherURI was ever dialed so a later publisherUpdate for the
// same URI (e.g. once an operator fixes a misconfigured publisher) dials it
// again instead of being silently skipped by the knownURIs dedup.
func (n *Node) reportSubscriberError(subRef registry.Ref, publisherURI string, err error) {
	onLoop(n, func() struct{} {
		s, ok := n.subscribers.Get(subRef)
		if !ok || *s == nil {
			return struct{}{}
		}
		delete((*s).knownURIs, publisherURI)
		if (*s).OnError != nil {
			(*s).OnError(err)
		}
		return struct{}{}
	})
}

func (n *Node) validateSubscriberHeader(sub *Subscriber, h map[string]string) error {
	if h[peerdata.HeaderMD5] != md5Hex(sub.Template) {
		return errs.New(errs.ProtocolMD5Mismatch, "cros", "topic ", sub.Topic, ": md5 mismatch")
	}
	return nil
}

func (n *Node) deliverTopicMessage(sub *Subscriber, payload []byte) {
	msg, err := message.Deserialize(sub.Template, payload)
	if err != nil {
		n.log.Warn("malformed topic message", zap.String("topic", sub.Topic), zap.Error(err))
		return
	}
	if sub.Callback != nil {
		sub.Callback(msg)
	}
}

func boolHeader(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func splitHostPort(uri string) (string, int, error) {
	if u, err := url.Parse(uri); err == nil && u.Host != "" {
		port, perr := strconv.Atoi(u.Port())
		if perr != nil {
			return "", 0, errs.Wrap(errs.BadArgument, "cros", perr, "parsing port from ", uri)
		}
		return u.Hostname(), port, nil
	}
	host, portStr, err := net.SplitHostPort(uri)
	if err != nil {
		return "", 0, errs.Wrap(errs.BadArgument, "cros", err, "parsing host:port from ", uri)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errs.Wrap(errs.BadArgument, "cros", err, "parsing port from ", uri)
	}
	return host, port, nil
}
