// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/apicall"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/internal/peerdata"
	"github.com/it-robotics/cros/internal/registry"
)

// selfURI renders the URI this node advertises to the master, built from
// the negotiation RPC listener (the port peers dial to negotiate a topic or
// service, spec.md §4.4), not the data listener.
func (n *Node) selfURI() string {
	host, port, _ := splitHostPort(n.negotiationLn.Addr().String())
	if n.cfg.AdvertisedHost != "" {
		host = n.cfg.AdvertisedHost
	}
	return fmt.Sprintf("http://%s:%d/", host, port)
}

// masterCall builds and enqueues a master API call. Every caller already
// runs on the loop goroutine (inside an onLoop closure), the same goroutine
// that owns n.calls, so this enqueues directly rather than hopping through
// bus.Post.
func (n *Node) masterCall(method apicall.Method, args []interface{}, fetch func([]interface{}) (interface{}, error), onResult func(interface{}, error)) {
	call := apicall.NewCall(method, n.masterHost, n.masterPort, args, n.cfg.MasterCallMaxAttempts)
	call.FetchResult = fetch
	call.OnResult = onResult
	n.calls.Enqueue(call)
}

// postForResult runs fn on the loop goroutine and waits up to timeout for it
// to report a result, without blocking the loop itself if the caller gives
// up first (fn still runs to completion; its result is simply dropped).
func postForResult(n *Node, timeout time.Duration, fn func() error) error {
	resultCh := make(chan error, 1)
	go func() {
		n.bus.Post(func() { resultCh <- fn() })
	}()
	select {
	case err := <-resultCh:
		return err
	case <-time.After(timeout):
		return errs.New(errs.TransportTimeout, "cros", "timed out waiting for the event loop")
	}
}

// RegisterPublisher allocates a Publisher slot for topic/typeName and
// enqueues the master registerPublisher call. The returned Ref is valid
// immediately; registration with the master completes asynchronously.
func (n *Node) RegisterPublisher(topic, typeName string, tmpl *message.Template, queueSize int, latching bool) (registry.Ref, error) {
	type outcome struct {
		ref registry.Ref
		err error
	}
	out := onLoop(n, func() outcome {
		if _, exists := n.pubByTopic[topic]; exists {
			return outcome{err: errs.New(errs.RegistrationConflict, "cros", "topic ", topic, " already published by this node")}
		}
		pub := &Publisher{Topic: topic, TypeName: typeName, Template: tmpl, QueueSize: queueSize, Latching: latching, State: registry.StatePendingRegistration}
		ref, ok := n.publishers.Alloc(pub)
		if !ok {
			return outcome{err: errs.New(errs.SlotExhausted, "cros", "publisher table exhausted")}
		}
		n.pubByTopic[topic] = ref

		n.masterCall(apicall.RegisterPublisher,
			[]interface{}{n.cfg.NodeName, topic, typeName, n.selfURI()},
			func(reply []interface{}) (interface{}, error) { return nil, nil },
			func(_ interface{}, err error) {
				if p, ok := n.publishers.Get(ref); ok && *p != nil {
					if err != nil {
						n.log.Warn("registerPublisher failed", zap.String("topic", topic), zap.Error(err))
					} else {
						(*p).State = registry.StateRegistered
					}
				}
			})
		return outcome{ref: ref}
	})
	return out.ref, out.err
}

// UnregisterPublisher enqueues the master unregisterPublisher call and frees
// the slot once it completes.
func (n *Node) UnregisterPublisher(ref registry.Ref) error {
	return onLoop(n, func() error {
		pub, ok := n.publishers.Get(ref)
		if !ok || *pub == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale publisher ref")
		}
		(*pub).State = registry.StatePendingUnregistration
		topic := (*pub).Topic
		n.masterCall(apicall.UnregisterPublisher,
			[]interface{}{n.cfg.NodeName, topic, n.selfURI()},
			func(reply []interface{}) (interface{}, error) { return nil, nil },
			func(_ interface{}, _ error) {
				n.closePeersOf(ref, "publisher")
				delete(n.pubByTopic, topic)
				n.publishers.Free(ref)
			})
		return nil
	})
}

// RegisterSubscriber allocates a Subscriber slot and enqueues the master
// registerSubscriber call; the master's reply carries the currently known
// publisher URI list, each of which is dialed immediately.
func (n *Node) RegisterSubscriber(topic, typeName string, tmpl *message.Template, callback func(*message.Message)) (registry.Ref, error) {
	type outcome struct {
		ref registry.Ref
		err error
	}
	out := onLoop(n, func() outcome {
		if _, exists := n.subByTopic[topic]; exists {
			return outcome{err: errs.New(errs.RegistrationConflict, "cros", "topic ", topic, " already subscribed by this node")}
		}
		sub := &Subscriber{Topic: topic, TypeName: typeName, Template: tmpl, Callback: callback, State: registry.StatePendingRegistration, knownURIs: make(map[string]bool)}
		ref, ok := n.subscribers.Alloc(sub)
		if !ok {
			return outcome{err: errs.New(errs.SlotExhausted, "cros", "subscriber table exhausted")}
		}
		n.subByTopic[topic] = ref

		n.masterCall(apicall.RegisterSubscriber,
			[]interface{}{n.cfg.NodeName, topic, typeName, n.selfURI()},
			func(reply []interface{}) (interface{}, error) {
				if len(reply) < 3 {
					return []string(nil), nil
				}
				raw, _ := reply[2].([]interface{})
				uris := make([]string, 0, len(raw))
				for _, u := range raw {
					if s, ok := u.(string); ok {
						uris = append(uris, s)
					}
				}
				return uris, nil
			},
			func(result interface{}, err error) {
				s, ok := n.subscribers.Get(ref)
				if !ok || *s == nil {
					return
				}
				if err != nil {
					n.log.Warn("registerSubscriber failed", zap.String("topic", topic), zap.Error(err))
					return
				}
				(*s).State = registry.StateRegistered
				uris, _ := result.([]string)
				for _, uri := range uris {
					if (*s).knownURIs[uri] {
						continue
					}
					(*s).knownURIs[uri] = true
					go n.dialPublisher(ref, uri)
				}
			})
		return outcome{ref: ref}
	})
	return out.ref, out.err
}

// SetSubscriberOnError installs the callback a permanent protocol failure
// (e.g. an MD5 mismatch with a publisher) is delivered through; transport
// failures never reach it since those are retried with backoff instead.
func (n *Node) SetSubscriberOnError(ref registry.Ref, onError func(error)) error {
	return onLoop(n, func() error {
		s, ok := n.subscribers.Get(ref)
		if !ok || *s == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale subscriber ref")
		}
		(*s).OnError = onError
		return nil
	})
}

// UnregisterSubscriber enqueues the master unregisterSubscriber call, closes
// every live peer connection for the topic, and frees the slot.
func (n *Node) UnregisterSubscriber(ref registry.Ref) error {
	return onLoop(n, func() error {
		sub, ok := n.subscribers.Get(ref)
		if !ok || *sub == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale subscriber ref")
		}
		(*sub).State = registry.StatePendingUnregistration
		topic := (*sub).Topic
		n.masterCall(apicall.UnregisterSubscriber,
			[]interface{}{n.cfg.NodeName, topic, n.selfURI()},
			func(reply []interface{}) (interface{}, error) { return nil, nil },
			func(_ interface{}, _ error) {
				n.closePeersOf(ref, "subscriber")
				delete(n.subByTopic, topic)
				n.subscribers.Free(ref)
			})
		return nil
	})
}

// RegisterServiceProvider allocates a ServiceProvider slot and enqueues the
// master registerService call.
func (n *Node) RegisterServiceProvider(name, reqType, respType string, reqTmpl, respTmpl *message.Template, handle func(*message.Message) (*message.Message, bool)) (registry.Ref, error) {
	type outcome struct {
		ref registry.Ref
		err error
	}
	out := onLoop(n, func() outcome {
		if _, exists := n.providerByName[name]; exists {
			return outcome{err: errs.New(errs.RegistrationConflict, "cros", "service ", name, " already provided by this node")}
		}
		p := &ServiceProvider{Name: name, ReqTypeName: reqType, RespTypeName: respType, ReqTemplate: reqTmpl, RespTemplate: respTmpl, Handle: handle, State: registry.StatePendingRegistration}
		ref, ok := n.providers.Alloc(p)
		if !ok {
			return outcome{err: errs.New(errs.SlotExhausted, "cros", "service provider table exhausted")}
		}
		n.providerByName[name] = ref

		n.masterCall(apicall.RegisterService,
			[]interface{}{n.cfg.NodeName, name, n.selfURI(), n.selfURI()},
			func(reply []interface{}) (interface{}, error) { return nil, nil },
			func(_ interface{}, err error) {
				if pr, ok := n.providers.Get(ref); ok && *pr != nil {
					if err != nil {
						n.log.Warn("registerService failed", zap.String("service", name), zap.Error(err))
					} else {
						(*pr).State = registry.StateRegistered
					}
				}
			})
		return outcome{ref: ref}
	})
	return out.ref, out.err
}

// UnregisterServiceProvider enqueues the master unregisterService call and
// frees the slot once it completes.
func (n *Node) UnregisterServiceProvider(ref registry.Ref) error {
	return onLoop(n, func() error {
		p, ok := n.providers.Get(ref)
		if !ok || *p == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale service provider ref")
		}
		(*p).State = registry.StatePendingUnregistration
		name := (*p).Name
		n.masterCall(apicall.UnregisterService,
			[]interface{}{n.cfg.NodeName, name, n.selfURI()},
			func(reply []interface{}) (interface{}, error) { return nil, nil },
			func(_ interface{}, _ error) {
				n.closePeersOf(ref, "provider")
				delete(n.providerByName, name)
				n.providers.Free(ref)
			})
		return nil
	})
}

// RegisterServiceCaller allocates a ServiceCaller slot, issuing a master
// lookupService call to find the provider, then negotiating a data
// connection to the provider itself before the slot is usable.
func (n *Node) RegisterServiceCaller(name, reqType, respType string, reqTmpl, respTmpl *message.Template, persistent bool) (registry.Ref, error) {
	type outcome struct {
		ref registry.Ref
		err error
	}
	out := onLoop(n, func() outcome {
		caller := &ServiceCaller{Name: name, ReqTypeName: reqType, RespTypeName: respType, ReqTemplate: reqTmpl, RespTemplate: respTmpl, Persistent: persistent, State: registry.StatePendingRegistration}
		ref, ok := n.callers.Alloc(caller)
		if !ok {
			return outcome{err: errs.New(errs.SlotExhausted, "cros", "service caller table exhausted")}
		}

		n.masterCall(apicall.LookupService,
			[]interface{}{n.cfg.NodeName, name},
			func(reply []interface{}) (interface{}, error) {
				if len(reply) < 3 {
					return nil, errs.New(errs.ProtocolMalformed, "cros", "lookupService reply too short")
				}
				uri, _ := reply[2].(string)
				if uri == "" {
					return nil, errs.New(errs.RegistrationConflict, "cros", "no provider for service ", name)
				}
				return uri, nil
			},
			func(result interface{}, err error) {
				c, ok := n.callers.Get(ref)
				if !ok || *c == nil {
					return
				}
				if err != nil {
					n.log.Warn("lookupService failed", zap.String("service", name), zap.Error(err))
					return
				}
				(*c).State = registry.StateRegistered
				go n.dialServiceProvider(ref, result.(string))
			})
		return outcome{ref: ref}
	})
	return out.ref, out.err
}

// UnregisterServiceCaller closes the caller's peer connection, if any, and
// frees the slot. Service callers are not registered with the master, so
// no master call is needed.
func (n *Node) UnregisterServiceCaller(ref registry.Ref) error {
	return onLoop(n, func() error {
		c, ok := n.callers.Get(ref)
		if !ok || *c == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale service caller ref")
		}
		n.closePeersOf(ref, "caller")
		n.callers.Free(ref)
		return nil
	})
}

// CreateTemplateMessage returns a fresh zero-valued message for slot's
// registered type, per spec.md §6.
func (n *Node) CreateTemplateMessage(ref registry.Ref) (*message.Message, error) {
	type outcome struct {
		msg *message.Message
		err error
	}
	out := onLoop(n, func() outcome {
		if p, ok := n.publishers.Get(ref); ok && *p != nil {
			return outcome{msg: (*p).Template.Clone()}
		}
		if s, ok := n.subscribers.Get(ref); ok && *s != nil {
			return outcome{msg: (*s).Template.Clone()}
		}
		if c, ok := n.callers.Get(ref); ok && *c != nil {
			return outcome{msg: (*c).ReqTemplate.Clone()}
		}
		return outcome{err: errs.New(errs.InternalInvariant, "cros", "ref does not name a publisher, subscriber, or service caller slot")}
	})
	return out.msg, out.err
}

// SendTopicMessage serializes msg and enqueues it on every live peer
// connection for ref's publisher slot, per spec.md §6. timeout bounds how
// long the call waits for the loop to accept the send; it does not wait for
// delivery to any subscriber.
func (n *Node) SendTopicMessage(ref registry.Ref, msg *message.Message, timeout time.Duration) error {
	payload, err := message.Serialize(msg)
	if err != nil {
		return errs.Wrap(errs.ProtocolMalformed, "cros", err, "serializing topic message")
	}
	frame := peerdata.EncodeFrame(payload)

	return postForResult(n, timeout, func() error {
		pub, ok := n.publishers.Get(ref)
		if !ok || *pub == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale publisher ref")
		}
		n.publishFrame(*pub, payload, frame)
		return nil
	})
}

// publishFrame records payload as the slot's latch candidate and fans frame
// out to every live subscriber Channel. Must run on the loop goroutine.
func (n *Node) publishFrame(pub *Publisher, payload, frame []byte) {
	pub.lastMessage = payload
	for _, peerRef := range pub.subscriberCh {
		pp, ok := n.peers.Get(peerRef)
		if !ok || *pp == nil || (*pp).Channel == nil {
			continue
		}
		if enqErr := (*pp).Channel.Out.Enqueue(frame); enqErr != nil {
			n.log.Debug("dropping topic message on full subscriber queue", zap.Int("connection_id", (*pp).ConnectionID), zap.Error(enqErr))
		}
	}
}

// ServiceCall issues request to ref's service caller peer and blocks for up
// to timeout for the response, per spec.md §6.
func (n *Node) ServiceCall(ref registry.Ref, request *message.Message, timeout time.Duration) (*message.Message, error) {
	payload, err := message.Serialize(request)
	if err != nil {
		return nil, errs.Wrap(errs.ProtocolMalformed, "cros", err, "serializing service request")
	}

	caller := onLoop(n, func() *ServiceCaller {
		c, ok := n.callers.Get(ref)
		if !ok || *c == nil {
			return nil
		}
		return *c
	})
	if caller == nil {
		return nil, errs.New(errs.InternalInvariant, "cros", "stale service caller ref")
	}
	if caller.requests == nil {
		return nil, errs.New(errs.RPCServerRefused, "cros", "service caller ", caller.Name, " has no live connection")
	}

	deadline := time.After(timeout)
	select {
	case caller.requests <- payload:
	case <-deadline:
		return nil, errs.New(errs.TransportTimeout, "cros", "timed out handing service request to the loop")
	}

	select {
	case r := <-caller.pending:
		if !r.ok {
			return nil, errs.New(errs.RPCMethodFailed, "cros", "service call rejected by provider")
		}
		resp, derr := message.Deserialize(caller.RespTemplate, r.payload)
		if derr != nil {
			return nil, errs.Wrap(errs.ProtocolMalformed, "cros", derr, "deserializing service response")
		}
		return resp, nil
	case <-deadline:
		return nil, errs.New(errs.TransportTimeout, "cros", "timed out waiting for service response")
	}
}

// dialServiceProvider negotiates with providerURI's negotiation RPC for the
// service's data port, then dials it and runs the caller-side Channel.
func (n *Node) dialServiceProvider(callerRef registry.Ref, providerURI string) {
	host, port, err := splitHostPort(providerURI)
	if err != nil {
		n.log.Warn("malformed service provider URI", zap.String("uri", providerURI), zap.Error(err))
		return
	}

	caller := onLoop(n, func() *ServiceCaller {
		c, ok := n.callers.Get(callerRef)
		if !ok || *c == nil {
			return nil
		}
		(*c).requests = make(chan []byte, 1)
		(*c).pending = make(chan serviceReply)
		return *c
	})
	if caller == nil {
		return
	}

	ch := peerdata.NewChannel(peerdata.RoleServiceCaller, n.bus, n.log, peerdata.Handlers{
		OnServiceResponse: func(ok bool, payload []byte) {
			select {
			case caller.pending <- serviceReply{ok: ok, payload: payload}:
			default:
				// No blocked ServiceCall: this round trip was a periodic tick,
				// delivered below via OnResponse instead.
			}
			if caller.OnResponse == nil {
				return
			}
			if !ok {
				caller.OnResponse(nil, errs.New(errs.RPCMethodFailed, "cros", "service call rejected by provider"))
				return
			}
			resp, err := message.Deserialize(caller.RespTemplate, payload)
			if err != nil {
				caller.OnResponse(nil, errs.Wrap(errs.ProtocolMalformed, "cros", err, "deserializing service response"))
				return
			}
			caller.OnResponse(resp, nil)
		},
	}, n.cfg.PeerDataQueueSize, n.cfg.PeerDataHighWaterMark)
	ch.Persistent = caller.Persistent

	if err := ch.Dial(host, port); err != nil {
		n.log.Warn("dialing service provider data port failed", zap.String("service", caller.Name), zap.Error(err))
		return
	}

	pp := &PeerProcess{ConnectionID: n.nextConnectionID(), Role: peerdata.RoleServiceCaller, OwnerKind: "caller", OwnerRef: callerRef, Channel: ch}
	onLoop(n, func() struct{} {
		peerRef, ok := n.peers.Alloc(pp)
		if ok {
			if c, ok := n.callers.Get(callerRef); ok && *c != nil {
				(*c).peerRef = peerRef
			}
		}
		return struct{}{}
	})

	outHeader := map[string]string{
		peerdata.HeaderService:  caller.Name,
		peerdata.HeaderMD5:      md5Hex(caller.ReqTemplate),
		peerdata.HeaderCallerID: n.cfg.NodeName,
	}
	if caller.Persistent {
		outHeader[peerdata.HeaderPersistent] = "1"
	}
	ch.RunServiceCaller(outHeader, caller.requests)
}

// SetPublisherPeriod arms ref for periodic publishing: every period, Spin
// calls tick and sends whatever message it returns (a nil return skips that
// tick). A non-positive period disarms periodic publishing, leaving the slot
// manual-only (spec.md §4.7).
func (n *Node) SetPublisherPeriod(ref registry.Ref, period time.Duration, tick func() *message.Message) error {
	return onLoop(n, func() error {
		pub, ok := n.publishers.Get(ref)
		if !ok || *pub == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale publisher ref")
		}
		(*pub).Period = period
		(*pub).Tick = tick
		if period > 0 {
			(*pub).NextFire = n.clock.Now().Add(period)
		}
		return nil
	})
}

// SetServiceCallerPeriod arms ref for periodic service calls: every period,
// Spin fills a fresh request via fillRequest and issues it, delivering the
// response through the slot's OnResponse callback (set via
// SetServiceCallerOnResponse, or not at all for fire-and-forget
// callers driven purely by explicit ServiceCall invocations).
func (n *Node) SetServiceCallerPeriod(ref registry.Ref, period time.Duration, fillRequest func(*message.Message)) error {
	return onLoop(n, func() error {
		c, ok := n.callers.Get(ref)
		if !ok || *c == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale service caller ref")
		}
		(*c).Period = period
		(*c).FillRequest = fillRequest
		if period > 0 {
			(*c).NextFire = n.clock.Now().Add(period)
		}
		return nil
	})
}

// SetServiceCallerOnResponse installs the callback periodic ticks deliver
// their response through; ServiceCall's caller gets its response as a
// direct return value instead and does not need this set.
func (n *Node) SetServiceCallerOnResponse(ref registry.Ref, onResponse func(*message.Message, error)) error {
	return onLoop(n, func() error {
		c, ok := n.callers.Get(ref)
		if !ok || *c == nil {
			return errs.New(errs.InternalInvariant, "cros", "stale service caller ref")
		}
		(*c).OnResponse = onResponse
		return nil
	})
}

func (n *Node) closePeersOf(ownerRef registry.Ref, kind string) {
	n.peers.Each(func(ref registry.Ref, p **PeerProcess) {
		pp := *p
		if pp == nil || pp.OwnerKind != kind || pp.OwnerRef != ownerRef {
			return
		}
		if pp.Channel != nil {
			pp.Channel.Close()
		}
		n.peers.Free(ref)
	})
}
