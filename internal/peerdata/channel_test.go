// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/loopbus"
)

// drainBus runs posted closures until deadline or stop is closed, emulating
// one goroutine's worth of Node.Spin for test purposes.
func drainBus(t *testing.T, bus *loopbus.Bus, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case fn := <-bus.C():
			fn()
		case <-stop:
			return
		case <-time.After(2 * time.Second):
			t.Fatal("drainBus: timed out waiting for an event")
		}
	}
}

func TestSubscriberPublisherDataExchange(t *testing.T) {
	subConn, pubConn := net.Pipe()
	bus := loopbus.New(8)

	var gotHeader map[string]string
	var gotFrames [][]byte
	done := make(chan struct{})

	pubCh := NewChannel(RolePublisher, bus, nil, Handlers{
		OnHeader: func(h map[string]string) error {
			gotHeader = h
			return nil
		},
	}, 4, 0)
	pubCh.Accept(pubConn)

	subCh := NewChannel(RoleSubscriber, bus, nil, Handlers{
		OnFrame: func(payload []byte) {
			gotFrames = append(gotFrames, payload)
			if len(gotFrames) == 2 {
				close(done)
			}
		},
	}, 4, 0)
	subCh.conn = subConn // test-only: bypass Dial, wire the pipe end directly
	subCh.setState(StateConnecting)

	go pubCh.RunPublisher(nil, map[string]string{HeaderTopic: "/chatter", HeaderMD5: "abc"}, nil)
	go subCh.RunSubscriber(map[string]string{HeaderTopic: "/chatter", HeaderCallerID: "/listener"})

	require.NoError(t, pubCh.Out.Enqueue(EncodeFrame([]byte("one"))))
	require.NoError(t, pubCh.Out.Enqueue(EncodeFrame([]byte("two"))))

	drainBus(t, bus, done)

	assert.Equal(t, "/chatter", gotHeader[HeaderTopic])
	require.Len(t, gotFrames, 2)
	assert.Equal(t, []byte("one"), gotFrames[0])
	assert.Equal(t, []byte("two"), gotFrames[1])
}

func TestServiceCallerProviderRoundTrip(t *testing.T) {
	callerConn, providerConn := net.Pipe()
	bus := loopbus.New(8)

	providerCh := NewChannel(RoleServiceProvider, bus, nil, Handlers{}, 4, 0)
	providerCh.Accept(providerConn)
	providerCh.Persistent = false

	var gotResponse []byte
	var gotOK bool
	done := make(chan struct{})
	callerCh := NewChannel(RoleServiceCaller, bus, nil, Handlers{
		OnServiceResponse: func(ok bool, payload []byte) {
			gotOK = ok
			gotResponse = payload
			close(done)
		},
	}, 4, 0)
	callerCh.conn = callerConn
	callerCh.Persistent = false

	requests := make(chan []byte, 1)
	requests <- []byte("a=3,b=4")
	close(requests)

	go providerCh.RunServiceProvider(nil, map[string]string{HeaderService: "/sum"}, func(req []byte) (bool, []byte) {
		assert.Equal(t, []byte("a=3,b=4"), req)
		return true, []byte("sum=7")
	})
	go callerCh.RunServiceCaller(map[string]string{HeaderService: "/sum", HeaderCallerID: "/caller"}, requests)

	drainBus(t, bus, done)

	assert.True(t, gotOK)
	assert.Equal(t, []byte("sum=7"), gotResponse)
}

func TestSubscriberMD5MismatchClosesBeforeData(t *testing.T) {
	subConn, pubConn := net.Pipe()
	bus := loopbus.New(8)

	closedErr := make(chan error, 1)
	subCh := NewChannel(RoleSubscriber, bus, nil, Handlers{
		OnHeader: func(h map[string]string) error {
			return errs.New(errs.ProtocolMD5Mismatch, "peerdata", "md5 mismatch for test")
		},
		OnFrame: func(payload []byte) {
			t.Fatal("OnFrame must not be called after an MD5 mismatch")
		},
		OnClosed: func(err error) {
			closedErr <- err
		},
	}, 4, 0)
	subCh.conn = subConn

	pubCh := NewChannel(RolePublisher, bus, nil, Handlers{}, 4, 0)
	pubCh.Accept(pubConn)

	done := make(chan struct{})
	go func() {
		subCh.RunSubscriber(map[string]string{HeaderTopic: "/chatter"})
	}()
	go func() {
		pubCh.RunPublisher(nil, map[string]string{HeaderTopic: "/chatter"}, nil)
	}()
	go func() {
		<-closedErr
		close(done)
	}()

	drainBus(t, bus, done)
}
