// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/it-robotics/cros/internal/message"
)

func TestRegisterSubscriberReturnsValidRefImmediately(t *testing.T) {
	n, stop := startSpinningNode(t, "/listener")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterSubscriber("/chatter", "std_msgs/String", tmpl, func(*message.Message) {})
	require.NoError(t, err)
	assert.True(t, ref.Valid())
}

func TestRegisterSubscriberRejectsDuplicateTopic(t *testing.T) {
	n, stop := startSpinningNode(t, "/listener2")
	defer stop()

	tmpl := stringTemplate(t)
	_, err := n.RegisterSubscriber("/chatter", "std_msgs/String", tmpl, func(*message.Message) {})
	require.NoError(t, err)

	_, err = n.RegisterSubscriber("/chatter", "std_msgs/String", tmpl, func(*message.Message) {})
	assert.Error(t, err)
}

func TestUnregisterSubscriberFreesSlotEventually(t *testing.T) {
	n, stop := startSpinningNode(t, "/listener3")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterSubscriber("/chatter", "std_msgs/String", tmpl, func(*message.Message) {})
	require.NoError(t, err)
	require.NoError(t, n.UnregisterSubscriber(ref))

	assert.Eventually(t, func() bool {
		_, err := n.CreateTemplateMessage(ref)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterServiceProviderReturnsValidRefImmediately(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_server")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceProvider("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl,
		func(req *message.Message) (*message.Message, bool) { return req, true })
	require.NoError(t, err)
	assert.True(t, ref.Valid())
}

func TestRegisterServiceProviderRejectsDuplicateName(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_server2")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	handle := func(req *message.Message) (*message.Message, bool) { return req, true }
	_, err := n.RegisterServiceProvider("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, handle)
	require.NoError(t, err)

	_, err = n.RegisterServiceProvider("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, handle)
	assert.Error(t, err)
}

func TestUnregisterServiceProviderFreesSlotEventually(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_server3")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceProvider("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl,
		func(req *message.Message) (*message.Message, bool) { return req, true })
	require.NoError(t, err)
	require.NoError(t, n.UnregisterServiceProvider(ref))

	assert.Eventually(t, func() bool {
		_, err := n.CreateTemplateMessage(ref)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterServiceCallerReturnsValidRefImmediately(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_client")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceCaller("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, false)
	require.NoError(t, err)
	assert.True(t, ref.Valid())

	msg, err := n.CreateTemplateMessage(ref)
	require.NoError(t, err)
	assert.Equal(t, "std_msgs/String", msg.TypeName)
}

func TestServiceCallWithoutLiveConnectionFailsFast(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_client2")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceCaller("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, false)
	require.NoError(t, err)

	req, err := n.CreateTemplateMessage(ref)
	require.NoError(t, err)
	req.MustField("data").SetString("hi")

	_, err = n.ServiceCall(ref, req, time.Second)
	assert.Error(t, err)
}

func TestUnregisterServiceCallerFreesSlotImmediately(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_client3")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceCaller("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, false)
	require.NoError(t, err)

	require.NoError(t, n.UnregisterServiceCaller(ref))

	_, err = n.CreateTemplateMessage(ref)
	assert.Error(t, err)
}

func TestSetPublisherPeriodArmsPeriodicTick(t *testing.T) {
	n, stop := startSpinningNode(t, "/talker_periodic")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	require.NoError(t, err)

	ticked := make(chan struct{}, 1)
	err = n.SetPublisherPeriod(ref, 10*time.Millisecond, func() *message.Message {
		msg := tmpl.Clone()
		msg.MustField("data").SetString("tick")
		select {
		case ticked <- struct{}{}:
		default:
		}
		return msg
	})
	require.NoError(t, err)

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher period never fired")
	}
}

func TestSetServiceCallerPeriodAndOnResponse(t *testing.T) {
	n, stop := startSpinningNode(t, "/add_two_ints_client4")
	defer stop()

	reqTmpl := stringTemplate(t)
	respTmpl := stringTemplate(t)
	ref, err := n.RegisterServiceCaller("/add_two_ints", "std_msgs/String", "std_msgs/String", reqTmpl, respTmpl, false)
	require.NoError(t, err)

	require.NoError(t, n.SetServiceCallerOnResponse(ref, func(*message.Message, error) {}))
	require.NoError(t, n.SetServiceCallerPeriod(ref, time.Hour, func(req *message.Message) {
		req.MustField("data").SetString("periodic")
	}))
}
