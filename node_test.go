// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cros

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/it-robotics/cros/internal/config"
	"github.com/it-robotics/cros/internal/message"
	"github.com/it-robotics/cros/schema"
)

func testConfig(t *testing.T, nodeName string) *config.Config {
	t.Helper()
	v := config.New()
	v.Set("node_name", nodeName)
	v.Set("advertised_host", "127.0.0.1")
	// Port 1 refuses connections immediately on loopback, so a master call
	// fails fast instead of timing out the test.
	v.Set("master_uri", "http://127.0.0.1:1")
	v.Set("master_call_max_attempts", 1)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func stringTemplate(t *testing.T) *message.Template {
	t.Helper()
	r := schema.NewRegistry()
	r.MustDefine(schema.Definition{
		TypeName: "std_msgs/String",
		Fields:   []schema.FieldSpec{{Name: "data", Kind: message.KindString}},
	})
	tmpl, err := r.Load("", "std_msgs/String")
	require.NoError(t, err)
	return tmpl
}

func startSpinningNode(t *testing.T, nodeName string) (*Node, func()) {
	t.Helper()
	cfg := testConfig(t, nodeName)
	n, err := NewNode(cfg, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		n.Spin(0)
		close(done)
	}()

	stop := func() {
		n.RequestExit()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Spin did not return after RequestExit")
		}
		n.Close()
	}
	return n, stop
}

func TestNewNodeBindsListenersAndCloses(t *testing.T) {
	cfg := testConfig(t, "/listener_test")
	n, err := NewNode(cfg, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, n.negotiationLn)
	assert.NotNil(t, n.dataLn)
	assert.NoError(t, n.Close())
}

func TestSpinReturnsAfterRequestExit(t *testing.T) {
	_, stop := startSpinningNode(t, "/spin_test")
	stop()
}

func TestSpinRespectsOverallTimeout(t *testing.T) {
	cfg := testConfig(t, "/timeout_test")
	n, err := NewNode(cfg, schema.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	start := time.Now()
	err = n.Spin(50 * time.Millisecond)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegisterPublisherReturnsValidRefImmediately(t *testing.T) {
	n, stop := startSpinningNode(t, "/talker")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	require.NoError(t, err)
	assert.True(t, ref.Valid())

	msg, err := n.CreateTemplateMessage(ref)
	require.NoError(t, err)
	assert.Equal(t, "std_msgs/String", msg.TypeName)
}

func TestRegisterPublisherRejectsDuplicateTopic(t *testing.T) {
	n, stop := startSpinningNode(t, "/talker2")
	defer stop()

	tmpl := stringTemplate(t)
	_, err := n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	require.NoError(t, err)

	_, err = n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	assert.Error(t, err)
}

func TestUnregisterPublisherFreesSlotEventually(t *testing.T) {
	n, stop := startSpinningNode(t, "/talker3")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	require.NoError(t, err)

	require.NoError(t, n.UnregisterPublisher(ref))

	assert.Eventually(t, func() bool {
		_, err := n.CreateTemplateMessage(ref)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendTopicMessageToPublisherWithNoSubscribers(t *testing.T) {
	n, stop := startSpinningNode(t, "/talker4")
	defer stop()

	tmpl := stringTemplate(t)
	ref, err := n.RegisterPublisher("/chatter", "std_msgs/String", tmpl, 8, false)
	require.NoError(t, err)

	msg, err := n.CreateTemplateMessage(ref)
	require.NoError(t, err)
	msg.MustField("data").SetString("hello")

	err = n.SendTopicMessage(ref, msg, time.Second)
	assert.NoError(t, err)
}
