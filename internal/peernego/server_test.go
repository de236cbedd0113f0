// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peernego

import (
	"bytes"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/it-robotics/cros/internal/xmlcodec"
)

func startTestServer(t *testing.T, h Handlers) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln, h, nil, nil)
	go srv.Serve()
	return ln.Addr().String(), func() { srv.Close() }
}

func postXML(t *testing.T, addr string, body []byte) *xmlcodec.MethodResponse {
	t.Helper()
	resp, err := http.Post("http://"+addr, "text/xml", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	parsed, err := xmlcodec.DecodeResponse(buf[:n])
	require.NoError(t, err)
	return parsed
}

func TestServerRequestTopic(t *testing.T) {
	addr, stop := startTestServer(t, Handlers{
		RequestTopic: func(callerID, topic string, protocols []xmlcodec.Value) (string, string, int, error) {
			assert.Equal(t, "/listener", callerID)
			assert.Equal(t, "/chatter", topic)
			return "TCPROS", "10.0.0.1", 9001, nil
		},
	})
	defer stop()

	body, err := xmlcodec.EncodeCall("requestTopic", []xmlcodec.Value{
		xmlcodec.Str("/listener"),
		xmlcodec.Str("/chatter"),
		xmlcodec.Arr(xmlcodec.Arr(xmlcodec.Str("TCPROS"))),
	})
	require.NoError(t, err)

	resp := postXML(t, addr, body)
	require.Nil(t, resp.Fault)
	require.Len(t, resp.Params, 3)
	proto, _ := resp.Params[2].AsArray()
	require.Len(t, proto, 3)
	host, _ := proto[1].AsString()
	port, _ := proto[2].AsInt()
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 9001, port)
}

func TestServerGetBusInfo(t *testing.T) {
	addr, stop := startTestServer(t, Handlers{
		GetBusInfo: func(callerID string) ([]BusInfoRow, error) {
			return []BusInfoRow{
				{ConnectionID: 1, PeerNodeName: "/talker", Direction: "in", Transport: "TCPROS", Topic: "/chatter", Connected: true},
			}, nil
		},
	})
	defer stop()

	body, err := xmlcodec.EncodeCall("getBusInfo", []xmlcodec.Value{xmlcodec.Str("/listener")})
	require.NoError(t, err)

	resp := postXML(t, addr, body)
	require.Nil(t, resp.Fault)
	rows, _ := resp.Params[2].AsArray()
	require.Len(t, rows, 1)
	row, _ := rows[0].AsArray()
	name, _ := row[1].AsString()
	assert.Equal(t, "/talker", name)
}

func TestServerUnknownMethodFaults(t *testing.T) {
	addr, stop := startTestServer(t, Handlers{})
	defer stop()

	body, err := xmlcodec.EncodeCall("notAMethod", nil)
	require.NoError(t, err)

	resp := postXML(t, addr, body)
	require.NotNil(t, resp.Fault)
}
