// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xmlcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCallRoundTrip(t *testing.T) {
	params := []Value{
		Str("/talker"),
		Int(42),
		Arr(Str("a"), Str("b")),
		Struct(Field("ok", Bool(true)), Field("ratio", Double(1.5))),
	}
	data, err := EncodeCall("registerPublisher", params)
	require.NoError(t, err)

	call, err := DecodeCall(data)
	require.NoError(t, err)
	assert.Equal(t, "registerPublisher", call.MethodName)
	require.Len(t, call.Params, 4)

	s, ok := call.Params[0].AsString()
	require.True(t, ok)
	assert.Equal(t, "/talker", s)

	i, ok := call.Params[1].AsInt()
	require.True(t, ok)
	assert.Equal(t, 42, i)

	arr, ok := call.Params[2].AsArray()
	require.True(t, ok)
	require.Len(t, arr, 2)
	s0, _ := arr[0].AsString()
	assert.Equal(t, "a", s0)

	flag, ok := call.Params[3].Get("ok")
	require.True(t, ok)
	b, ok := flag.AsBool()
	require.True(t, ok)
	assert.True(t, b)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	data, err := EncodeResponse([]Value{Arr(Int(1), Str("reason"), Str("http://host:1234/"))})
	require.NoError(t, err)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Nil(t, resp.Fault)
	require.Len(t, resp.Params, 1)

	arr, ok := resp.Params[0].AsArray()
	require.True(t, ok)
	require.Len(t, arr, 3)
	code, _ := arr[0].AsInt()
	assert.Equal(t, 1, code)
}

func TestEncodeDecodeFaultRoundTrip(t *testing.T) {
	data, err := EncodeFault(404, "no such method")
	require.NoError(t, err)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	require.NotNil(t, resp.Fault)
	assert.Equal(t, 404, resp.Fault.Code)
	assert.Equal(t, "no such method", resp.Fault.Message)
}

func TestValueAccessorsRejectWrongKind(t *testing.T) {
	v := Str("x")
	_, ok := v.AsInt()
	assert.False(t, ok)
	_, ok = v.AsBool()
	assert.False(t, ok)
}
