// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	fields := map[string]string{
		HeaderTopic:    "/chatter",
		HeaderType:     "std_msgs/String",
		HeaderMD5:      "992ce8a1687cec8c8bd883ec73ca41d1",
		HeaderCallerID: "/talker",
		HeaderLatching: "0",
	}
	encoded := EncodeHeader(fields)

	n, err := HeaderTotalLen(encoded[:4])
	require.NoError(t, err)
	assert.Equal(t, len(encoded)-4, n)

	decoded, err := DecodeHeader(encoded[4:])
	require.NoError(t, err)
	assert.Equal(t, fields, decoded)
}

func TestDecodeHeaderRejectsMissingEquals(t *testing.T) {
	body := EncodeHeader(map[string]string{"topic": "/chatter"})[4:]
	body[9] = 'X' // corrupt the '=' of "topic=/chatter" (4-byte pair length, then "topic", then '=')
	_, err := DecodeHeader(body)
	assert.Error(t, err)
}

func TestHeaderTotalLenRejectsOversizedLength(t *testing.T) {
	var prefix [4]byte
	prefix[0], prefix[1], prefix[2], prefix[3] = 0xff, 0xff, 0xff, 0x7f
	_, err := HeaderTotalLen(prefix[:])
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, cros")
	frame := EncodeFrame(payload)
	n, err := FrameLen(frame[:4])
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, frame[4:])
}

func TestEncodeServiceResponse(t *testing.T) {
	resp := EncodeServiceResponse(true, []byte("7"))
	assert.Equal(t, byte(1), resp[0])
	n, err := FrameLen(resp[1:5])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("7"), resp[5:])

	failResp := EncodeServiceResponse(false, nil)
	assert.Equal(t, byte(0), failResp[0])
}
