// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"encoding/binary"
	"fmt"

	"github.com/it-robotics/cros/errs"
)

// maxFrameLen bounds a single data-message or service payload against a
// corrupt or hostile length prefix; spec.md does not name a ceiling so this
// is a defensive generalization, not a protocol requirement.
const maxFrameLen = 64 << 20

// EncodeFrame prefixes payload with its own 4-byte little-endian length, the
// "Data messages = 4-byte little-endian length + payload" form of spec.md §9.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// FrameLen reads a frame's 4-byte little-endian length prefix.
func FrameLen(prefix []byte) (int, error) {
	if len(prefix) < 4 {
		return 0, errs.New(errs.ProtocolMalformed, "peerdata", "short frame length prefix")
	}
	n := int(binary.LittleEndian.Uint32(prefix))
	if n < 0 || n > maxFrameLen {
		return 0, errs.New(errs.ProtocolMalformed, "peerdata", "frame length ", fmt.Sprint(n), " exceeds sanity ceiling")
	}
	return n, nil
}

// EncodeServiceResponse prefixes payload with the one-byte "ok" flag spec.md
// §4.3 describes ("a one-byte 'ok' flag precedes the response payload"),
// followed by the same 4-byte-length-prefixed frame used elsewhere.
func EncodeServiceResponse(ok bool, payload []byte) []byte {
	frame := EncodeFrame(payload)
	out := make([]byte, 1+len(frame))
	if ok {
		out[0] = 1
	}
	copy(out[1:], frame)
	return out
}
