// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peerdata

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/it-robotics/cros/errs"
)

// Well-known header field names exchanged during the header phase
// (spec.md §4.3: "topic name, message type, MD5 hash, caller node id,
// latching flag, and for services, persistent-flag").
const (
	HeaderTopic      = "topic"
	HeaderService    = "service"
	HeaderType       = "type"
	HeaderMD5        = "md5sum"
	HeaderCallerID   = "callerid"
	HeaderLatching   = "latching"
	HeaderPersistent = "persistent"
)

const maxHeaderLen = 1 << 20 // 1 MiB sanity ceiling against a malicious/corrupt length prefix

// EncodeHeader renders fields as spec.md §9's peer data framing describes:
// a 4-byte little-endian total length, followed by the concatenated
// "key=value" pairs, each itself prefixed by its own 4-byte little-endian
// length. Keys are emitted in sorted order for a deterministic wire form
// (useful for tests; the protocol does not require it).
func EncodeHeader(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body []byte
	for _, k := range keys {
		pair := []byte(k + "=" + fields[k])
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pair)))
		body = append(body, lenBuf[:]...)
		body = append(body, pair...)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecodeHeader parses a complete header block (without its own outer 4-byte
// length prefix — the caller reads that separately to know how many bytes
// to pass here) into its key=value fields.
func DecodeHeader(body []byte) (map[string]string, error) {
	fields := make(map[string]string)
	off := 0
	for off < len(body) {
		if len(body)-off < 4 {
			return nil, errs.New(errs.ProtocolMalformed, "peerdata", "truncated header pair length at offset ", fmt.Sprint(off))
		}
		n := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if n < 0 || n > len(body)-off {
			return nil, errs.New(errs.ProtocolMalformed, "peerdata", "header pair length ", fmt.Sprint(n), " exceeds remaining bytes")
		}
		pair := body[off : off+n]
		off += n

		eq := -1
		for i, c := range pair {
			if c == '=' {
				eq = i
				break
			}
		}
		if eq < 0 {
			return nil, errs.New(errs.ProtocolMalformed, "peerdata", "header pair missing '=': ", string(pair))
		}
		fields[string(pair[:eq])] = string(pair[eq+1:])
	}
	return fields, nil
}

// HeaderTotalLen reads the 4-byte little-endian total length prefix. Callers
// use this to know how many further bytes to buffer before calling
// DecodeHeader.
func HeaderTotalLen(prefix []byte) (int, error) {
	if len(prefix) < 4 {
		return 0, errs.New(errs.ProtocolMalformed, "peerdata", "short header length prefix")
	}
	n := int(binary.LittleEndian.Uint32(prefix))
	if n < 0 || n > maxHeaderLen {
		return 0, errs.New(errs.ProtocolMalformed, "peerdata", "header length ", fmt.Sprint(n), " exceeds sanity ceiling")
	}
	return n, nil
}
