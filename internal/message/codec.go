// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/it-robotics/cros/errs"
)

// maxArrayLen is the smallest array (or string) length we refuse to encode
// or accept, per spec.md §8 ("maximum array length of 2^31−1 is rejected with
// bad-argument"). We reject at 2^31-1 itself, matching the boundary text.
const maxArrayLen = 1<<31 - 1

// Serialize walks m in declaration order and produces the wire bytes
// described in spec.md §4.3 ("integers little-endian, strings as 4-byte
// length + bytes, arrays as 4-byte count + elements, nested messages
// inlined").
func Serialize(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	var err error
	buf, err = appendFields(buf, m.Fields)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendFields(buf []byte, fields []*Field) ([]byte, error) {
	var err error
	for _, f := range fields {
		buf, err = appendField(buf, f)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendField(buf []byte, f *Field) ([]byte, error) {
	switch f.Kind {
	case KindInt8:
		return append(buf, byte(f.i64)), nil
	case KindUint8:
		return append(buf, byte(f.u64)), nil
	case KindInt16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(f.i64))
		return append(buf, tmp[:]...), nil
	case KindUint16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(f.u64))
		return append(buf, tmp[:]...), nil
	case KindInt32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(f.i64))
		return append(buf, tmp[:]...), nil
	case KindUint32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(f.u64))
		return append(buf, tmp[:]...), nil
	case KindFloat32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(float32(f.f64)))
		return append(buf, tmp[:]...), nil
	case KindInt64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(f.i64))
		return append(buf, tmp[:]...), nil
	case KindUint64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], f.u64)
		return append(buf, tmp[:]...), nil
	case KindFloat64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f.f64))
		return append(buf, tmp[:]...), nil
	case KindBool:
		if f.b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindDuration, KindTime:
		var tmp [8]byte
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(int32(f.i64)))
		binary.LittleEndian.PutUint32(tmp[4:8], uint32(f.u64))
		return append(buf, tmp[:]...), nil
	case KindString:
		return appendLengthPrefixed(buf, []byte(f.s))
	case KindMessage:
		if f.nested == nil {
			return nil, errs.New(errs.ProtocolMalformed, "message", "nil nested message for field ", f.Name)
		}
		return appendFields(buf, f.nested.Fields)
	case KindArray:
		return appendArray(buf, f)
	default:
		return nil, errs.New(errs.InternalInvariant, "message", "unknown field kind for ", f.Name)
	}
}

func appendArray(buf []byte, f *Field) ([]byte, error) {
	if len(f.array) >= maxArrayLen {
		return nil, errs.New(errs.BadArgument, "message", "array field ", f.Name, " exceeds maximum length")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.array)))
	buf = append(buf, lenBuf[:]...)
	var err error
	for _, elem := range f.array {
		buf, err = appendField(buf, elem)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendLengthPrefixed(buf []byte, data []byte) ([]byte, error) {
	if len(data) >= maxArrayLen {
		return nil, errs.New(errs.BadArgument, "message", "string field exceeds maximum length")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...), nil
}

// Deserialize populates a fresh clone of tmpl from data, walking fields in
// the same declaration order Serialize used. It returns errs.ProtocolMalformed
// if data is short or has trailing bytes, and errs.BadArgument if an array or
// string claims a length of maxArrayLen or more.
func Deserialize(tmpl *Template, data []byte) (*Message, error) {
	m := tmpl.Clone()
	rest, err := readFields(data, m.Fields, tmpl.Fields)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errs.New(errs.ProtocolMalformed, "message", fmt.Sprintf("%d trailing bytes after decoding %s", len(rest), tmpl.TypeName))
	}
	return m, nil
}

func readFields(data []byte, fields []*Field, defs []FieldDef) ([]byte, error) {
	var err error
	for i, f := range fields {
		data, err = readField(data, f, defs[i])
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func need(data []byte, n int, who string) error {
	if len(data) < n {
		return errs.New(errs.ProtocolMalformed, "message", "short read decoding ", who)
	}
	return nil
}

func readField(data []byte, f *Field, def FieldDef) ([]byte, error) {
	switch f.Kind {
	case KindInt8:
		if err := need(data, 1, f.Name); err != nil {
			return nil, err
		}
		f.i64 = int64(int8(data[0]))
		return data[1:], nil
	case KindUint8:
		if err := need(data, 1, f.Name); err != nil {
			return nil, err
		}
		f.u64 = uint64(data[0])
		return data[1:], nil
	case KindInt16:
		if err := need(data, 2, f.Name); err != nil {
			return nil, err
		}
		f.i64 = int64(int16(binary.LittleEndian.Uint16(data)))
		return data[2:], nil
	case KindUint16:
		if err := need(data, 2, f.Name); err != nil {
			return nil, err
		}
		f.u64 = uint64(binary.LittleEndian.Uint16(data))
		return data[2:], nil
	case KindInt32:
		if err := need(data, 4, f.Name); err != nil {
			return nil, err
		}
		f.i64 = int64(int32(binary.LittleEndian.Uint32(data)))
		return data[4:], nil
	case KindUint32:
		if err := need(data, 4, f.Name); err != nil {
			return nil, err
		}
		f.u64 = uint64(binary.LittleEndian.Uint32(data))
		return data[4:], nil
	case KindFloat32:
		if err := need(data, 4, f.Name); err != nil {
			return nil, err
		}
		f.f64 = float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
		return data[4:], nil
	case KindInt64:
		if err := need(data, 8, f.Name); err != nil {
			return nil, err
		}
		f.i64 = int64(binary.LittleEndian.Uint64(data))
		return data[8:], nil
	case KindUint64:
		if err := need(data, 8, f.Name); err != nil {
			return nil, err
		}
		f.u64 = binary.LittleEndian.Uint64(data)
		return data[8:], nil
	case KindFloat64:
		if err := need(data, 8, f.Name); err != nil {
			return nil, err
		}
		f.f64 = math.Float64frombits(binary.LittleEndian.Uint64(data))
		return data[8:], nil
	case KindBool:
		if err := need(data, 1, f.Name); err != nil {
			return nil, err
		}
		f.b = data[0] != 0
		return data[1:], nil
	case KindDuration, KindTime:
		if err := need(data, 8, f.Name); err != nil {
			return nil, err
		}
		f.i64 = int64(int32(binary.LittleEndian.Uint32(data[0:4])))
		f.u64 = uint64(binary.LittleEndian.Uint32(data[4:8]))
		return data[8:], nil
	case KindString:
		s, rest, err := readLengthPrefixed(data, f.Name)
		if err != nil {
			return nil, err
		}
		f.s = string(s)
		return rest, nil
	case KindMessage:
		if f.nested == nil {
			return nil, errs.New(errs.ProtocolMalformed, "message", "nil nested message for field ", f.Name)
		}
		return readFields(data, f.nested.Fields, def.NestedTemplate.Fields)
	case KindArray:
		return readArray(data, f, def)
	default:
		return nil, errs.New(errs.InternalInvariant, "message", "unknown field kind for ", f.Name)
	}
}

func readArray(data []byte, f *Field, def FieldDef) ([]byte, error) {
	if err := need(data, 4, f.Name); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if count >= maxArrayLen {
		return nil, errs.New(errs.BadArgument, "message", "array field ", f.Name, " claims excessive length")
	}
	// count comes straight off the wire. Cap the initial allocation to what
	// the remaining bytes could possibly hold (each element consumes at
	// least one byte) rather than trusting it outright, so a short payload
	// claiming a huge count cannot force a multi-gigabyte allocation before
	// readField below ever gets a chance to reject it.
	prealloc := uint64(count)
	if uint64(len(data)) < prealloc {
		prealloc = uint64(len(data))
	}
	elems := make([]*Field, 0, prealloc)
	for i := uint32(0); i < count; i++ {
		elem := def.NewArrayElem()
		var err error
		data, err = readField(data, elem, FieldDef{Kind: def.ElemKind, NestedTemplate: def.NestedTemplate})
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}
	f.array = elems
	return data, nil
}

func readLengthPrefixed(data []byte, who string) ([]byte, []byte, error) {
	if err := need(data, 4, who); err != nil {
		return nil, nil, err
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if n >= maxArrayLen {
		return nil, nil, errs.New(errs.BadArgument, "message", "string field ", who, " claims excessive length")
	}
	if err := need(data, int(n), who); err != nil {
		return nil, nil, err
	}
	return data[:n], data[n:], nil
}
