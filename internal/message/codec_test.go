// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pointTemplate() *Template {
	t := &Template{
		TypeName: "geometry_msgs/Point",
		Fields: []FieldDef{
			{Name: "x", Kind: KindFloat64},
			{Name: "y", Kind: KindFloat64},
		},
	}
	ComputeMD5(t)
	return t
}

func TestSerializeDeserializeScalarFields(t *testing.T) {
	tmpl := &Template{
		TypeName: "test/Scalars",
		Fields: []FieldDef{
			{Name: "flag", Kind: KindBool},
			{Name: "count", Kind: KindInt32},
			{Name: "label", Kind: KindString},
			{Name: "ratio", Kind: KindFloat64},
		},
	}
	ComputeMD5(tmpl)

	msg := tmpl.Clone()
	msg.MustField("flag").SetBool(true)
	msg.MustField("count").SetInt(-42)
	msg.MustField("label").SetString("hello world")
	msg.MustField("ratio").SetFloat(3.25)

	payload, err := Serialize(msg)
	require.NoError(t, err)

	got, err := Deserialize(tmpl, payload)
	require.NoError(t, err)

	b, ok := got.MustField("flag").Bool()
	require.True(t, ok)
	assert.True(t, b)

	i, ok := got.MustField("count").Int()
	require.True(t, ok)
	assert.EqualValues(t, -42, i)

	s, ok := got.MustField("label").String()
	require.True(t, ok)
	assert.Equal(t, "hello world", s)

	f, ok := got.MustField("ratio").Float()
	require.True(t, ok)
	assert.Equal(t, 3.25, f)
}

func TestSerializeDeserializeNestedMessage(t *testing.T) {
	point := pointTemplate()
	pose := &Template{
		TypeName: "geometry_msgs/Pose",
		Fields: []FieldDef{
			{Name: "position", Kind: KindMessage, NestedTemplate: point},
		},
	}
	ComputeMD5(pose)

	msg := pose.Clone()
	nested, ok := msg.MustField("position").Nested()
	require.True(t, ok)
	nested.MustField("x").SetFloat(1.5)
	nested.MustField("y").SetFloat(-2.5)

	payload, err := Serialize(msg)
	require.NoError(t, err)

	got, err := Deserialize(pose, payload)
	require.NoError(t, err)

	gotNested, ok := got.MustField("position").Nested()
	require.True(t, ok)
	x, _ := gotNested.MustField("x").Float()
	y, _ := gotNested.MustField("y").Float()
	assert.Equal(t, 1.5, x)
	assert.Equal(t, -2.5, y)
}

func TestSerializeDeserializeArrayField(t *testing.T) {
	tmpl := &Template{
		TypeName: "test/Ints",
		Fields: []FieldDef{
			{Name: "values", Kind: KindArray, ElemKind: KindInt32},
		},
	}
	ComputeMD5(tmpl)

	fd := tmpl.Fields[0]
	msg := tmpl.Clone()
	arr := msg.MustField("values")
	elems := make([]*Field, 0, 3)
	for _, v := range []int64{1, 2, 3} {
		e := fd.NewArrayElem()
		e.SetInt(v)
		elems = append(elems, e)
	}
	arr.SetArray(elems)

	payload, err := Serialize(msg)
	require.NoError(t, err)

	got, err := Deserialize(tmpl, payload)
	require.NoError(t, err)

	gotArr, ok := got.MustField("values").Array()
	require.True(t, ok)
	require.Len(t, gotArr, 3)
	for i, want := range []int64{1, 2, 3} {
		v, ok := gotArr[i].Int()
		require.True(t, ok)
		assert.EqualValues(t, want, v)
	}
}

func TestDeserializeArrayFieldRejectsCountExceedingPayload(t *testing.T) {
	tmpl := &Template{
		TypeName: "test/Ints",
		Fields: []FieldDef{
			{Name: "values", Kind: KindArray, ElemKind: KindInt32},
		},
	}
	ComputeMD5(tmpl)

	// A count claiming far more elements than the trailing bytes could
	// possibly hold; readArray must reject this via the per-element need()
	// check rather than trusting count for its initial allocation size.
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 1<<30)

	_, err := Deserialize(tmpl, payload)
	assert.Error(t, err)
}

func TestDeserializeTruncatedPayloadFails(t *testing.T) {
	tmpl := pointTemplate()
	msg := tmpl.Clone()
	msg.MustField("x").SetFloat(1)
	msg.MustField("y").SetFloat(2)

	payload, err := Serialize(msg)
	require.NoError(t, err)

	_, err = Deserialize(tmpl, payload[:len(payload)-1])
	assert.Error(t, err)
}
