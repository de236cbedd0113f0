// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocGetFree(t *testing.T) {
	tbl := NewTable[string](4)
	ref, ok := tbl.Alloc("hello")
	require.True(t, ok)
	assert.True(t, ref.Valid())

	v, ok := tbl.Get(ref)
	require.True(t, ok)
	assert.Equal(t, "hello", *v)

	assert.True(t, tbl.Free(ref))
	_, ok = tbl.Get(ref)
	assert.False(t, ok)
}

func TestFreeThenReallocBumpsGeneration(t *testing.T) {
	tbl := NewTable[int](1)
	first, ok := tbl.Alloc(1)
	require.True(t, ok)
	require.True(t, tbl.Free(first))

	second, ok := tbl.Alloc(2)
	require.True(t, ok)
	assert.Equal(t, first.Index, second.Index)
	assert.NotEqual(t, first.Generation, second.Generation)

	_, ok = tbl.Get(first)
	assert.False(t, ok, "stale ref from before reuse must not resolve")
}

func TestAllocFailsAtCapacity(t *testing.T) {
	tbl := NewTable[int](2)
	_, ok := tbl.Alloc(1)
	require.True(t, ok)
	_, ok = tbl.Alloc(2)
	require.True(t, ok)
	_, ok = tbl.Alloc(3)
	assert.False(t, ok)
}

func TestZeroRefIsNeverValid(t *testing.T) {
	var zero Ref
	assert.False(t, zero.Valid())

	tbl := NewTable[int](1)
	assert.False(t, tbl.IsLive(zero))
}

func TestEachVisitsOnlyLiveEntriesInIndexOrder(t *testing.T) {
	tbl := NewTable[int](3)
	a, _ := tbl.Alloc(10)
	_, _ = tbl.Alloc(20)
	c, _ := tbl.Alloc(30)
	tbl.Free(a)

	var seen []int
	tbl.Each(func(ref Ref, v *int) {
		seen = append(seen, *v)
		assert.True(t, ref.Valid())
	})
	assert.Equal(t, []int{20, 30}, seen)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 3, tbl.Cap())
	_ = c
}

func TestMustGetPanicsOnStaleRef(t *testing.T) {
	tbl := NewTable[int](1)
	ref, _ := tbl.Alloc(1)
	tbl.Free(ref)
	assert.Panics(t, func() { tbl.MustGet(ref) })
}
