// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the fixed-capacity arena storage spec.md §9
// calls for: "model as arena vectors ... with stable integer indices as
// cross-references; a slot never stores a raw pointer to a peer, always an
// index + generation counter to detect stale references after reuse." Table
// is that arena, used for publishers, subscribers, service providers,
// service callers, and peer processes alike.
package registry

// Ref is a generation-tagged index into a Table. Ref{} (zero value) never
// refers to a live entry: generation 0 is never assigned to a live slot (see
// Table.Alloc), so the zero Ref reliably means "no slot".
type Ref struct {
	Index      int
	Generation uint64
}

// Valid reports whether r could possibly refer to a live entry, without
// access to the Table (generation 0 is reserved for "empty").
func (r Ref) Valid() bool {
	return r.Generation != 0
}

type entry[T any] struct {
	generation uint64
	free       bool
	value      T
}

// Table is a fixed-capacity vector of slots, allocated by first-free-index
// and freed by marking-and-bumping-generation rather than by shrinking,
// exactly as spec.md §4.5 describes ("Slot allocation returns the first
// free index; deallocation marks free").
type Table[T any] struct {
	entries  []entry[T]
	freeList []int
}

// NewTable returns a Table with room for capacity live entries.
func NewTable[T any](capacity int) *Table[T] {
	t := &Table[T]{
		entries:  make([]entry[T], capacity),
		freeList: make([]int, capacity),
	}
	for i := range t.entries {
		t.entries[i].generation = 1 // first allocation of index i yields generation 1, never 0
		t.freeList[capacity-1-i] = i
	}
	return t
}

// Alloc returns the first free slot holding value, or ok=false if the table
// is at capacity (spec.md §7 errs.SlotExhausted is the caller's job to
// surface).
func (t *Table[T]) Alloc(value T) (Ref, bool) {
	if len(t.freeList) == 0 {
		return Ref{}, false
	}
	pos := 0
	for i, cand := range t.freeList {
		if cand < t.freeList[pos] {
			pos = i
		}
	}
	idx := t.freeList[pos]
	last := len(t.freeList) - 1
	t.freeList[pos] = t.freeList[last]
	t.freeList = t.freeList[:last]
	e := &t.entries[idx]
	e.free = false
	e.value = value
	return Ref{Index: idx, Generation: e.generation}, true
}

// Free releases ref's slot, bumping its generation so any stale Ref held
// elsewhere is detected by Get/IsLive. Returns false if ref was already
// stale or out of range.
func (t *Table[T]) Free(ref Ref) bool {
	if !t.IsLive(ref) {
		return false
	}
	e := &t.entries[ref.Index]
	var zero T
	e.value = zero
	e.free = true
	e.generation++
	t.freeList = append(t.freeList, ref.Index)
	return true
}

// IsLive reports whether ref currently refers to an allocated entry.
func (t *Table[T]) IsLive(ref Ref) bool {
	if ref.Index < 0 || ref.Index >= len(t.entries) {
		return false
	}
	e := &t.entries[ref.Index]
	return !e.free && e.generation == ref.Generation
}

// Get returns a pointer to ref's value, or ok=false if ref is stale. The
// pointer is only valid until the next Free/Alloc on the same index.
func (t *Table[T]) Get(ref Ref) (*T, bool) {
	if !t.IsLive(ref) {
		return nil, false
	}
	return &t.entries[ref.Index].value, true
}

// MustGet is Get but panics on a stale ref, for call sites that have already
// validated liveness and would otherwise treat the error as
// errs.InternalInvariant anyway.
func (t *Table[T]) MustGet(ref Ref) *T {
	v, ok := t.Get(ref)
	if !ok {
		panic("registry: stale Ref passed to MustGet")
	}
	return v
}

// Each calls fn once per live entry, in index order. fn must not call Alloc
// or Free on t.
func (t *Table[T]) Each(fn func(Ref, *T)) {
	for i := range t.entries {
		if !t.entries[i].free {
			fn(Ref{Index: i, Generation: t.entries[i].generation}, &t.entries[i].value)
		}
	}
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	return len(t.entries) - len(t.freeList)
}

// Cap reports the table's fixed capacity.
func (t *Table[T]) Cap() int {
	return len(t.entries)
}
