// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package schema provides the node runtime's seam onto the external
// message-definition parser that spec.md §1 explicitly puts out of scope:
// "the message-definition parser that reads type schemas from a filesystem
// database and produces field-tree templates". The core only depends on the
// message.Loader interface; this package additionally ships a minimal,
// in-memory Loader used by tests and by embedders that want to register
// types programmatically instead of from a schema directory tree.
package schema

import (
	"fmt"
	"sync"

	"github.com/it-robotics/cros/errs"
	"github.com/it-robotics/cros/internal/message"
)

// Definition is the programmatic equivalent of one on-disk .msg file: a type
// name and its ordered field definitions, with any nested types already
// resolved to their own Definition.
type Definition struct {
	TypeName string
	Fields   []FieldSpec
}

// FieldSpec mirrors message.FieldDef but references nested types by name
// (resolved against the same Registry) instead of holding a built Template,
// since a Definition may be registered before the type it nests.
type FieldSpec struct {
	Name       string
	Kind       message.Kind
	ElemKind   message.Kind
	NestedType string // set when Kind or ElemKind == message.KindMessage
}

// Registry is an in-memory message.Loader: types are registered by name with
// Define, and Load builds (and caches, transitively, via message.Registry)
// the message.Template the core actually uses. It ignores the dbRoot
// argument entirely — a real filesystem-backed loader is an embedder
// concern, out of scope for the core per spec.md §1.
type Registry struct {
	mu    sync.Mutex
	defs  map[string]Definition
	built map[string]*message.Template
}

// NewRegistry returns an empty in-memory schema Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]Definition),
		built: make(map[string]*message.Template),
	}
}

// Define registers a type's field layout. It is safe to call Define for
// types referenced as NestedType by other definitions in any order, since
// resolution happens lazily in Load.
func (r *Registry) Define(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.TypeName] = def
	delete(r.built, def.TypeName) // invalidate any stale cached template
}

// Load implements message.Loader.
func (r *Registry) Load(dbRoot, typeName string) (*message.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.build(typeName, map[string]bool{})
}

func (r *Registry) build(typeName string, building map[string]bool) (*message.Template, error) {
	if t, ok := r.built[typeName]; ok {
		return t, nil
	}
	def, ok := r.defs[typeName]
	if !ok {
		return nil, errs.New(errs.BadArgument, "schema", "unknown message type ", typeName)
	}
	if building[typeName] {
		return nil, errs.New(errs.InternalInvariant, "schema", "cyclic message type reference: ", typeName)
	}
	building[typeName] = true

	tmpl := &message.Template{TypeName: typeName}
	for _, fs := range def.Fields {
		fd := message.FieldDef{Name: fs.Name, Kind: fs.Kind, ElemKind: fs.ElemKind}
		if fs.NestedType != "" {
			nested, err := r.build(fs.NestedType, building)
			if err != nil {
				return nil, err
			}
			fd.NestedTemplate = nested
		}
		tmpl.Fields = append(tmpl.Fields, fd)
	}
	message.ComputeMD5(tmpl)
	r.built[typeName] = tmpl
	return tmpl, nil
}

// MustDefine is Define but panics on a malformed Definition (empty type
// name); convenient in test setup and sample programs.
func (r *Registry) MustDefine(def Definition) {
	if def.TypeName == "" {
		panic(fmt.Sprintf("schema: definition missing TypeName: %+v", def))
	}
	r.Define(def)
}
