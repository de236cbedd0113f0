// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

// FieldDef describes one field of a Template: its name, kind, and, for
// KindArray, the kind of its elements; for KindMessage (nested or array of
// nested messages) NestedTemplate names the field-tree template to embed.
type FieldDef struct {
	Name           string
	Kind           Kind
	ElemKind       Kind
	NestedTemplate *Template
}

// Template is the field-tree shape built once per registered type name by
// the external schema loader (spec.md §4.6, §6 "downward interface") and
// cloned per use. Templates are themselves immutable once built; Clone
// never mutates t.
type Template struct {
	TypeName string
	MD5      [16]byte
	Fields   []FieldDef
}

// Clone builds a zero-valued Message from the template: every scalar field
// gets its Go zero value, every nested-message field gets a recursively
// cloned sub-message, and every array field starts empty.
func (t *Template) Clone() *Message {
	m := &Message{
		TypeName: t.TypeName,
		MD5:      t.MD5,
		Fields:   make([]*Field, len(t.Fields)),
	}
	for i, fd := range t.Fields {
		m.Fields[i] = fd.cloneField()
	}
	return m
}

func (fd *FieldDef) cloneField() *Field {
	f := &Field{Name: fd.Name, Kind: fd.Kind, ElemKind: fd.ElemKind}
	switch fd.Kind {
	case KindMessage:
		if fd.NestedTemplate != nil {
			f.nested = fd.NestedTemplate.Clone()
		}
	case KindArray:
		f.array = nil // populated on demand via SetArray
	}
	return f
}

// NewArrayElem builds one zero-valued element suitable for appending to an
// array field of this definition, honoring ElemKind (and, for nested-message
// arrays, NestedTemplate).
func (fd *FieldDef) NewArrayElem() *Field {
	elemKind := fd.ElemKind
	elem := &Field{Kind: elemKind}
	if elemKind == KindMessage && fd.NestedTemplate != nil {
		elem.nested = fd.NestedTemplate.Clone()
	}
	return elem
}

// Registry caches built Templates by type name so repeated registrations of
// the same message type (as happens whenever several slots share a topic
// type) do not re-invoke the schema loader.
type Registry struct {
	loader    Loader
	templates map[string]*Template
}

// Loader is the downward interface to the external schema loader described
// in spec.md §6: given a type name and a database root path, it returns an
// owning handle to a field-tree template plus its MD5 hash, or an error.
// The parser itself (reading .msg-style schema files from disk) is
// explicitly out of scope for the core (spec.md §1); this interface is the
// seam an embedder plugs a real loader into.
type Loader interface {
	Load(dbRoot, typeName string) (*Template, error)
}

// NewRegistry wraps loader with a per-process template cache.
func NewRegistry(loader Loader) *Registry {
	return &Registry{loader: loader, templates: make(map[string]*Template)}
}

// TemplateFor returns the cached Template for typeName, loading and caching
// it on first use.
func (r *Registry) TemplateFor(dbRoot, typeName string) (*Template, error) {
	if t, ok := r.templates[typeName]; ok {
		return t, nil
	}
	t, err := r.loader.Load(dbRoot, typeName)
	if err != nil {
		return nil, err
	}
	r.templates[typeName] = t
	return t, nil
}
