// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package message

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// CanonicalText renders the textual schema a Template's MD5 is computed
// from: one "kind name" line per field in declaration order, with nested
// message types expanded inline as "MSG: TypeName\n<their fields>" blocks
// appended after the top-level field list, each nested type appearing only
// once regardless of how many fields reference it. This mirrors the
// canonical-text-then-hash approach spec.md §4.6 calls for without tying the
// core to any one middleware's exact textual grammar.
func CanonicalText(t *Template) string {
	var top strings.Builder
	nested := map[string]*Template{}
	var order []string
	collect(t, &top, nested, &order)

	var b strings.Builder
	b.WriteString(top.String())
	for _, name := range order {
		nt := nested[name]
		b.WriteString("MSG: ")
		b.WriteString(name)
		b.WriteString("\n")
		var sub strings.Builder
		subNested := map[string]*Template{}
		var subOrder []string
		collect(nt, &sub, subNested, &subOrder)
		b.WriteString(sub.String())
	}
	return b.String()
}

func collect(t *Template, out *strings.Builder, nested map[string]*Template, order *[]string) {
	for _, fd := range t.Fields {
		switch {
		case fd.Kind == KindArray && fd.ElemKind == KindMessage && fd.NestedTemplate != nil:
			fmt.Fprintf(out, "%s[] %s\n", fd.NestedTemplate.TypeName, fd.Name)
			addNested(fd.NestedTemplate, nested, order)
		case fd.Kind == KindArray:
			fmt.Fprintf(out, "%s[] %s\n", fd.ElemKind, fd.Name)
		case fd.Kind == KindMessage && fd.NestedTemplate != nil:
			fmt.Fprintf(out, "%s %s\n", fd.NestedTemplate.TypeName, fd.Name)
			addNested(fd.NestedTemplate, nested, order)
		default:
			fmt.Fprintf(out, "%s %s\n", fd.Kind, fd.Name)
		}
	}
}

func addNested(t *Template, nested map[string]*Template, order *[]string) {
	if _, ok := nested[t.TypeName]; ok {
		return
	}
	nested[t.TypeName] = t
	*order = append(*order, t.TypeName)
	sort.Strings(*order) // deterministic across builds regardless of discovery order
}

// MD5Of returns the MD5 digest of text, matching the "type-level MD5 hash
// computed once per template from the canonical textual schema" rule in
// spec.md §4.6.
func MD5Of(text string) [16]byte {
	return md5.Sum([]byte(text))
}

// ComputeMD5 sets t.MD5 from t's own canonical text. Callers (schema
// loaders) invoke this once after building a Template's Fields.
func ComputeMD5(t *Template) {
	t.MD5 = MD5Of(CanonicalText(t))
}
