// Copyright 2026 The cros Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xmlcodec implements the XML-RPC method-call/method-response
// document encoding spec.md §6 requires for both the master RPC surface and
// the peer negotiation RPC surface ("body is an XML method-call document;
// responses are XML method-response documents ... parameter types include
// int, double, string, boolean, array, struct"). The <value> element's
// "one of several alternative children" shape does not map onto plain
// encoding/xml struct tags, so this package writes and reads <value> elements
// by hand (writeValue, readValueBody) on top of encoding/xml's token stream,
// in the same spirit as the teacher's own low-level wire-format code
// (runtime/internal/flow/conn) that prefers direct control over a generic
// codec's defaults.
package xmlcodec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/it-robotics/cros/errs"
)

// Kind tags which XML-RPC scalar or compound type a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindDouble
	KindString
	KindBool
	KindArray
	KindStruct
)

// Member is one name/value pair of an XML-RPC <struct>.
type Member struct {
	Name  string
	Value Value
}

// Value is a single XML-RPC <value> element.
type Value struct {
	Kind   Kind
	I      int
	D      float64
	S      string
	B      bool
	Array  []Value
	Struct []Member
}

func Int(v int) Value           { return Value{Kind: KindInt, I: v} }
func Double(v float64) Value    { return Value{Kind: KindDouble, D: v} }
func Str(v string) Value        { return Value{Kind: KindString, S: v} }
func Bool(v bool) Value         { return Value{Kind: KindBool, B: v} }
func Arr(v ...Value) Value      { return Value{Kind: KindArray, Array: v} }
func Struct(m ...Member) Value  { return Value{Kind: KindStruct, Struct: m} }
func Field(name string, v Value) Member { return Member{Name: name, Value: v} }

// AsInt, AsString, etc. extract a typed payload, returning ok=false on a
// Kind mismatch rather than panicking, matching the "optional tagged value"
// accessor style used throughout this repo (see internal/message.Field).
func (v Value) AsInt() (int, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I, true
}

func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.S, true
}

func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

func (v Value) AsDouble() (float64, bool) {
	if v.Kind != KindDouble {
		return 0, false
	}
	return v.D, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	return v.Array, true
}

// Get looks up a struct member by name.
func (v Value) Get(name string) (Value, bool) {
	if v.Kind != KindStruct {
		return Value{}, false
	}
	for _, m := range v.Struct {
		if m.Name == name {
			return m.Value, true
		}
	}
	return Value{}, false
}

// --- MethodCall / MethodResponse documents ---------------------------------

// MethodCall is the XML-RPC <methodCall> document.
type MethodCall struct {
	MethodName string
	Params     []Value
}

// MethodResponse is the XML-RPC <methodResponse> document: either Params or
// a non-nil Fault, never both.
type MethodResponse struct {
	Params []Value
	Fault  *Fault
}

// Fault is an XML-RPC <fault> payload.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

// EncodeCall renders name/params as an HTTP-POST-able XML method-call body.
func EncodeCall(name string, params []Value) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>")
	xml.EscapeText(&b, []byte(name))
	b.WriteString("</methodName><params>")
	for _, p := range params {
		b.WriteString("<param>")
		if err := writeValue(&b, p); err != nil {
			return nil, err
		}
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes(), nil
}

// EncodeResponse renders a successful method response.
func EncodeResponse(params []Value) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><params>")
	for _, p := range params {
		b.WriteString("<param>")
		if err := writeValue(&b, p); err != nil {
			return nil, err
		}
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodResponse>")
	return b.Bytes(), nil
}

// EncodeFault renders a <methodResponse><fault> document.
func EncodeFault(code int, message string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><fault>")
	if err := writeValue(&b, Struct(
		Field("faultCode", Int(code)),
		Field("faultString", Str(message)),
	)); err != nil {
		return nil, err
	}
	b.WriteString("</fault></methodResponse>")
	return b.Bytes(), nil
}

func writeValue(b *bytes.Buffer, v Value) error {
	b.WriteString("<value>")
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(b, "<i4>%d</i4>", v.I)
	case KindDouble:
		fmt.Fprintf(b, "<double>%s</double>", strconv.FormatFloat(v.D, 'g', -1, 64))
	case KindString:
		b.WriteString("<string>")
		xml.EscapeText(b, []byte(v.S))
		b.WriteString("</string>")
	case KindBool:
		if v.B {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case KindArray:
		b.WriteString("<array><data>")
		for _, elem := range v.Array {
			if err := writeValue(b, elem); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case KindStruct:
		b.WriteString("<struct>")
		for _, m := range v.Struct {
			b.WriteString("<member><name>")
			xml.EscapeText(b, []byte(m.Name))
			b.WriteString("</name>")
			if err := writeValue(b, m.Value); err != nil {
				return err
			}
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	default:
		return errs.New(errs.InternalInvariant, "xmlcodec", "unknown value kind")
	}
	b.WriteString("</value>")
	return nil
}

// DecodeCall parses an XML method-call document.
func DecodeCall(data []byte) (*MethodCall, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	tok, err := nextStart(d)
	if err != nil || tok.Name.Local != "methodCall" {
		return nil, errs.New(errs.ProtocolMalformed, "xmlcodec", "not a methodCall document")
	}
	call := &MethodCall{}
	for {
		start, err := nextStart(d)
		if err == errEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch start.Name.Local {
		case "methodName":
			name, err := readCharData(d)
			if err != nil {
				return nil, err
			}
			call.MethodName = name
		case "params":
			params, err := readParams(d)
			if err != nil {
				return nil, err
			}
			call.Params = params
		}
	}
	if call.MethodName == "" {
		return nil, errs.New(errs.ProtocolMalformed, "xmlcodec", "methodCall missing methodName")
	}
	return call, nil
}

// DecodeResponse parses an XML method-response document (success or fault).
func DecodeResponse(data []byte) (*MethodResponse, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	tok, err := nextStart(d)
	if err != nil || tok.Name.Local != "methodResponse" {
		return nil, errs.New(errs.ProtocolMalformed, "xmlcodec", "not a methodResponse document")
	}
	resp := &MethodResponse{}
	for {
		start, err := nextStart(d)
		if err == errEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch start.Name.Local {
		case "params":
			params, err := readParams(d)
			if err != nil {
				return nil, err
			}
			resp.Params = params
		case "fault":
			v, err := readValue(d)
			if err != nil {
				return nil, err
			}
			codeV, _ := v.Get("faultCode")
			strV, _ := v.Get("faultString")
			code, _ := codeV.AsInt()
			msg, _ := strV.AsString()
			resp.Fault = &Fault{Code: code, Message: msg}
		}
	}
	return resp, nil
}

func readParams(d *xml.Decoder) ([]Value, error) {
	var out []Value
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "reading params")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "param" {
				if err := d.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			vstart, err := nextStart(d)
			if err != nil {
				return nil, err
			}
			if vstart.Name.Local != "value" {
				return nil, errs.New(errs.ProtocolMalformed, "xmlcodec", "param missing value")
			}
			v, err := readValueBody(d)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			if t.Name.Local == "params" {
				return out, nil
			}
		}
	}
}

// readValue reads a <value>...</value> element whose start tag has not yet
// been consumed.
func readValue(d *xml.Decoder) (Value, error) {
	start, err := nextStart(d)
	if err != nil {
		return Value{}, err
	}
	if start.Name.Local != "value" {
		return Value{}, errs.New(errs.ProtocolMalformed, "xmlcodec", "expected <value>, got <", start.Name.Local, ">")
	}
	return readValueBody(d)
}

// readValueBody reads the contents of a <value> whose start tag has already
// been consumed, up to and including its matching end tag.
func readValueBody(d *xml.Decoder) (Value, error) {
	inner, err := d.Token()
	if err != nil {
		return Value{}, errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "reading value body")
	}
	switch t := inner.(type) {
	case xml.EndElement:
		// <value></value> with no typed child is a bare string per the spec.
		return Value{Kind: KindString, S: ""}, nil
	case xml.CharData:
		// Untyped text content directly inside <value> is also a string.
		s := string(t)
		end, err := d.Token()
		if err != nil {
			return Value{}, err
		}
		if _, ok := end.(xml.EndElement); !ok {
			return Value{}, errs.New(errs.ProtocolMalformed, "xmlcodec", "malformed value")
		}
		return Value{Kind: KindString, S: s}, nil
	case xml.StartElement:
		v, err := readTypedValue(d, t)
		if err != nil {
			return Value{}, err
		}
		if err := expectEnd(d, "value"); err != nil {
			return Value{}, err
		}
		return v, nil
	default:
		return Value{}, errs.New(errs.ProtocolMalformed, "xmlcodec", "malformed value")
	}
}

func readTypedValue(d *xml.Decoder, start xml.StartElement) (Value, error) {
	switch start.Name.Local {
	case "i4", "int":
		s, err := readCharDataUntil(d, start.Name.Local)
		if err != nil {
			return Value{}, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return Value{}, errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "decoding int")
		}
		return Int(n), nil
	case "double":
		s, err := readCharDataUntil(d, start.Name.Local)
		if err != nil {
			return Value{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "decoding double")
		}
		return Double(f), nil
	case "string":
		s, err := readCharDataUntil(d, start.Name.Local)
		if err != nil {
			return Value{}, err
		}
		return Str(s), nil
	case "boolean":
		s, err := readCharDataUntil(d, start.Name.Local)
		if err != nil {
			return Value{}, err
		}
		return Bool(strings.TrimSpace(s) == "1"), nil
	case "array":
		return readArrayValue(d)
	case "struct":
		return readStructValue(d)
	default:
		return Value{}, errs.New(errs.ProtocolMalformed, "xmlcodec", "unsupported value type <", start.Name.Local, ">")
	}
}

func readArrayValue(d *xml.Decoder) (Value, error) {
	dataStart, err := nextStart(d)
	if err != nil || dataStart.Name.Local != "data" {
		return Value{}, errs.New(errs.ProtocolMalformed, "xmlcodec", "array missing <data>")
	}
	var elems []Value
	for {
		tok, err := d.Token()
		if err != nil {
			return Value{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "value" {
				if err := d.Skip(); err != nil {
					return Value{}, err
				}
				continue
			}
			v, err := readValueBody(d)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		case xml.EndElement:
			if t.Name.Local == "data" {
				if err := expectEnd(d, "array"); err != nil {
					return Value{}, err
				}
				return Value{Kind: KindArray, Array: elems}, nil
			}
		}
	}
}

func readStructValue(d *xml.Decoder) (Value, error) {
	var members []Member
	for {
		tok, err := d.Token()
		if err != nil {
			return Value{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "member" {
				if err := d.Skip(); err != nil {
					return Value{}, err
				}
				continue
			}
			name, val, err := readMember(d)
			if err != nil {
				return Value{}, err
			}
			members = append(members, Member{Name: name, Value: val})
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return Value{Kind: KindStruct, Struct: members}, nil
			}
		}
	}
}

func readMember(d *xml.Decoder) (string, Value, error) {
	var name string
	var val Value
	for {
		tok, err := d.Token()
		if err != nil {
			return "", Value{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				name, err = readCharDataUntil(d, "name")
				if err != nil {
					return "", Value{}, err
				}
			case "value":
				val, err = readValueBody(d)
				if err != nil {
					return "", Value{}, err
				}
			default:
				if err := d.Skip(); err != nil {
					return "", Value{}, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "member" {
				return name, val, nil
			}
		}
	}
}

var errEOF = fmt.Errorf("xmlcodec: no more start elements")

// nextStart returns the next start element at any depth, skipping char
// data, or errEOF once the stream is exhausted.
func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.StartElement{}, errEOF
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func readCharData(d *xml.Decoder) (string, error) {
	var b strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return "", errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "reading text")
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			return b.String(), nil
		}
	}
}

func readCharDataUntil(d *xml.Decoder, elem string) (string, error) {
	s, err := readCharData(d)
	return s, err
}

// expectEnd consumes exactly one token and requires it to be the end tag of
// elem; used once a value's typed content has been fully consumed through
// its own closing tag, to step past the enclosing </value> (or </array>).
func expectEnd(d *xml.Decoder, elem string) error {
	tok, err := d.Token()
	if err != nil {
		return errs.Wrap(errs.ProtocolMalformed, "xmlcodec", err, "expecting </", elem, ">")
	}
	end, ok := tok.(xml.EndElement)
	if !ok || end.Name.Local != elem {
		return errs.New(errs.ProtocolMalformed, "xmlcodec", "expected </", elem, ">")
	}
	return nil
}
