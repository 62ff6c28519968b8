/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package variant implements the runtime-flexible payload value used by
// event before/after snapshots: a tagged variant over Null, Bool, Int,
// Float, String, Bytes, Array and Map, with structural equality and a
// JSON codec that round-trips.
package variant

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the concrete shape stored in a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a single tagged payload cell. The zero Value is Null.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	arr   []Value
	m     map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value       { cp := append([]byte(nil), b...); return Value{kind: KindBytes, bytes: cp} }
func Array(items []Value) Value  { cp := append([]Value(nil), items...); return Value{kind: KindArray, arr: cp} }
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) AsBool() bool  { return v.b }
func (v Value) AsInt() int64  { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte  { return append([]byte(nil), v.bytes...) }
func (v Value) AsArray() []Value { return append([]Value(nil), v.arr...) }
func (v Value) AsMap() map[string]Value {
	cp := make(map[string]Value, len(v.m))
	for k, val := range v.m {
		cp[k] = val
	}
	return cp
}

// DeepEqual reports structural equality, the equality semantics required
// of payloads so compaction's value-fidelity invariant can be tested.
func DeepEqual(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		if len(a.bytes) != len(b.bytes) {
			return false
		}
		for i := range a.bytes {
			if a.bytes[i] != b.bytes[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !DeepEqual(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !DeepEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// jsonEnvelope is the wire shape: a type tag plus one payload field,
// mirroring the teacher's tagged-value-over-JSON shape while staying a
// plain struct (no unsafe pointer packing — see DESIGN.md).
type jsonEnvelope struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	env := jsonEnvelope{T: v.kind.String()}
	var raw []byte
	var err error
	switch v.kind {
	case KindNull:
		return json.Marshal(nil)
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindInt:
		raw, err = json.Marshal(v.i)
	case KindFloat:
		raw, err = json.Marshal(v.f)
	case KindString:
		raw, err = json.Marshal(v.s)
	case KindBytes:
		raw, err = json.Marshal(base64.StdEncoding.EncodeToString(v.bytes))
	case KindArray:
		raw, err = json.Marshal(v.arr)
	case KindMap:
		// deterministic key order for stable snapshots
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]Value, len(v.m))
		for _, k := range keys {
			ordered[k] = v.m[k]
		}
		raw, err = json.Marshal(ordered)
	default:
		return nil, fmt.Errorf("variant: unknown kind %d", v.kind)
	}
	if err != nil {
		return nil, err
	}
	env.V = raw
	return json.Marshal(env)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.T {
	case "bool":
		var b bool
		if err := json.Unmarshal(env.V, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case "int":
		var i int64
		if err := json.Unmarshal(env.V, &i); err != nil {
			return err
		}
		*v = Int(i)
	case "float":
		var f float64
		if err := json.Unmarshal(env.V, &f); err != nil {
			return err
		}
		*v = Float(f)
	case "string":
		var s string
		if err := json.Unmarshal(env.V, &s); err != nil {
			return err
		}
		*v = String(s)
	case "bytes":
		var enc string
		if err := json.Unmarshal(env.V, &enc); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return err
		}
		*v = Bytes(b)
	case "array":
		var arr []Value
		if err := json.Unmarshal(env.V, &arr); err != nil {
			return err
		}
		*v = Array(arr)
	case "map":
		var m map[string]Value
		if err := json.Unmarshal(env.V, &m); err != nil {
			return err
		}
		*v = Map(m)
	case "null", "":
		*v = Null()
	default:
		return fmt.Errorf("variant: unknown kind tag %q", env.T)
	}
	return nil
}
