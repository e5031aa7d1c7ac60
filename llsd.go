package leap

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the concrete type carried by a Value.
type Kind uint8

const (
	KindUndef Kind = iota
	KindBool
	KindInt
	KindReal
	KindString
	KindUUID
	KindBinary
	KindDate
	KindURI
	KindMap
	KindArray
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUndef:
		return "undef"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindUUID:
		return "uuid"
	case KindBinary:
		return "binary"
	case KindDate:
		return "date"
	case KindURI:
		return "uri"
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Value is a tagged variant holding one LLSD datum. The protocol is
// schema-less: payloads are arbitrarily nested maps, arrays and scalars,
// so Value stands in for what a dynamic language would pass around as a
// plain object. The zero Value is undef.
type Value struct {
	kind Kind
	b    bool
	i    int64
	r    float64
	s    string // string, date and uri variants
	u    uuid.UUID
	bin  []byte
	m    map[string]Value
	a    []Value
}

// Undef returns the undef Value.
func Undef() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Real wraps a float.
func Real(r float64) Value { return Value{kind: KindReal, r: r} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// UUID wraps a UUID.
func UUID(u uuid.UUID) Value { return Value{kind: KindUUID, u: u} }

// Binary wraps a byte slice.
func Binary(b []byte) Value { return Value{kind: KindBinary, bin: b} }

// Date wraps an ISO 8601 timestamp.
func Date(t time.Time) Value {
	return Value{kind: KindDate, s: t.UTC().Format("2006-01-02T15:04:05.00Z")}
}

// URI wraps a URI string.
func URI(s string) Value { return Value{kind: KindURI, s: s} }

// Map wraps a map. The map is held by reference, not copied.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Array wraps a slice. The slice is held by reference, not copied.
func Array(a ...Value) Value { return Value{kind: KindArray, a: a} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsUndef reports whether the value is undef.
func (v Value) IsUndef() bool { return v.kind == KindUndef }

// AsBool returns the boolean value, or false for any other kind.
func (v Value) AsBool() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindReal:
		return v.r != 0
	default:
		return false
	}
}

// AsInt returns the integer value, converting from real and bool, or 0.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindReal:
		return int64(v.r)
	case KindBool:
		if v.b {
			return 1
		}
	}
	return 0
}

// AsReal returns the float value, converting from int, or 0.
func (v Value) AsReal() float64 {
	switch v.kind {
	case KindReal:
		return v.r
	case KindInt:
		return float64(v.i)
	}
	return 0
}

// AsString returns the string form of string, date, uri and uuid values,
// or "" for any other kind. No stringification of numbers is done here:
// the protocol distinguishes 'i1' from '1' and callers should too.
func (v Value) AsString() string {
	switch v.kind {
	case KindString, KindDate, KindURI:
		return v.s
	case KindUUID:
		return v.u.String()
	}
	return ""
}

// AsUUID returns the UUID value, or uuid.Nil.
func (v Value) AsUUID() uuid.UUID {
	if v.kind == KindUUID {
		return v.u
	}
	return uuid.Nil
}

// AsBinary returns the binary value, or nil.
func (v Value) AsBinary() []byte {
	if v.kind == KindBinary {
		return v.bin
	}
	return nil
}

// AsMap returns the underlying map, or nil for non-map values.
func (v Value) AsMap() map[string]Value {
	if v.kind == KindMap {
		return v.m
	}
	return nil
}

// AsArray returns the underlying slice, or nil for non-array values.
func (v Value) AsArray() []Value {
	if v.kind == KindArray {
		return v.a
	}
	return nil
}

// Get returns the member named key of a map value; undef for missing keys
// or non-map values, so lookups chain safely: m.Get("data").Get("reqid").
func (v Value) Get(key string) Value {
	if v.kind == KindMap {
		return v.m[key]
	}
	return Value{}
}

// Has reports whether a map value contains key.
func (v Value) Has(key string) bool {
	if v.kind != KindMap {
		return false
	}
	_, ok := v.m[key]
	return ok
}

// Set stores a member in a map value. It panics on non-map values,
// matching the misuse it represents.
func (v Value) Set(key string, member Value) {
	if v.kind != KindMap {
		panic("leap: Set on non-map Value")
	}
	v.m[key] = member
}

// Index returns element i of an array value, or undef when out of range.
func (v Value) Index(i int) Value {
	if v.kind == KindArray && i >= 0 && i < len(v.a) {
		return v.a[i]
	}
	return Value{}
}

// Len returns the member count of maps and arrays, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindMap:
		return len(v.m)
	case KindArray:
		return len(v.a)
	}
	return 0
}

// Interface converts the value to plain Go types (map[string]any, []any,
// scalars). Used to hand payloads to the diagnostics JSON encoder.
func (v Value) Interface() any {
	switch v.kind {
	case KindUndef:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindReal:
		return v.r
	case KindString, KindDate, KindURI:
		return v.s
	case KindUUID:
		return v.u.String()
	case KindBinary:
		return v.bin
	case KindMap:
		m := make(map[string]any, len(v.m))
		for k, member := range v.m {
			m[k] = member.Interface()
		}
		return m
	case KindArray:
		a := make([]any, len(v.a))
		for i, member := range v.a {
			a[i] = member.Interface()
		}
		return a
	}
	return nil
}

// Equal reports deep equality of two values. Int and real compare as
// distinct kinds: i1 != r1.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndef:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindReal:
		return v.r == o.r
	case KindString, KindDate, KindURI:
		return v.s == o.s
	case KindUUID:
		return v.u == o.u
	case KindBinary:
		if len(v.bin) != len(o.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != o.bin[i] {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, member := range v.m {
			other, ok := o.m[k]
			if !ok || !member.Equal(other) {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.a) != len(o.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(o.a[i]) {
				return false
			}
		}
		return true
	}
	return false
}
