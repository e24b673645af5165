package dbus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/danderson/dbusloop/engine"
)

// Simple is a struct with simple fields.
type Simple struct {
	A int16
	B bool
}

// Nested is a struct with a struct field.
type Nested struct {
	A byte
	B Simple
}

// Embedded is a struct that embeds another struct by value.
type Embedded struct {
	Simple
	C byte
}

// EmbeddedPtr is a struct that embeds another struct by pointer.
type EmbeddedPtr struct {
	*Simple
	C byte
}

// EmbeddedShadow is a struct that embeds another struct by value,
// with one of the embedded fields shadowed by an outer field. Both
// fields are encoded.
type EmbeddedShadow struct {
	Simple
	B byte
}

// Arrays is a struct with various degrees of complicated arrays
// inside.
type Arrays struct {
	A []string
	B []Simple
	C [][]Nested
}

// Skipped is a struct with a field excluded from encoding.
type Skipped struct {
	A string
	B int32 `dbus:"-"`
	c bool
}

// Tree is a self-referential struct that can't be represented in the
// DBus wire format.
type Tree struct {
	Left  *Tree
	Right *Tree
}

func ptr[T any](v T) *T {
	return &v
}

// sig is MustParseSignature, for brevity in tables.
func sig(s string) Signature {
	if strings.HasPrefix(s, "{") {
		// Dict entry types are only valid as array elements.
		return Signature{MustParseSignature("a" + s).str[1:]}
	}
	return MustParseSignature(s)
}

func strs(ss ...string) Array {
	ret := Array{Elem: sig("s")}
	for _, s := range ss {
		ret.Items = append(ret.Items, String(s))
	}
	return ret
}

func testMessage() *engine.Message {
	return engine.NewMethodCall("org.test.Dest", "/org/test", "org.test.Iface", "Method")
}

// wireRoundTrip encodes vals into a message body, pushes the message
// through its wire encoding, and decodes the body again.
func wireRoundTrip(t *testing.T, vals ...Value) []Value {
	t.Helper()
	m := testMessage()
	if err := AppendArgs(m, vals...); err != nil {
		t.Fatalf("AppendArgs(%v) failed: %v", vals, err)
	}
	m.Serial = 1
	bs, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := engine.ReadMessage(bytes.NewReader(bs))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Signature != m.Signature {
		t.Errorf("body signature changed in transit: got %q, want %q", got.Signature, m.Signature)
	}
	ret, err := MessageArgs(got)
	if err != nil {
		t.Fatalf("MessageArgs failed: %v", err)
	}
	return ret
}

// diffValues compares Values, treating nil and empty slices as equal.
func diffValues(got, want any) string {
	return cmp.Diff(got, want, cmpopts.EquateEmpty())
}
