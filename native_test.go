package dbus

import (
	"errors"
	"testing"
)

func TestValueOf(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"byte", byte(1), Byte(1)},
		{"int", int(-3), Int64(-3)},
		{"float32", float32(0.5), Double(0.5)},
		{"string", "x", String("x")},
		{"value passthrough", ObjectPath("/a"), ObjectPath("/a")},
		{"pointer", ptr(uint16(4)), Uint16(4)},
		{"byte slice", []byte{1, 2}, Array{Elem: sig("y"), Items: []Value{Byte(1), Byte(2)}}},
		{"empty slice", []string{}, Array{Elem: sig("s"), Items: []Value{}}},
		{"nested slices", [][]byte{{1}}, Array{Elem: sig("ay"), Items: []Value{
			Array{Elem: sig("y"), Items: []Value{Byte(1)}},
		}}},
		{"map", map[string]byte{"a": 1}, Dict{Key: sig("s"), Val: sig("y"), Entries: map[Value]Value{
			String("a"): Byte(1),
		}}},
		{"struct", Simple{A: 1, B: true}, Struct{Fields: []Value{Int16(1), Bool(true)}}},
		{"embedded", Embedded{Simple{2, false}, 3}, Struct{Fields: []Value{Int16(2), Bool(false), Byte(3)}}},
		{"nil embedded pointer", EmbeddedPtr{C: 3}, Struct{Fields: []Value{Int16(0), Bool(false), Byte(3)}}},
		{"skipped fields", Skipped{A: "a", B: 2}, Struct{Fields: []Value{String("a")}}},
		{"slice of any", []any{uint32(1), "s"}, Array{Elem: sig("v"), Items: []Value{
			Variant{Uint32(1)}, Variant{String("s")},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValueOf(tc.in)
			if err != nil {
				t.Fatalf("ValueOf(%#v) failed: %v", tc.in, err)
			}
			if diff := diffValues(got, tc.want); diff != "" {
				t.Errorf("ValueOf(%#v) diff (-got+want):\n%s", tc.in, diff)
			}
			if gotSig, wantSig := SignatureOf(got), SignatureOf(tc.want); !gotSig.Equal(wantSig) {
				t.Errorf("ValueOf(%#v) has signature %q, want %q", tc.in, gotSig, wantSig)
			}
		})
	}
}

func TestValueOfErrors(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"nil pointer", (*int32)(nil)},
		{"func", func() {}},
		{"recursive", Tree{}},
		{"nil interface field", struct{ A any }{}},
		{"struct map key", map[Simple]bool{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got, err := ValueOf(tc.in); err == nil {
				t.Errorf("ValueOf(%#v) = %#v, want error", tc.in, got)
			}
		})
	}
}

func TestScan(t *testing.T) {
	vals := []Value{
		String("name"),
		Uint32(7),
		Struct{Fields: []Value{Byte(1), Struct{Fields: []Value{Int16(2), Bool(true)}}}},
		Array{Elem: sig("{sv}"), Items: []Value{
			DictEntry{String("a"), Variant{Int32(1)}},
		}},
		Variant{strs("x", "y")},
	}
	var (
		name  string
		count int64
		n     Nested
		vd    map[string]any
		list  []string
	)
	if err := Scan(vals, &name, &count, &n, &vd, &list); err == nil {
		t.Fatal("Scan of Uint32 into int64 succeeded, want error")
	}

	var u uint32
	if err := Scan(vals, &name, &u, &n, &vd, &list); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if name != "name" || u != 7 {
		t.Errorf("Scan got %q, %d", name, u)
	}
	if diff := diffValues(n, Nested{A: 1, B: Simple{A: 2, B: true}}); diff != "" {
		t.Errorf("Scan struct diff (-got+want):\n%s", diff)
	}
	if diff := diffValues(vd, map[string]any{"a": int32(1)}); diff != "" {
		t.Errorf("Scan vardict diff (-got+want):\n%s", diff)
	}
	if diff := diffValues(list, []string{"x", "y"}); diff != "" {
		t.Errorf("Scan variant list diff (-got+want):\n%s", diff)
	}

	var ep EmbeddedPtr
	if err := Store(Struct{Fields: []Value{Int16(5), Bool(true), Byte(6)}}, &ep); err != nil {
		t.Fatalf("Store into embedded pointer failed: %v", err)
	}
	if ep.Simple == nil || ep.A != 5 || !ep.B || ep.C != 6 {
		t.Errorf("Store into embedded pointer got %+v", ep)
	}

	if err := Scan(vals[:1], &name, &u); err == nil {
		t.Error("Scan with mismatched counts succeeded")
	}
	if err := Store(String("x"), name); err == nil {
		t.Error("Store into non-pointer succeeded")
	}
}

func TestShapeError(t *testing.T) {
	var s Simple
	err := Store(String("x"), &s)
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("Store(String) into struct got err %v, want ShapeError", err)
	}
	if se.Got != String("x") {
		t.Errorf("ShapeError.Got = %#v, want String(\"x\")", se.Got)
	}

	if _, err := As[Struct](Byte(1)); !errors.As(err, &se) {
		t.Errorf("As[Struct](Byte) got err %v, want ShapeError", err)
	}
	if got, err := As[Byte](Byte(1)); err != nil || got != 1 {
		t.Errorf("As[Byte](Byte(1)) = %v, %v", got, err)
	}

	badDicts := []struct {
		name string
		in   Array
	}{
		{"struct key", Array{Elem: Signature{"{(s)y}"}, Items: []Value{
			DictEntry{Struct{Fields: []Value{String("a")}}, Byte(1)},
		}}},
		{"mismatched key", Array{Elem: sig("{sy}"), Items: []Value{
			DictEntry{Int32(1), Byte(1)},
		}}},
		{"mismatched value", Array{Elem: sig("{sy}"), Items: []Value{
			DictEntry{String("a"), String("b")},
		}}},
	}
	for _, tc := range badDicts {
		if _, err := tc.in.Dict(); !errors.As(err, &se) {
			t.Errorf("%s: Dict() got err %v, want ShapeError", tc.name, err)
		}
	}
}

func TestNative(t *testing.T) {
	in := Struct{Fields: []Value{
		Byte(1),
		ObjectPath("/p"),
		Array{Elem: sig("{sv}"), Items: []Value{
			DictEntry{String("k"), Variant{Bool(true)}},
		}},
		strs("a"),
	}}
	want := []any{
		uint8(1),
		"/p",
		map[any]any{"k": true},
		[]any{"a"},
	}
	if diff := diffValues(Native(in), want); diff != "" {
		t.Errorf("Native diff (-got+want):\n%s", diff)
	}
}
