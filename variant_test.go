package dbus

import (
	"errors"
	"testing"
)

func TestVariantRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Variant
	}{
		{"byte", Variant{Byte(5)}},
		{"bool", Variant{Bool(true)}},
		{"array", Variant{Array{Elem: sig("q"), Items: []Value{Uint16(1), Uint16(2), Uint16(3)}}}},
		{"signature", Variant{sig("uu")}},
		{"struct", Variant{Struct{Fields: []Value{String("x"), Int64(-1)}}}},
		{"nested", Variant{Variant{ObjectPath("/a/b")}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := wireRoundTrip(t, tc.in)
			if diff := diffValues(got, []Value{tc.in}); diff != "" {
				t.Errorf("variant round trip diff (-got+want):\n%s", diff)
			}
		})
	}
}

func TestVariantNil(t *testing.T) {
	m := testMessage()
	err := AppendArgs(m, Variant{})
	if !errors.Is(err, errNilValue) {
		t.Errorf("encoding empty variant got err %v, want nil value error", err)
	}
}

func TestValueOfInterface(t *testing.T) {
	v, err := ValueOf(struct{ A any }{uint32(7)})
	if err != nil {
		t.Fatal(err)
	}
	want := Struct{Fields: []Value{Variant{Uint32(7)}}}
	if diff := diffValues(v, want); diff != "" {
		t.Errorf("ValueOf diff (-got+want):\n%s", diff)
	}

	var out struct{ A any }
	if err := Store(v, &out); err != nil {
		t.Fatal(err)
	}
	if out.A != uint32(7) {
		t.Errorf("Store into interface field got %#v, want uint32(7)", out.A)
	}

	var inner uint32
	if err := Store(Variant{Uint32(9)}, &inner); err != nil || inner != 9 {
		t.Errorf("Store(Variant) into uint32 = %d, %v, want 9", inner, err)
	}
	var keep Variant
	if err := Store(Variant{Uint32(9)}, &keep); err != nil || keep != (Variant{Uint32(9)}) {
		t.Errorf("Store(Variant) into Variant = %#v, %v", keep, err)
	}
}
