package dbus

import (
	"os"
	"reflect"
	"testing"
)

func TestSignatureFor(t *testing.T) {
	tests := []struct {
		in   reflect.Type
		want string
	}{
		{reflect.TypeFor[byte](), "y"},
		{reflect.TypeFor[bool](), "b"},
		{reflect.TypeFor[int16](), "n"},
		{reflect.TypeFor[uint16](), "q"},
		{reflect.TypeFor[int32](), "i"},
		{reflect.TypeFor[uint32](), "u"},
		{reflect.TypeFor[int64](), "x"},
		{reflect.TypeFor[int](), "x"},
		{reflect.TypeFor[uint64](), "t"},
		{reflect.TypeFor[float64](), "d"},
		{reflect.TypeFor[string](), "s"},
		{reflect.TypeFor[Signature](), "g"},
		{reflect.TypeFor[ObjectPath](), "o"},
		{reflect.TypeFor[*os.File](), "h"},
		{reflect.TypeFor[String](), "s"},
		{reflect.TypeFor[Variant](), "v"},
		{reflect.TypeFor[[]string](), "as"},
		{reflect.TypeFor[[4]byte](), "ay"},
		{reflect.TypeFor[[][]byte](), "aay"},
		{reflect.TypeFor[map[string]int64](), "a{sx}"},
		{reflect.TypeFor[map[string]byte](), "a{sy}"},
		{reflect.TypeFor[Simple](), "(nb)"},
		{reflect.TypeFor[*Simple](), "(nb)"},
		{reflect.TypeFor[[]Simple](), "a(nb)"},
		{reflect.TypeFor[Nested](), "(y(nb))"},
		{reflect.TypeFor[Embedded](), "(nby)"},
		{reflect.TypeFor[EmbeddedPtr](), "(nby)"},
		{reflect.TypeFor[EmbeddedShadow](), "(nby)"},
		{reflect.TypeFor[Arrays](), "(asa(nb)aa(y(nb)))"},
		{reflect.TypeFor[Skipped](), "(s)"},
		{reflect.TypeFor[any](), "v"},
		{reflect.TypeFor[struct{ A any }](), "(v)"},

		{reflect.TypeFor[Tree](), ""},
		{reflect.TypeFor[struct{}](), ""},
		{reflect.TypeFor[map[Simple]bool](), ""},
		{reflect.TypeFor[map[any]bool](), ""},
		{reflect.TypeFor[func() int](), ""},
		{reflect.TypeFor[Array](), ""},
		{reflect.TypeFor[Struct](), ""},
	}

	for _, tc := range tests {
		got, err := signatureFor(tc.in, nil)
		gotErr := err != nil
		wantErr := tc.want == ""
		if gotErr != wantErr {
			wanted := "no error"
			if wantErr {
				wanted = "error"
			}
			t.Errorf("signatureFor(%s) got err %v, want %s", tc.in, err, wanted)
		}
		if got.String() != tc.want {
			t.Errorf("signatureFor(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if got, err := SignatureFor[[]Simple](); err != nil || got.String() != "a(nb)" {
		t.Errorf("SignatureFor[[]Simple]() = %q, %v, want \"a(nb)\"", got, err)
	}
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"byte", Byte(1), "y"},
		{"path", ObjectPath("/"), "o"},
		{"signature", sig("a{sv}"), "g"},
		{"array of byte arrays", Array{Elem: sig("ay"), Items: []Value{
			Array{Elem: sig("y"), Items: []Value{Byte(1)}},
		}}, "aay"},
		{"empty array keeps type", Array{Elem: sig("ay")}, "aay"},
		{"struct", Struct{Fields: []Value{String("a"), Byte(1)}}, "(sy)"},
		{"dict entry", DictEntry{String("a"), Byte(1)}, "{sy}"},
		{"array of dict entries", Array{Elem: sig("{sy}"), Items: []Value{
			DictEntry{String("a"), Byte(1)},
		}}, "a{sy}"},
		{"dict", Dict{Key: sig("s"), Val: sig("y")}, "a{sy}"},
		{"variant", Variant{Uint32(1)}, "v"},
		{"nil", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SignatureOf(tc.in)
			if got.String() != tc.want {
				t.Errorf("SignatureOf(%#v) = %q, want %q", tc.in, got, tc.want)
			}
			if tc.want == "" || tc.want[0] == '{' {
				// Dict entries are only valid inside arrays.
				return
			}
			parsed, err := ParseSignature(tc.want)
			if err != nil {
				t.Fatalf("ParseSignature(%q) failed: %v", tc.want, err)
			}
			if !parsed.Single() {
				t.Errorf("ParseSignature(%q).Single() = false", tc.want)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in      string
		types   []string
		wantErr bool
	}{
		{"", nil, false},
		{"y", []string{"y"}, false},
		{"ybnqiuxtdsogh", []string{"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "h"}, false},
		{"aay", []string{"aay"}, false},
		{"(sy)", []string{"(sy)"}, false},
		{"a{sy}", []string{"a{sy}"}, false},
		{"a{sv}as(ia(ii))", []string{"a{sv}", "as", "(ia(ii))"}, false},
		{"v", []string{"v"}, false},

		{"a", nil, true},
		{"()", nil, true},
		{"(s", nil, true},
		{"{sy}", nil, true},
		{"a{vy}", nil, true},
		{"a{syy}", nil, true},
		{"z", nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSignature(tc.in)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("ParseSignature(%q) got err %v, want err %v", tc.in, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if got.String() != tc.in {
				t.Errorf("ParseSignature(%q).String() = %q", tc.in, got)
			}
			var types []string
			for _, st := range got.Types() {
				types = append(types, st.String())
			}
			if diff := diffValues(types, tc.types); diff != "" {
				t.Errorf("ParseSignature(%q).Types() diff (-got+want):\n%s", tc.in, diff)
			}
			if got.IsZero() != (tc.in == "") {
				t.Errorf("ParseSignature(%q).IsZero() = %v", tc.in, got.IsZero())
			}
		})
	}
}
