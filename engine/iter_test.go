package engine

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danderson/dbusloop/fragments"
	"github.com/google/go-cmp/cmp"
)

// walk decodes every value in r into a generic tree of Go values,
// for comparisons.
func walk(t *testing.T, r *Reader) []any {
	t.Helper()
	var ret []any
	for r.ArgType() != TypeInvalid {
		if r.ArgType().IsBasic() {
			v, err := r.Basic()
			if err != nil {
				t.Fatalf("Basic() got err: %v", err)
			}
			ret = append(ret, v)
			continue
		}
		kind := r.ArgType()
		child, err := r.Recurse()
		if err != nil {
			t.Fatalf("Recurse() got err: %v", err)
		}
		inner := walk(t, child)
		if err := child.Close(); err != nil {
			t.Fatalf("Close() got err: %v", err)
		}
		ret = append(ret, map[string]any{kind.String(): inner})
	}
	return ret
}

func TestWriterReader(t *testing.T) {
	m := &Message{Order: fragments.LittleEndian}
	w := m.Append()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(w.AppendBasic(TypeString, "hello"))

	// a{sv}
	arr, err := w.OpenContainer(TypeArray, "{sv}")
	must(err)
	for _, k := range []string{"one", "two"} {
		de, err := arr.OpenContainer(TypeDictEntry, "")
		must(err)
		must(de.AppendBasic(TypeString, k))
		v, err := de.OpenContainer(TypeVariant, "u")
		must(err)
		must(v.AppendBasic(TypeUint32, uint32(len(k))))
		must(de.CloseContainer(v))
		must(arr.CloseContainer(de))
	}
	must(w.CloseContainer(arr))

	// (yb)
	st, err := w.OpenContainer(TypeStruct, "")
	must(err)
	must(st.AppendBasic(TypeByte, uint8(7)))
	must(st.AppendBasic(TypeBool, true))
	must(w.CloseContainer(st))

	// empty aay
	aay, err := w.OpenContainer(TypeArray, "ay")
	must(err)
	must(w.CloseContainer(aay))

	must(w.AppendBasic(TypeDouble, 2.5))

	if got, want := m.Signature, "sa{sv}(yb)aayd"; got != want {
		t.Fatalf("writer produced signature %q, want %q", got, want)
	}

	got := walk(t, m.Args())
	want := []any{
		"hello",
		map[string]any{"a": []any{
			map[string]any{"dict-entry": []any{"one", map[string]any{"v": []any{uint32(3)}}}},
			map[string]any{"dict-entry": []any{"two", map[string]any{"v": []any{uint32(3)}}}},
		}},
		map[string]any{"struct": []any{uint8(7), true}},
		map[string]any{"a": []any(nil)},
		2.5,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Fatalf("read back wrong values (-got+want):\n%s", diff)
	}
}

func TestWriterErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(w *Writer) error
	}{
		{
			"mixed array",
			func(w *Writer) error {
				arr, _ := w.OpenContainer(TypeArray, "i")
				arr.AppendBasic(TypeInt32, int32(1))
				return arr.AppendBasic(TypeString, "x")
			},
		},
		{
			"non-basic dict key",
			func(w *Writer) error {
				arr, _ := w.OpenContainer(TypeArray, "{sv}")
				de, _ := arr.OpenContainer(TypeDictEntry, "")
				_, err := de.OpenContainer(TypeStruct, "")
				return err
			},
		},
		{
			"dict entry outside array",
			func(w *Writer) error {
				_, err := w.OpenContainer(TypeDictEntry, "")
				return err
			},
		},
		{
			"two values in variant",
			func(w *Writer) error {
				v, _ := w.OpenContainer(TypeVariant, "y")
				v.AppendBasic(TypeByte, uint8(1))
				return v.AppendBasic(TypeByte, uint8(2))
			},
		},
		{
			"variant of multiple types",
			func(w *Writer) error {
				_, err := w.OpenContainer(TypeVariant, "yy")
				return err
			},
		},
		{
			"empty struct",
			func(w *Writer) error {
				st, _ := w.OpenContainer(TypeStruct, "")
				return w.CloseContainer(st)
			},
		},
		{
			"incomplete dict entry",
			func(w *Writer) error {
				arr, _ := w.OpenContainer(TypeArray, "{sv}")
				de, _ := arr.OpenContainer(TypeDictEntry, "")
				de.AppendBasic(TypeString, "k")
				return arr.CloseContainer(de)
			},
		},
		{
			"wrong Go type",
			func(w *Writer) error {
				return w.AppendBasic(TypeUint32, 42)
			},
		},
		{
			"invalid object path",
			func(w *Writer) error {
				return w.AppendBasic(TypeObjectPath, "not/a/path")
			},
		},
		{
			"append with open child",
			func(w *Writer) error {
				w.OpenContainer(TypeStruct, "")
				return w.AppendBasic(TypeByte, uint8(1))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{}
			if err := tc.fn(m.Append()); err == nil {
				t.Fatal("writer accepted invalid input")
			}
		})
	}
}

func TestReaderCorrupt(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		body []byte
	}{
		{"bad bool", "b", []byte{2, 0, 0, 0}},
		{"short string", "s", []byte{9, 0, 0, 0, 'a'}},
		{"array overrun", "ay", []byte{8, 0, 0, 0, 1}},
		{"bad variant signature", "v", []byte{2, '{', 's', 0}},
		{"fd out of range", "h", []byte{0, 0, 0, 0}},
		{"invalid utf8", "s", []byte{1, 0, 0, 0, 0xff, 0}},
		{"variants nested too deep", "v", bytes.Repeat([]byte{1, 'v', 0}, 1<<16)},
		{"structs nested too deep", nestedStructs(65), []byte{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{Order: fragments.LittleEndian, Signature: tc.sig, Body: tc.body}
			r := m.Args()
			err := r.Close()
			if err == nil {
				t.Fatal("reader accepted corrupt body")
			}
			if !errors.As(err, new(ProtocolError)) {
				t.Fatalf("got error %v (%T), want ProtocolError", err, err)
			}
		})
	}
}

func nestedStructs(depth int) string {
	return strings.Repeat("(", depth) + "y" + strings.Repeat(")", depth)
}

func TestReaderNestingLimit(t *testing.T) {
	m := &Message{Order: fragments.LittleEndian, Signature: nestedStructs(64), Body: []byte{7}}
	got := walk(t, m.Args())
	depth := 0
	for len(got) == 1 {
		container, ok := got[0].(map[string]any)
		if !ok {
			break
		}
		depth++
		for _, inner := range container {
			got = inner.([]any)
		}
	}
	if depth != 64 {
		t.Errorf("decoded %d nested structs, want 64", depth)
	}
	if diff := cmp.Diff(got, []any{uint8(7)}); diff != "" {
		t.Errorf("innermost value diff (-got+want):\n%s", diff)
	}
}
