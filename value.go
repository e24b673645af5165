package dbus

import (
	"fmt"
	"os"
	"strings"

	"github.com/danderson/dbusloop/engine"
)

// Type is a DBus wire type code.
type Type = engine.Type

// Value is a DBus value.
//
// The types in this package are the only implementations: the basic
// types [Byte], [Bool], [Int16], [Uint16], [Int32], [Uint32],
// [Int64], [Uint64], [Double], [String], [ObjectPath], [Signature]
// and [UnixFD], and the containers [Array], [Struct], [DictEntry],
// [Variant] and [Dict].
type Value interface {
	valueSignature() string
}

type (
	Byte   uint8
	Bool   bool
	Int16  int16
	Uint16 uint16
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	Double float64
	String string
)

func (Byte) valueSignature() string   { return "y" }
func (Bool) valueSignature() string   { return "b" }
func (Int16) valueSignature() string  { return "n" }
func (Uint16) valueSignature() string { return "q" }
func (Int32) valueSignature() string  { return "i" }
func (Uint32) valueSignature() string { return "u" }
func (Int64) valueSignature() string  { return "x" }
func (Uint64) valueSignature() string { return "t" }
func (Double) valueSignature() string { return "d" }
func (String) valueSignature() string { return "s" }

// UnixFD is a file descriptor passed over the bus.
type UnixFD struct {
	File *os.File
}

func (UnixFD) valueSignature() string { return "h" }

// Equal reports whether u and o refer to the same open file.
func (u UnixFD) Equal(o UnixFD) bool { return u.File == o.File }

// Array is a homogeneous sequence of values.
//
// Elem is carried explicitly so that empty arrays keep their type.
// Every item must have signature Elem.
type Array struct {
	Elem  Signature
	Items []Value
}

func (a Array) valueSignature() string { return "a" + a.Elem.str }

// Dict collapses an array of dict entries into a Dict. If a key
// appears more than once, the last entry wins.
func (a Array) Dict() (Dict, error) {
	es := a.Elem.str
	if len(es) < 4 || es[0] != '{' {
		return Dict{}, &ShapeError{Want: "array of dict entries", Got: a}
	}
	k, rest, err := engine.SplitType(es[1 : len(es)-1])
	if err != nil {
		return Dict{}, err
	}
	if len(k) != 1 || !engine.Type(k[0]).IsBasic() {
		return Dict{}, &ShapeError{Want: "array of dict entries with a basic key", Got: a}
	}
	ret := Dict{
		Key:     Signature{k},
		Val:     Signature{rest},
		Entries: make(map[Value]Value, len(a.Items)),
	}
	for _, item := range a.Items {
		e, ok := item.(DictEntry)
		if !ok {
			return Dict{}, &ShapeError{Want: "dict entry", Got: item}
		}
		if err := ret.checkEntry(e.Key, e.Val); err != nil {
			return Dict{}, err
		}
		ret.Entries[e.Key] = e.Val
	}
	return ret, nil
}

// Struct is a fixed sequence of values of arbitrary types. A Struct
// must have at least one field.
type Struct struct {
	Fields []Value
}

func (s Struct) valueSignature() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range s.Fields {
		b.WriteString(SignatureOf(f).str)
	}
	b.WriteByte(')')
	return b.String()
}

// DictEntry is a key/value pair. DictEntries only occur as the
// elements of an [Array], and Key must be a basic type.
type DictEntry struct {
	Key Value
	Val Value
}

func (e DictEntry) valueSignature() string {
	return "{" + SignatureOf(e.Key).str + SignatureOf(e.Val).str + "}"
}

// Dict is a mapping of basic keys to values. On the wire it is an
// array of dict entries.
type Dict struct {
	Key     Signature
	Val     Signature
	Entries map[Value]Value
}

func (d Dict) valueSignature() string { return "a{" + d.Key.str + d.Val.str + "}" }

// checkEntry reports whether key and val fit d's key and value
// signatures.
func (d Dict) checkEntry(key, val Value) error {
	if SignatureOf(key) != d.Key {
		return &ShapeError{Want: fmt.Sprintf("dict key of signature %q", d.Key.str), Got: key}
	}
	if SignatureOf(val) != d.Val {
		return &ShapeError{Want: fmt.Sprintf("dict value of signature %q", d.Val.str), Got: val}
	}
	if fd, ok := key.(UnixFD); ok && fd.File == nil {
		return typeErr(nil, "UnixFD dict key: %w", errNilValue)
	}
	return nil
}

// ShapeError is the error returned when a value does not have the
// type or structure that the caller asked for.
type ShapeError struct {
	// Want describes the expected shape.
	Want string
	// Got is the value that was provided.
	Got Value
}

func (e *ShapeError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("cannot use nil value as %s", e.Want)
	}
	return fmt.Sprintf("cannot use %T value (signature %q) as %s", e.Got, SignatureOf(e.Got), e.Want)
}

// As returns v as a T, or a [*ShapeError] if v is not a T.
func As[T Value](v Value) (T, error) {
	ret, ok := v.(T)
	if !ok {
		var zero T
		return zero, &ShapeError{Want: fmt.Sprintf("%T", zero), Got: v}
	}
	return ret, nil
}
