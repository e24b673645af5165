package dbus

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/danderson/dbusloop/engine"
)

// Encode appends v to w.
//
// Basic values are appended directly. Containers are opened on w,
// filled recursively, and closed. A [Dict] is written as an array of
// dict entries in ascending key order.
func Encode(w *engine.Writer, v Value) error {
	switch x := v.(type) {
	case nil:
		return typeErr(nil, "%w", errNilValue)
	case Byte:
		return w.AppendBasic(engine.TypeByte, uint8(x))
	case Bool:
		return w.AppendBasic(engine.TypeBool, bool(x))
	case Int16:
		return w.AppendBasic(engine.TypeInt16, int16(x))
	case Uint16:
		return w.AppendBasic(engine.TypeUint16, uint16(x))
	case Int32:
		return w.AppendBasic(engine.TypeInt32, int32(x))
	case Uint32:
		return w.AppendBasic(engine.TypeUint32, uint32(x))
	case Int64:
		return w.AppendBasic(engine.TypeInt64, int64(x))
	case Uint64:
		return w.AppendBasic(engine.TypeUint64, uint64(x))
	case Double:
		return w.AppendBasic(engine.TypeDouble, float64(x))
	case String:
		return w.AppendBasic(engine.TypeString, string(x))
	case ObjectPath:
		return w.AppendBasic(engine.TypeObjectPath, string(x))
	case Signature:
		return w.AppendBasic(engine.TypeSignature, x.str)
	case UnixFD:
		if x.File == nil {
			return typeErr(nil, "UnixFD: %w", errNilValue)
		}
		return w.AppendBasic(engine.TypeUnixFD, x.File)
	case Array:
		child, err := w.OpenContainer(engine.TypeArray, x.Elem.str)
		if err != nil {
			return err
		}
		for _, item := range x.Items {
			if err := Encode(child, item); err != nil {
				return err
			}
		}
		return w.CloseContainer(child)
	case Struct:
		return encodeFields(w, engine.TypeStruct, x.Fields...)
	case DictEntry:
		return encodeFields(w, engine.TypeDictEntry, x.Key, x.Val)
	case Variant:
		if x.Value == nil {
			return typeErr(nil, "Variant: %w", errNilValue)
		}
		child, err := w.OpenContainer(engine.TypeVariant, SignatureOf(x.Value).str)
		if err != nil {
			return err
		}
		if err := Encode(child, x.Value); err != nil {
			return err
		}
		return w.CloseContainer(child)
	case Dict:
		child, err := w.OpenContainer(engine.TypeArray, "{"+x.Key.str+x.Val.str+"}")
		if err != nil {
			return err
		}
		keys := make([]Value, 0, len(x.Entries))
		for k, v := range x.Entries {
			// Sorting needs every key to have the same type.
			if err := x.checkEntry(k, v); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareBasic)
		for _, k := range keys {
			if err := encodeFields(child, engine.TypeDictEntry, k, x.Entries[k]); err != nil {
				return err
			}
		}
		return w.CloseContainer(child)
	}
	return fmt.Errorf("unknown Value type %T", v)
}

func encodeFields(w *engine.Writer, t engine.Type, fields ...Value) error {
	child, err := w.OpenContainer(t, "")
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := Encode(child, f); err != nil {
			return err
		}
	}
	return w.CloseContainer(child)
}

// compareBasic orders basic values of the same type.
func compareBasic(a, b Value) int {
	switch x := a.(type) {
	case Byte:
		return cmp.Compare(x, b.(Byte))
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		}
		return 1
	case Int16:
		return cmp.Compare(x, b.(Int16))
	case Uint16:
		return cmp.Compare(x, b.(Uint16))
	case Int32:
		return cmp.Compare(x, b.(Int32))
	case Uint32:
		return cmp.Compare(x, b.(Uint32))
	case Int64:
		return cmp.Compare(x, b.(Int64))
	case Uint64:
		return cmp.Compare(x, b.(Uint64))
	case Double:
		return cmp.Compare(x, b.(Double))
	case String:
		return cmp.Compare(x, b.(String))
	case ObjectPath:
		return cmp.Compare(x, b.(ObjectPath))
	case Signature:
		return cmp.Compare(x.str, b.(Signature).str)
	case UnixFD:
		// Descriptor numbers are only stable within this process.
		return cmp.Compare(x.File.Fd(), b.(UnixFD).File.Fd())
	}
	return 0
}

// errNoMoreValues is returned by Decode when the cursor is at the
// end of its values.
var errNoMoreValues = errors.New("no more values to decode")

// Decode reads the complete value at the cursor of r, and advances
// the cursor past it.
//
// Arrays of dict entries decode as an [Array] of [DictEntry]; use
// [Array.Dict] to collapse them into a mapping.
func Decode(r *engine.Reader) (Value, error) {
	t := r.ArgType()
	if t == engine.TypeInvalid {
		return nil, errNoMoreValues
	}
	if t.IsBasic() {
		v, err := r.Basic()
		if err != nil {
			return nil, err
		}
		return basicValue(t, v), nil
	}

	switch t {
	case engine.TypeArray:
		elem := r.Signature()[1:]
		child, err := r.Recurse()
		if err != nil {
			return nil, err
		}
		ret := Array{Elem: Signature{elem}}
		for child.ArgType() != engine.TypeInvalid {
			item, err := Decode(child)
			if err != nil {
				return nil, err
			}
			ret.Items = append(ret.Items, item)
		}
		if err := child.Close(); err != nil {
			return nil, err
		}
		return ret, nil
	case engine.TypeStruct, engine.TypeDictEntry:
		child, err := r.Recurse()
		if err != nil {
			return nil, err
		}
		fields, err := DecodeAll(child)
		if err != nil {
			return nil, err
		}
		if err := child.Close(); err != nil {
			return nil, err
		}
		if t == engine.TypeDictEntry {
			if len(fields) != 2 {
				return nil, engine.ProtocolError{Op: "decoding dict entry", Reason: fmt.Errorf("dict entry has %d fields", len(fields))}
			}
			return DictEntry{fields[0], fields[1]}, nil
		}
		return Struct{Fields: fields}, nil
	case engine.TypeVariant:
		child, err := r.Recurse()
		if err != nil {
			return nil, err
		}
		inner, err := Decode(child)
		if err != nil {
			return nil, err
		}
		if err := child.Close(); err != nil {
			return nil, err
		}
		return Variant{inner}, nil
	}
	return nil, engine.ProtocolError{Op: "decoding value", Reason: fmt.Errorf("unknown type code %q", byte(t))}
}

func basicValue(t engine.Type, v any) Value {
	switch t {
	case engine.TypeByte:
		return Byte(v.(uint8))
	case engine.TypeBool:
		return Bool(v.(bool))
	case engine.TypeInt16:
		return Int16(v.(int16))
	case engine.TypeUint16:
		return Uint16(v.(uint16))
	case engine.TypeInt32:
		return Int32(v.(int32))
	case engine.TypeUint32:
		return Uint32(v.(uint32))
	case engine.TypeInt64:
		return Int64(v.(int64))
	case engine.TypeUint64:
		return Uint64(v.(uint64))
	case engine.TypeDouble:
		return Double(v.(float64))
	case engine.TypeString:
		return String(v.(string))
	case engine.TypeObjectPath:
		return ObjectPath(v.(string))
	case engine.TypeSignature:
		return Signature{v.(string)}
	case engine.TypeUnixFD:
		return UnixFD{v.(*os.File)}
	}
	panic(fmt.Sprintf("unknown basic type %s", t))
}

// DecodeAll decodes the values remaining at r's level.
func DecodeAll(r *engine.Reader) ([]Value, error) {
	var ret []Value
	for r.ArgType() != engine.TypeInvalid {
		v, err := Decode(r)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// AppendArgs appends args to the body of m.
func AppendArgs(m *engine.Message, args ...Value) error {
	w := m.Append()
	for i, arg := range args {
		if err := Encode(w, arg); err != nil {
			return fmt.Errorf("encoding argument %d: %w", i, err)
		}
	}
	return nil
}

// MessageArgs decodes the body of m.
func MessageArgs(m *engine.Message) ([]Value, error) {
	return DecodeAll(m.Args())
}
