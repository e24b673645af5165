package dbus

import (
	"fmt"
	"os"
	"reflect"
	"slices"
)

var (
	valueType = reflect.TypeFor[Value]()
	fileType  = reflect.TypeFor[*os.File]()
)

// staticSignatures are the Value types whose signature does not
// depend on their contents.
var staticSignatures = map[reflect.Type]string{
	reflect.TypeFor[Byte]():       "y",
	reflect.TypeFor[Bool]():       "b",
	reflect.TypeFor[Int16]():      "n",
	reflect.TypeFor[Uint16]():     "q",
	reflect.TypeFor[Int32]():      "i",
	reflect.TypeFor[Uint32]():     "u",
	reflect.TypeFor[Int64]():      "x",
	reflect.TypeFor[Uint64]():     "t",
	reflect.TypeFor[Double]():     "d",
	reflect.TypeFor[String]():     "s",
	reflect.TypeFor[ObjectPath](): "o",
	reflect.TypeFor[Signature]():  "g",
	reflect.TypeFor[UnixFD]():     "h",
	reflect.TypeFor[Variant]():    "v",
}

var kindToStr = map[reflect.Kind]string{
	reflect.Bool:    "b",
	reflect.Uint8:   "y",
	reflect.Int16:   "n",
	reflect.Uint16:  "q",
	reflect.Int32:   "i",
	reflect.Uint32:  "u",
	reflect.Int:     "x",
	reflect.Int64:   "x",
	reflect.Uint:    "t",
	reflect.Uint64:  "t",
	reflect.Float32: "d",
	reflect.Float64: "d",
	reflect.String:  "s",
}

type typeSignature struct {
	sig Signature
	err error
}

var typeToSignature cache[reflect.Type, typeSignature]

// SignatureFor returns the Signature that [ValueOf] produces for
// values of type T.
//
// Go types map to DBus types as follows: the integer, float, bool
// and string kinds map to the corresponding basic type (int and uint
// are 64 bits wide), *os.File maps to a file descriptor, slices and
// arrays map to arrays, maps to dicts, structs to DBus structs, and
// interface types to variants. Pointers are transparent.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (Signature, error) {
	if t == nil {
		return Signature{}, typeErr(t, "nil type")
	}
	if ret, ok := typeToSignature.Get(t); ok {
		return ret.sig, ret.err
	}
	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	str, err := signatureStr(t, append(stack, t))
	var ret Signature
	if err == nil {
		ret, err = ParseSignature(str)
	}
	typeToSignature.Put(t, typeSignature{ret, err})
	return ret, err
}

func signatureStr(t reflect.Type, stack []reflect.Type) (string, error) {
	if s, ok := staticSignatures[t]; ok {
		return s, nil
	}
	if t == fileType {
		return "h", nil
	}
	if t.Kind() == reflect.Pointer {
		s, err := signatureFor(t.Elem(), stack)
		return s.str, err
	}
	if t.Kind() != reflect.Interface && t.Implements(valueType) {
		return "", typeErr(t, "signature depends on the value")
	}
	if s, ok := kindToStr[t.Kind()]; ok {
		return s, nil
	}
	switch t.Kind() {
	case reflect.Interface:
		return "v", nil
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a" + es.str, nil
	case reflect.Map:
		ks, err := signatureFor(t.Key(), stack)
		if err != nil {
			return "", err
		}
		if len(ks.str) != 1 || !Type(ks.str[0]).IsBasic() {
			return "", typeErr(t, "map key type %s is not a basic type", t.Key())
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return "", err
		}
		return "a{" + ks.str + vs.str + "}", nil
	case reflect.Struct:
		inf, err := getStructInfo(t)
		if err != nil {
			return "", err
		}
		ret := "("
		for _, f := range inf.Fields {
			fs, err := signatureFor(f.Type, stack)
			if err != nil {
				return "", err
			}
			ret += fs.str
		}
		return ret + ")", nil
	}
	return "", typeErr(t, "no mapping available")
}

// ValueOf converts a Go value to a DBus Value, using the type
// mapping described in [SignatureFor]. Values that are already a
// [Value] are returned unchanged.
func ValueOf(v any) (Value, error) {
	if v == nil {
		return nil, typeErr(nil, "%w", errNilValue)
	}
	return valueOf(reflect.ValueOf(v))
}

// Args converts each of vs with [ValueOf].
func Args(vs ...any) ([]Value, error) {
	ret := make([]Value, 0, len(vs))
	for i, v := range vs {
		dv, err := ValueOf(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		ret = append(ret, dv)
	}
	return ret, nil
}

func valueOf(v reflect.Value) (Value, error) {
	t := v.Type()
	if t.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, typeErr(t, "%w", errNilValue)
		}
		inner, err := valueOf(v.Elem())
		if err != nil {
			return nil, err
		}
		return Variant{inner}, nil
	}
	if t.Kind() != reflect.Pointer && t.Implements(valueType) {
		return v.Interface().(Value), nil
	}
	if t == fileType {
		if v.IsNil() {
			return nil, typeErr(t, "%w", errNilValue)
		}
		return UnixFD{v.Interface().(*os.File)}, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, typeErr(t, "%w", errNilValue)
		}
		return valueOf(v.Elem())
	case reflect.Bool:
		return Bool(v.Bool()), nil
	case reflect.Uint8:
		return Byte(v.Uint()), nil
	case reflect.Int16:
		return Int16(v.Int()), nil
	case reflect.Uint16:
		return Uint16(v.Uint()), nil
	case reflect.Int32:
		return Int32(v.Int()), nil
	case reflect.Uint32:
		return Uint32(v.Uint()), nil
	case reflect.Int, reflect.Int64:
		return Int64(v.Int()), nil
	case reflect.Uint, reflect.Uint64:
		return Uint64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Double(v.Float()), nil
	case reflect.String:
		return String(v.String()), nil
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), nil)
		if err != nil {
			return nil, err
		}
		ret := Array{Elem: es, Items: make([]Value, 0, v.Len())}
		for i := range v.Len() {
			item, err := valueOf(v.Index(i))
			if err != nil {
				return nil, err
			}
			ret.Items = append(ret.Items, item)
		}
		return ret, nil
	case reflect.Map:
		sig, err := signatureFor(t, nil)
		if err != nil {
			return nil, err
		}
		ret := Dict{
			Key:     Signature{sig.str[2:3]},
			Val:     Signature{sig.str[3 : len(sig.str)-1]},
			Entries: make(map[Value]Value, v.Len()),
		}
		iter := v.MapRange()
		for iter.Next() {
			k, err := valueOf(iter.Key())
			if err != nil {
				return nil, err
			}
			val, err := valueOf(iter.Value())
			if err != nil {
				return nil, err
			}
			ret.Entries[k] = val
		}
		return ret, nil
	case reflect.Struct:
		inf, err := getStructInfo(t)
		if err != nil {
			return nil, err
		}
		ret := Struct{Fields: make([]Value, 0, len(inf.Fields))}
		for _, f := range inf.Fields {
			fv, err := valueOf(f.GetWithZero(v))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			ret.Fields = append(ret.Fields, fv)
		}
		return ret, nil
	}
	return nil, typeErr(t, "no mapping available")
}

// Native converts v to plain Go values: basic values become the
// corresponding Go type, arrays and structs become []any, dicts
// become map[any]any and variants are unwrapped.
func Native(v Value) any {
	switch x := v.(type) {
	case Byte:
		return uint8(x)
	case Bool:
		return bool(x)
	case Int16:
		return int16(x)
	case Uint16:
		return uint16(x)
	case Int32:
		return int32(x)
	case Uint32:
		return uint32(x)
	case Int64:
		return int64(x)
	case Uint64:
		return uint64(x)
	case Double:
		return float64(x)
	case String:
		return string(x)
	case ObjectPath:
		return string(x)
	case Signature:
		return x.str
	case UnixFD:
		return x.File
	case Variant:
		return Native(x.Value)
	case Array:
		if d, err := x.Dict(); err == nil {
			return Native(d)
		}
		ret := make([]any, 0, len(x.Items))
		for _, item := range x.Items {
			ret = append(ret, Native(item))
		}
		return ret
	case Struct:
		ret := make([]any, 0, len(x.Fields))
		for _, f := range x.Fields {
			ret = append(ret, Native(f))
		}
		return ret
	case DictEntry:
		return []any{Native(x.Key), Native(x.Val)}
	case Dict:
		ret := make(map[any]any, len(x.Entries))
		for k, val := range x.Entries {
			ret[Native(k)] = Native(val)
		}
		return ret
	}
	return nil
}

// Store decodes v into the Go value pointed to by out.
//
// out may point to any type that [ValueOf] maps to v's signature, to
// a [Value], or to an empty interface, which receives [Native](v).
// Variants are unwrapped when out does not point to a Variant.
func Store(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("Store requires a non-nil pointer, got %T", out)
	}
	return store(v, rv.Elem())
}

// Scan stores each of vals into the corresponding dst pointer, as
// with [Store].
func Scan(vals []Value, dst ...any) error {
	if len(vals) != len(dst) {
		return fmt.Errorf("cannot scan %d values into %d destinations", len(vals), len(dst))
	}
	for i, v := range vals {
		if err := Store(v, dst[i]); err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
	}
	return nil
}

func store(v Value, dst reflect.Value) error {
	if v == nil {
		return &ShapeError{Want: dst.Type().String()}
	}
	t := dst.Type()
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(t) && t.Kind() != reflect.Interface {
		dst.Set(src)
		return nil
	}
	if t.Kind() == reflect.Interface {
		if t.NumMethod() == 0 {
			if n := Native(v); n != nil {
				dst.Set(reflect.ValueOf(n))
			}
			return nil
		}
		if src.Type().AssignableTo(t) {
			dst.Set(src)
			return nil
		}
	}
	if t.Kind() == reflect.Pointer && t != fileType {
		if dst.IsNil() {
			dst.Set(reflect.New(t.Elem()))
		}
		return store(v, dst.Elem())
	}
	if vr, ok := v.(Variant); ok {
		return store(vr.Value, dst)
	}

	mismatch := func() error {
		return &ShapeError{Want: t.String(), Got: v}
	}
	k := t.Kind()
	switch x := v.(type) {
	case Byte, Bool, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath:
		if !basicKinds[src.Type()][k] {
			return mismatch()
		}
		dst.Set(src.Convert(t))
	case Signature:
		if k != reflect.String {
			return mismatch()
		}
		dst.SetString(x.str)
	case UnixFD:
		if t != fileType {
			return mismatch()
		}
		dst.Set(reflect.ValueOf(x.File))
	case Array:
		switch k {
		case reflect.Slice:
			ret := reflect.MakeSlice(t, len(x.Items), len(x.Items))
			for i, item := range x.Items {
				if err := store(item, ret.Index(i)); err != nil {
					return err
				}
			}
			dst.Set(ret)
		case reflect.Array:
			if t.Len() != len(x.Items) {
				return mismatch()
			}
			for i, item := range x.Items {
				if err := store(item, dst.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Map:
			d, err := x.Dict()
			if err != nil {
				return err
			}
			return store(d, dst)
		default:
			return mismatch()
		}
	case Dict:
		if k != reflect.Map {
			return mismatch()
		}
		ret := reflect.MakeMapWithSize(t, len(x.Entries))
		for key, val := range x.Entries {
			kv := reflect.New(t.Key()).Elem()
			if err := store(key, kv); err != nil {
				return err
			}
			vv := reflect.New(t.Elem()).Elem()
			if err := store(val, vv); err != nil {
				return err
			}
			ret.SetMapIndex(kv, vv)
		}
		dst.Set(ret)
	case Struct:
		if k != reflect.Struct {
			return mismatch()
		}
		inf, err := getStructInfo(t)
		if err != nil {
			return err
		}
		if len(inf.Fields) != len(x.Fields) {
			return mismatch()
		}
		for i, f := range inf.Fields {
			if err := store(x.Fields[i], f.GetWithAlloc(dst)); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	case DictEntry:
		if k != reflect.Struct {
			return mismatch()
		}
		return store(Struct{Fields: []Value{x.Key, x.Val}}, dst)
	default:
		return mismatch()
	}
	return nil
}

func kinds(ks ...reflect.Kind) map[reflect.Kind]bool {
	ret := map[reflect.Kind]bool{}
	for _, k := range ks {
		ret[k] = true
	}
	return ret
}

// basicKinds are the Go kinds that each basic Value can be stored
// into.
var basicKinds = map[reflect.Type]map[reflect.Kind]bool{
	reflect.TypeFor[Byte]():       kinds(reflect.Uint8),
	reflect.TypeFor[Bool]():       kinds(reflect.Bool),
	reflect.TypeFor[Int16]():      kinds(reflect.Int16),
	reflect.TypeFor[Uint16]():     kinds(reflect.Uint16),
	reflect.TypeFor[Int32]():      kinds(reflect.Int32),
	reflect.TypeFor[Uint32]():     kinds(reflect.Uint32),
	reflect.TypeFor[Int64]():      kinds(reflect.Int64, reflect.Int),
	reflect.TypeFor[Uint64]():     kinds(reflect.Uint64, reflect.Uint),
	reflect.TypeFor[Double]():     kinds(reflect.Float64, reflect.Float32),
	reflect.TypeFor[String]():     kinds(reflect.String),
	reflect.TypeFor[ObjectPath](): kinds(reflect.String),
}
