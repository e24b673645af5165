package dbus

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// structField is a Go struct field that maps to one field of a DBus
// struct.
type structField struct {
	Name  string
	Index [][]int
	Type  reflect.Type
}

// GetWithZero loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithZero returns a non-settable zero value of the field.
func (f *structField) GetWithZero(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(f.Type)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// GetWithAlloc loads the struct field from structVal. If loading
// requires traversing a nil pointer into an embedded struct,
// GetWithAlloc allocates zero values appropriately. The returned
// [reflect.Value] is settable.
func (f *structField) GetWithAlloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// structInfo is the DBus layout of a Go struct.
type structInfo struct {
	Name   string
	Fields []*structField
}

func (s *structInfo) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s{", s.Name)
	for i, f := range s.Fields {
		if i > 0 {
			ret.WriteString(", ")
		}
		fmt.Fprintf(&ret, "%s %s", f.Name, f.Type)
	}
	ret.WriteString("}")
	return ret.String()
}

type structResult struct {
	info *structInfo
	err  error
}

var structInfos cache[reflect.Type, structResult]

// getStructInfo returns the DBus layout of t. Exported fields map to
// DBus struct fields in declaration order, fields of embedded
// structs are flattened in place, and fields tagged `dbus:"-"` are
// skipped.
func getStructInfo(t reflect.Type) (*structInfo, error) {
	if ret, ok := structInfos.Get(t); ok {
		return ret.info, ret.err
	}
	info, err := makeStructInfo(t)
	structInfos.Put(t, structResult{info, err})
	return info, err
}

func makeStructInfo(t reflect.Type) (*structInfo, error) {
	ret := &structInfo{
		Name:   t.String(),
		Fields: appendFields(nil, t, [][]int{{}}),
	}
	if len(ret.Fields) == 0 {
		return nil, typeErr(t, "structs must have at least one exported field")
	}
	return ret, nil
}

// appendFields appends the DBus-visible fields of struct type t to
// ret, flattening embedded structs in place. steps is the field path
// from the outermost struct to t, split after every embedded struct
// pointer.
func appendFields(ret []*structField, t reflect.Type, steps [][]int) []*structField {
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Tag.Get("dbus") == "-" {
			continue
		}
		here := withStep(steps, i)
		if f.Anonymous {
			switch {
			case f.Type.Kind() == reflect.Struct:
				ret = appendFields(ret, f.Type, here)
				continue
			case f.Type.Kind() == reflect.Pointer && f.Type.Elem().Kind() == reflect.Struct:
				ret = appendFields(ret, f.Type.Elem(), append(here, []int{}))
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		ret = append(ret, &structField{
			Name:  f.Name,
			Index: here,
			Type:  f.Type,
		})
	}
	return ret
}

// withStep returns a copy of steps with idx appended to the last
// segment.
func withStep(steps [][]int, idx int) [][]int {
	ret := make([][]int, len(steps))
	copy(ret, steps)
	last := len(ret) - 1
	ret[last] = append(slices.Clip(ret[last]), idx)
	return ret
}

var errNilValue = errors.New("nil value")
