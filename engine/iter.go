package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dbusloop/fragments"
)

// A Writer appends values to a message body, one complete type at a
// time. Containers are written by opening a child Writer with
// [Writer.OpenContainer], appending the container's contents to the
// child, and closing it with [Writer.CloseContainer].
//
// Writers enforce the DBus typing rules as values are appended:
// arrays are uniform, dict entry keys are basic types, and variants
// hold exactly one value.
type Writer struct {
	enc    *fragments.Encoder
	m      *Message
	parent *Writer
	open   *Writer

	kind Type
	// elem is the array element signature, or the signature of a
	// variant's contents.
	elem string
	sig  []byte
	n    int
	mark fragments.ArrayMark
}

// Append returns a Writer that appends values to the end of m's
// body, updating m's signature as complete values are added.
func (m *Message) Append() *Writer {
	return &Writer{
		enc: &fragments.Encoder{Order: m.order(), Out: m.Body},
		m:   m,
	}
}

func (w *Writer) check(sig string) error {
	if w.open != nil {
		return errors.New("cannot append to a writer with an open container")
	}
	switch w.kind {
	case TypeArray:
		if sig != w.elem {
			return fmt.Errorf("cannot add %q to array of %q", sig, w.elem)
		}
	case TypeVariant:
		if w.n > 0 {
			return errors.New("variant already holds a value")
		}
		if sig != w.elem {
			return fmt.Errorf("cannot add %q to variant of %q", sig, w.elem)
		}
	case TypeDictEntry:
		switch w.n {
		case 0:
			if !typeOf(sig).IsBasic() {
				return fmt.Errorf("dict entry key %q is not a basic type", sig)
			}
		case 1:
		default:
			return errors.New("dict entry already has a key and value")
		}
	}
	return nil
}

// expect returns the container kind the next value must have, or
// TypeInvalid if any kind is acceptable.
func (w *Writer) expect() Type {
	switch w.kind {
	case TypeArray, TypeVariant:
		return typeOf(w.elem)
	}
	return TypeInvalid
}

func (w *Writer) wrote(sig string) {
	w.n++
	switch {
	case w.kind == TypeArray:
	case w.kind == TypeInvalid && w.m != nil:
		w.m.Body = w.enc.Out
		w.m.Signature += sig
	default:
		w.sig = append(w.sig, sig...)
	}
}

// AppendBasic appends v as a value of basic type t. The Go type of v
// must match t: uint8 for TypeByte, bool, int16, uint16, int32,
// uint32, int64, uint64, float64, string for TypeString,
// TypeObjectPath and TypeSignature, and *os.File for TypeUnixFD.
func (w *Writer) AppendBasic(t Type, v any) error {
	if !t.IsBasic() {
		return fmt.Errorf("AppendBasic called with non-basic type %s", t)
	}
	if err := w.check(string(t)); err != nil {
		return err
	}
	ok := true
	e := w.enc
	switch t {
	case TypeByte:
		var x uint8
		if x, ok = v.(uint8); ok {
			e.Uint8(x)
		}
	case TypeBool:
		var x bool
		if x, ok = v.(bool); ok {
			if x {
				e.Uint32(1)
			} else {
				e.Uint32(0)
			}
		}
	case TypeInt16:
		var x int16
		if x, ok = v.(int16); ok {
			e.Uint16(uint16(x))
		}
	case TypeUint16:
		var x uint16
		if x, ok = v.(uint16); ok {
			e.Uint16(x)
		}
	case TypeInt32:
		var x int32
		if x, ok = v.(int32); ok {
			e.Uint32(uint32(x))
		}
	case TypeUint32:
		var x uint32
		if x, ok = v.(uint32); ok {
			e.Uint32(x)
		}
	case TypeInt64:
		var x int64
		if x, ok = v.(int64); ok {
			e.Uint64(uint64(x))
		}
	case TypeUint64:
		var x uint64
		if x, ok = v.(uint64); ok {
			e.Uint64(x)
		}
	case TypeDouble:
		var x float64
		if x, ok = v.(float64); ok {
			e.Uint64(math.Float64bits(x))
		}
	case TypeString, TypeObjectPath, TypeSignature:
		var s string
		if s, ok = v.(string); !ok {
			break
		}
		if err := validString(t, s); err != nil {
			return err
		}
		if t == TypeSignature {
			e.Signature(s)
		} else {
			e.String(s)
		}
	case TypeUnixFD:
		var f *os.File
		if f, ok = v.(*os.File); !ok {
			break
		}
		if w.root().m == nil {
			return errors.New("cannot attach file descriptors outside a message body")
		}
		m := w.root().m
		e.Uint32(uint32(len(m.Files)))
		m.Files = append(m.Files, f)
	}
	if !ok {
		return fmt.Errorf("cannot encode %T as DBus type %s", v, t)
	}
	w.wrote(string(t))
	return nil
}

func (w *Writer) root() *Writer {
	for w.parent != nil {
		w = w.parent
	}
	return w
}

func validString(t Type, s string) error {
	if !utf8.ValidString(s) {
		return errors.New("string is not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("string contains a nul byte")
	}
	switch t {
	case TypeObjectPath:
		return ValidObjectPath(s)
	case TypeSignature:
		return ValidSignature(s)
	}
	return nil
}

// OpenContainer starts a container value of kind t, and returns a
// Writer for its contents. contained is the element signature for
// TypeArray and the content signature for TypeVariant, and is
// ignored for TypeStruct and TypeDictEntry.
func (w *Writer) OpenContainer(t Type, contained string) (*Writer, error) {
	if w.open != nil {
		return nil, errors.New("writer already has an open container")
	}
	if want := w.expect(); want != TypeInvalid && want != t {
		return nil, fmt.Errorf("cannot open %s where %s is expected", t, want)
	}
	child := &Writer{
		enc:    w.enc,
		parent: w,
		kind:   t,
	}
	switch t {
	case TypeArray:
		if err := ValidSingleType("a" + contained); err != nil {
			return nil, err
		}
		if err := w.check("a" + contained); err != nil {
			return nil, err
		}
		child.elem = contained
		child.mark = w.enc.BeginArray(typeOf(contained).Alignment())
	case TypeStruct:
		if w.kind == TypeDictEntry && w.n == 0 {
			return nil, errors.New("dict entry key must be a basic type")
		}
		w.enc.Struct()
	case TypeDictEntry:
		if w.kind != TypeArray {
			return nil, errors.New("dict entries must be array elements")
		}
		w.enc.Struct()
	case TypeVariant:
		if err := ValidSingleType(contained); err != nil {
			return nil, err
		}
		if err := w.check("v"); err != nil {
			return nil, err
		}
		child.elem = contained
		w.enc.Signature(contained)
	default:
		return nil, fmt.Errorf("OpenContainer called with non-container type %s", t)
	}
	w.open = child
	return child, nil
}

// CloseContainer finishes the container written through child, which
// must be the most recent container opened on w.
func (w *Writer) CloseContainer(child *Writer) error {
	if w.open != child || child == nil {
		return errors.New("CloseContainer called with a writer that is not open on this writer")
	}
	if child.open != nil {
		return errors.New("cannot close a container with an open child container")
	}
	var sig string
	switch child.kind {
	case TypeArray:
		if err := w.enc.EndArray(child.mark); err != nil {
			return err
		}
		sig = "a" + child.elem
	case TypeStruct:
		if child.n == 0 {
			return errors.New("structs must have at least one field")
		}
		sig = "(" + string(child.sig) + ")"
	case TypeDictEntry:
		if child.n != 2 {
			return fmt.Errorf("dict entry has %d values, want 2", child.n)
		}
		sig = "{" + string(child.sig) + "}"
	case TypeVariant:
		if child.n != 1 {
			return errors.New("variant must hold exactly one value")
		}
		sig = "v"
	}
	w.open = nil
	if err := w.check(sig); err != nil {
		return err
	}
	w.wrote(sig)
	return nil
}

// A Reader iterates over the values in a message body, one complete
// type at a time.
type Reader struct {
	dec   *fragments.Decoder
	files []*os.File
	kind  Type
	// sig is the remaining signature at this level, or the element
	// signature for arrays.
	sig string
	end int
	// depth is the number of containers enclosing this level.
	depth int
}

// maxNesting is the protocol's limit on containers nested inside
// each other, variants included.
const maxNesting = 64

// Args returns a Reader positioned at the first argument of m.
func (m *Message) Args() *Reader {
	return &Reader{
		dec:   &fragments.Decoder{Order: m.order(), In: m.Body},
		files: m.Files,
		sig:   m.Signature,
	}
}

// ArgType returns the type of the value at the cursor, or
// TypeInvalid if there are no more values.
func (r *Reader) ArgType() Type {
	if r.kind == TypeArray && r.dec.Offset() >= r.end {
		return TypeInvalid
	}
	return typeOf(r.sig)
}

// Signature returns the signature of the complete type at the
// cursor, or "" if there are no more values.
func (r *Reader) Signature() string {
	if r.ArgType() == TypeInvalid {
		return ""
	}
	if r.kind == TypeArray {
		return r.sig
	}
	first, _, err := SplitType(r.sig)
	if err != nil {
		return ""
	}
	return first
}

func (r *Reader) advance(n int) {
	if r.kind != TypeArray {
		r.sig = r.sig[n:]
	}
}

func (r *Reader) corrupt(reason string, args ...any) error {
	return protoErr("reading message body", reason, args...)
}

// Basic reads the basic value at the cursor and advances past it.
// The Go type of the returned value is as described in
// [Writer.AppendBasic].
func (r *Reader) Basic() (any, error) {
	t := r.ArgType()
	if !t.IsBasic() {
		return nil, fmt.Errorf("Basic called on non-basic type %s", t)
	}
	d := r.dec
	var (
		ret any
		err error
	)
	switch t {
	case TypeByte:
		ret, err = d.Uint8()
	case TypeBool:
		var u uint32
		if u, err = d.Uint32(); err == nil {
			if u > 1 {
				return nil, r.corrupt("invalid boolean value %d", u)
			}
			ret = u == 1
		}
	case TypeInt16:
		var u uint16
		u, err = d.Uint16()
		ret = int16(u)
	case TypeUint16:
		ret, err = d.Uint16()
	case TypeInt32:
		var u uint32
		u, err = d.Uint32()
		ret = int32(u)
	case TypeUint32:
		ret, err = d.Uint32()
	case TypeInt64:
		var u uint64
		u, err = d.Uint64()
		ret = int64(u)
	case TypeUint64:
		ret, err = d.Uint64()
	case TypeDouble:
		var u uint64
		u, err = d.Uint64()
		ret = math.Float64frombits(u)
	case TypeString, TypeObjectPath, TypeSignature:
		var s string
		if t == TypeSignature {
			s, err = d.Signature()
		} else {
			s, err = d.String()
		}
		if err == nil {
			if verr := validString(t, s); verr != nil {
				return nil, r.corrupt("%s", verr)
			}
		}
		ret = s
	case TypeUnixFD:
		var idx uint32
		if idx, err = d.Uint32(); err == nil {
			if int(idx) >= len(r.files) {
				return nil, r.corrupt("file descriptor index %d out of range (%d attached)", idx, len(r.files))
			}
			ret = r.files[idx]
		}
	}
	if err != nil {
		return nil, r.corrupt("%s", err)
	}
	r.advance(1)
	return ret, nil
}

// Recurse returns a Reader over the contents of the container at the
// cursor, and advances the cursor past the container. The returned
// Reader must be read to the end or closed with [Reader.Close]
// before r is used again.
func (r *Reader) Recurse() (*Reader, error) {
	cur := r.Signature()
	child := &Reader{
		dec:   r.dec,
		files: r.files,
		kind:  typeOf(cur),
		depth: r.depth + 1,
	}
	if child.depth > maxNesting {
		return nil, r.corrupt("containers nested deeper than %d", maxNesting)
	}
	switch child.kind {
	case TypeArray:
		child.sig = cur[1:]
		end, err := r.dec.Array(typeOf(child.sig).Alignment())
		if err != nil {
			return nil, r.corrupt("%s", err)
		}
		child.end = end
	case TypeStruct, TypeDictEntry:
		if err := r.dec.Struct(); err != nil {
			return nil, r.corrupt("%s", err)
		}
		child.sig = cur[1 : len(cur)-1]
	case TypeVariant:
		sig, err := r.dec.Signature()
		if err != nil {
			return nil, r.corrupt("%s", err)
		}
		if err := ValidSingleType(sig); err != nil {
			return nil, r.corrupt("variant: %s", err)
		}
		child.sig = sig
	default:
		return nil, fmt.Errorf("Recurse called on non-container type %s", child.kind)
	}
	r.advance(len(cur))
	return child, nil
}

// Close skips any values remaining in r, and checks that r's
// container was consumed exactly.
func (r *Reader) Close() error {
	if r.kind == TypeArray {
		if off := r.dec.Offset(); off < r.end {
			if _, err := r.dec.Read(r.end - off); err != nil {
				return r.corrupt("%s", err)
			}
		} else if off > r.end {
			return r.corrupt("array elements overran array length by %d bytes", off-r.end)
		}
		return nil
	}
	for r.ArgType() != TypeInvalid {
		if r.ArgType().IsBasic() {
			if _, err := r.Basic(); err != nil {
				return err
			}
			continue
		}
		child, err := r.Recurse()
		if err != nil {
			return err
		}
		if err := child.Close(); err != nil {
			return err
		}
	}
	return nil
}
