package dbus

import (
	"fmt"

	"github.com/danderson/dbusloop/engine"
)

// A Signature describes the type of a DBus value, or of a sequence
// of values such as a message body.
//
// Signature is also a [Value]: the wire type 'g'.
type Signature struct {
	str string
}

func (Signature) valueSignature() string { return "g" }

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is empty. An empty signature
// describes a void value.
func (s Signature) IsZero() bool { return s.str == "" }

// Equal reports whether s and o describe the same types.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

// Single reports whether s is exactly one complete type.
func (s Signature) Single() bool {
	return engine.ValidSingleType(s.str) == nil
}

// Types splits s into its complete types.
func (s Signature) Types() []Signature {
	var ret []Signature
	rest := s.str
	for rest != "" {
		first, r, err := engine.SplitType(rest)
		if err != nil {
			// Only possible for signatures not made by
			// ParseSignature.
			return nil
		}
		ret = append(ret, Signature{first})
		rest = r
	}
	return ret
}

type parsedSignature struct {
	sig Signature
	err error
}

var strToSignature cache[string, parsedSignature]

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, ok := strToSignature.Get(sig); ok {
		return ret.sig, ret.err
	}
	var ret parsedSignature
	if err := engine.ValidSignature(sig); err != nil {
		ret.err = fmt.Errorf("parsing signature: %w", err)
	} else {
		ret.sig = Signature{sig}
	}
	strToSignature.Put(sig, ret)
	return ret.sig, ret.err
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// SignatureOf returns the signature of v. SignatureOf does not
// validate v: the signature of a malformed value, such as a Struct
// with no fields, is itself invalid.
func SignatureOf(v Value) Signature {
	if v == nil {
		return Signature{}
	}
	return Signature{v.valueSignature()}
}
