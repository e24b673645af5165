package engine

import (
	"errors"
	"fmt"
)

// Type is a DBus wire type code.
type Type byte

const (
	TypeInvalid    Type = 0
	TypeByte       Type = 'y'
	TypeBool       Type = 'b'
	TypeInt16      Type = 'n'
	TypeUint16     Type = 'q'
	TypeInt32      Type = 'i'
	TypeUint32     Type = 'u'
	TypeInt64      Type = 'x'
	TypeUint64     Type = 't'
	TypeDouble     Type = 'd'
	TypeString     Type = 's'
	TypeObjectPath Type = 'o'
	TypeSignature  Type = 'g'
	TypeUnixFD     Type = 'h'
	TypeArray      Type = 'a'
	TypeVariant    Type = 'v'
	// TypeStruct and TypeDictEntry are the container kinds reported
	// by cursors. In signatures they are spelled with parentheses
	// and braces.
	TypeStruct    Type = 'r'
	TypeDictEntry Type = 'e'
)

func (t Type) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeStruct:
		return "struct"
	case TypeDictEntry:
		return "dict-entry"
	}
	return string(rune(t))
}

// IsBasic reports whether t is a basic (non-container) type.
func (t Type) IsBasic() bool {
	switch t {
	case TypeByte, TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath, TypeSignature, TypeUnixFD:
		return true
	}
	return false
}

// Alignment returns the wire alignment of values of type t.
func (t Type) Alignment() int {
	switch t {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBool, TypeInt32, TypeUint32, TypeString, TypeObjectPath, TypeUnixFD, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	}
	return 1
}

// typeOf returns the Type of the complete type that starts sig.
func typeOf(sig string) Type {
	if sig == "" {
		return TypeInvalid
	}
	switch sig[0] {
	case '(':
		return TypeStruct
	case '{':
		return TypeDictEntry
	}
	return Type(sig[0])
}

const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

var errEmptyType = errors.New("empty type")

// SplitType splits off the first complete type from the front of
// sig, and returns it along with the remainder of the signature.
func SplitType(sig string) (first, rest string, err error) {
	n, err := typeLen(sig, 0, 0, false)
	if err != nil {
		return "", "", fmt.Errorf("invalid type signature %q: %w", sig, err)
	}
	return sig[:n], sig[n:], nil
}

// ValidSignature reports whether sig is a valid signature made of
// zero or more complete types.
func ValidSignature(sig string) error {
	if len(sig) > maxSignatureLen {
		return fmt.Errorf("signature %q is longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		n, err := typeLen(rest, 0, 0, false)
		if err != nil {
			return fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
		rest = rest[n:]
	}
	return nil
}

// ValidSingleType reports whether sig is exactly one complete type.
func ValidSingleType(sig string) error {
	first, rest, err := SplitType(sig)
	if err != nil {
		return err
	}
	if rest != "" {
		return fmt.Errorf("signature %q is not a single complete type (starts with %q)", sig, first)
	}
	return nil
}

// typeLen returns the length of the complete type at the front of
// sig.
func typeLen(sig string, arrays, structs int, inArray bool) (int, error) {
	if sig == "" {
		return 0, errEmptyType
	}
	t := Type(sig[0])
	if t.IsBasic() || t == TypeVariant {
		return 1, nil
	}
	switch sig[0] {
	case 'a':
		if arrays+1 > maxArrayDepth {
			return 0, errors.New("too many nested arrays")
		}
		n, err := typeLen(sig[1:], arrays+1, structs, true)
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case '(':
		if structs+1 > maxStructDepth {
			return 0, errors.New("too many nested structs")
		}
		i := 1
		for i < len(sig) && sig[i] != ')' {
			n, err := typeLen(sig[i:], arrays, structs+1, false)
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(sig) {
			return 0, errors.New("missing closing ) in struct definition")
		}
		if i == 1 {
			return 0, errors.New("empty struct")
		}
		return i + 1, nil
	case '{':
		if !inArray {
			return 0, errors.New("dict entry type found outside array")
		}
		if structs+1 > maxStructDepth {
			return 0, errors.New("too many nested structs")
		}
		if len(sig) < 2 || !Type(sig[1]).IsBasic() {
			return 0, errors.New("dict entry key must be a basic type")
		}
		n, err := typeLen(sig[2:], arrays, structs+1, false)
		if err != nil {
			return 0, err
		}
		end := 2 + n
		if end >= len(sig) || sig[end] != '}' {
			return 0, errors.New("missing closing } in dict entry definition")
		}
		return end + 1, nil
	case ')', '}':
		return 0, fmt.Errorf("unexpected %q", sig[0])
	}
	return 0, fmt.Errorf("unknown type specifier %q", sig[0])
}
