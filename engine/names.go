package engine

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLen = 255

// ValidObjectPath checks that p is a well-formed object path.
func ValidObjectPath(p string) error {
	if p == "" {
		return errors.New("empty object path")
	}
	if p[0] != '/' {
		return fmt.Errorf("object path %q must start with /", p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("object path %q must not end with /", p)
	}
	for _, elem := range strings.Split(p[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has empty element", p)
		}
		for _, r := range elem {
			if !isNameChar(r) {
				return fmt.Errorf("object path %q has invalid character %q", p, r)
			}
		}
	}
	return nil
}

// ValidInterface checks that name is a well-formed interface name.
// Error names follow the same rules.
func ValidInterface(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid interface name length %d", len(name))
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("interface name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if err := validElement(elem, false, false); err != nil {
			return fmt.Errorf("interface name %q: %w", name, err)
		}
	}
	return nil
}

// ValidMember checks that name is a well-formed method or signal
// name.
func ValidMember(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid member name length %d", len(name))
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("member name %q must not contain '.'", name)
	}
	return validElement(name, false, false)
}

// ValidBusName checks that name is a well-formed unique or
// well-known bus name.
func ValidBusName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid bus name length %d", len(name))
	}
	unique := IsUniqueName(name)
	s := name
	if unique {
		s = name[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return fmt.Errorf("bus name %q must have at least two elements", name)
	}
	for _, elem := range elems {
		if err := validElement(elem, true, unique); err != nil {
			return fmt.Errorf("bus name %q: %w", name, err)
		}
	}
	return nil
}

// IsUniqueName reports whether name is a unique connection name,
// such as ":1.42".
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

func validElement(elem string, dash, leadingDigit bool) error {
	if elem == "" {
		return errors.New("empty name element")
	}
	for i, r := range elem {
		if !isNameChar(r) && !(dash && r == '-') {
			return fmt.Errorf("invalid character %q", r)
		}
		if i == 0 && !leadingDigit && r >= '0' && r <= '9' {
			return fmt.Errorf("element %q starts with a digit", elem)
		}
	}
	return nil
}

func isNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
