package dbus

import (
	"strings"

	"github.com/danderson/dbusloop/engine"
)

// ObjectPath is the path of an object exported on the bus.
type ObjectPath string

func (ObjectPath) valueSignature() string { return "o" }

// Valid reports whether p is a syntactically valid object path.
func (p ObjectPath) Valid() error {
	return engine.ValidObjectPath(string(p))
}

// IsChildOf reports whether p is a descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

func (p ObjectPath) String() string { return string(p) }
