package dbus

import (
	"errors"
	"fmt"
	"net"
	"reflect"

	"github.com/danderson/dbusloop/engine"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "<nil>"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Is reports whether target is a CallError with the same name, so
// that errors.Is(err, CallError{Name: ...}) matches regardless of
// detail.
func (e CallError) Is(target error) bool {
	t, ok := target.(CallError)
	return ok && t.Name == e.Name
}

// ProtocolError is the error reported when the bus or a peer
// violates the DBus wire protocol. Protocol errors are fatal to the
// connection.
type ProtocolError = engine.ProtocolError

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = net.ErrClosed
	// ErrNoReply is the result of a method call that received no
	// reply before its timeout.
	ErrNoReply = errors.New("no reply to method call")
	// ErrNameHasNoOwner is the result of resolving a bus name that
	// currently has no owner.
	ErrNameHasNoOwner = errors.New("bus name has no owner")
	// ErrNotExported is returned when emitting a signal from an
	// object that is not exported.
	ErrNotExported = errors.New("object is not exported")
	// ErrAlreadyReplied is returned when replying twice to the same
	// method call.
	ErrAlreadyReplied = errors.New("method call already replied to")
)
