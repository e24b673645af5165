package engine

import (
	"errors"
	"fmt"
)

// Well-known error names used by buses and peers.
const (
	ErrorFailed            = "org.freedesktop.DBus.Error.Failed"
	ErrorNoReply           = "org.freedesktop.DBus.Error.NoReply"
	ErrorDisconnected      = "org.freedesktop.DBus.Error.Disconnected"
	ErrorUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject     = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNameHasNoOwner    = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrorServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorMatchRuleInvalid  = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrorMatchRuleNotFound = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	ErrorAccessDenied      = "org.freedesktop.DBus.Error.AccessDenied"
)

// ProtocolError is the error returned when a peer sends data that
// violates the DBus wire protocol. Protocol errors are fatal to the
// connection that produced them.
type ProtocolError struct {
	// Op is what was being done when the violation was detected.
	Op string
	// Reason is the underlying problem.
	Reason error
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("dbus protocol error: %s: %s", e.Op, e.Reason)
}

func (e ProtocolError) Unwrap() error {
	return e.Reason
}

func protoErr(op string, reason string, args ...any) error {
	return ProtocolError{op, fmt.Errorf(reason, args...)}
}

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("dbus engine closed")
