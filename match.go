package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"

	"github.com/danderson/dbusloop/engine"
)

// Match is a message filter, in the match rule language that the
// bus's AddMatch and RemoveMatch methods accept.
type Match struct {
	typ           value.Maybe[string]
	sender        value.Maybe[string]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	path          value.Maybe[ObjectPath]
	pathNamespace value.Maybe[ObjectPath]
	destination   value.Maybe[string]
	argStr        map[int]string
	argPath       map[int]string
	arg0NS        value.Maybe[string]
}

// maxMatchArgs is the number of message arguments that match rules
// can examine.
const maxMatchArgs = 64

// MatchSignals returns a Match for all signals.
func MatchSignals() *Match {
	return &Match{typ: value.Just("signal")}
}

// MatchAll returns a Match for all messages.
func MatchAll() *Match {
	return &Match{}
}

// Type restricts the match to one message type: "signal",
// "method_call", "method_return" or "error".
func (m *Match) Type(t string) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the match to messages from the given bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the match to one interface.
func (m *Match) Interface(iface string) *Match {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the match to one method or signal name.
func (m *Match) Member(member string) *Match {
	m.member = value.Just(member)
	return m
}

// Path restricts the match to a single object path.
func (m *Match) Path(p ObjectPath) *Match {
	m.pathNamespace = value.Absent[ObjectPath]()
	m.path = value.Just(p)
	return m
}

// PathNamespace restricts the match to objects rooted at the given
// path.
//
// For example, PathNamespace("/mascots/gopher") matches messages for
// /mascots/gopher, /mascots/gopher/plushie and
// /mascots/gopher/art/renee-french, but not /mascots/glenda.
func (m *Match) PathNamespace(p ObjectPath) *Match {
	m.path = value.Absent[ObjectPath]()
	if p == "/" {
		// "/" matches everything, and some buses reject it.
		m.pathNamespace = value.Absent[ObjectPath]()
	} else {
		m.pathNamespace = value.Just(p)
	}
	return m
}

// Destination restricts the match to messages addressed to the given
// unique name.
func (m *Match) Destination(name string) *Match {
	m.destination = value.Just(name)
	return m
}

// Arg restricts the match to messages whose i-th argument is a
// string equal to val.
func (m *Match) Arg(i int, val string) *Match {
	if i < 0 || i >= maxMatchArgs {
		panic(fmt.Errorf("match argument index %d out of range", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPath restricts the match to messages whose i-th argument is a
// string or object path that is equal to val, or is a path prefix of
// val or has val as a prefix, where prefixes end in "/".
func (m *Match) ArgPath(i int, val string) *Match {
	if i < 0 || i >= maxMatchArgs {
		panic(fmt.Errorf("match argument index %d out of range", i))
	}
	if m.argPath == nil {
		m.argPath = map[int]string{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to messages whose first argument
// is a bus or interface name in the given dot-separated namespace.
func (m *Match) Arg0Namespace(ns string) *Match {
	m.arg0NS = value.Just(ns)
	return m
}

// String returns the match in the string format that the bus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.typ.GetOK(); ok {
		kv("type", t)
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", mb)
	}
	if o, ok := m.path.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.pathNamespace.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if d, ok := m.destination.GetOK(); ok {
		kv("destination", d)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i])
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// ParseMatch parses a match rule string.
func ParseMatch(rule string) (*Match, error) {
	ret := &Match{}
	rest := strings.TrimSpace(rule)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid match rule %q: missing '=' after %q", rule, rest)
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]

		var val strings.Builder
		quoted, hitEnd := false, true
		i := 0
	scan:
		for i = 0; i < len(rest); i++ {
			ch := rest[i]
			switch {
			case quoted && ch == '\'':
				quoted = false
			case quoted:
				val.WriteByte(ch)
			case ch == '\'':
				quoted = true
			case ch == '\\' && i+1 < len(rest) && rest[i+1] == '\'':
				val.WriteByte('\'')
				i++
			case ch == ',':
				hitEnd = false
				break scan
			default:
				val.WriteByte(ch)
			}
		}
		if quoted {
			return nil, fmt.Errorf("invalid match rule %q: unterminated quote", rule)
		}
		if hitEnd {
			rest = ""
		} else {
			rest = strings.TrimSpace(rest[i+1:])
		}
		if err := ret.set(key, val.String()); err != nil {
			return nil, fmt.Errorf("invalid match rule %q: %w", rule, err)
		}
	}
	return ret, nil
}

func (m *Match) set(key, val string) error {
	switch key {
	case "type":
		switch val {
		case "signal", "method_call", "method_return", "error":
		default:
			return fmt.Errorf("unknown message type %q", val)
		}
		m.typ = value.Just(val)
	case "sender":
		if err := engine.ValidBusName(val); err != nil {
			return err
		}
		m.Sender(val)
	case "interface":
		if err := engine.ValidInterface(val); err != nil {
			return err
		}
		m.Interface(val)
	case "member":
		if err := engine.ValidMember(val); err != nil {
			return err
		}
		m.Member(val)
	case "path":
		if err := engine.ValidObjectPath(val); err != nil {
			return err
		}
		m.Path(ObjectPath(val))
	case "path_namespace":
		if err := engine.ValidObjectPath(val); err != nil {
			return err
		}
		m.PathNamespace(ObjectPath(val))
	case "destination":
		m.Destination(val)
	case "arg0namespace":
		m.Arg0Namespace(val)
	default:
		n, isPath := strings.CutSuffix(key, "path")
		idx, ok := strings.CutPrefix(n, "arg")
		if !ok {
			return fmt.Errorf("unknown key %q", key)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= maxMatchArgs {
			return fmt.Errorf("unknown key %q", key)
		}
		if isPath {
			m.ArgPath(i, val)
		} else {
			m.Arg(i, val)
		}
	}
	return nil
}

// SenderName returns the sender restriction of the match, if any.
func (m *Match) SenderName() (string, bool) {
	return m.sender.GetOK()
}

// Matches reports whether msg, whose decoded body is args, matches
// m. owner maps the match's sender name to the unique name that
// currently owns it. If owner is nil, the sender must match
// exactly.
func (m *Match) Matches(msg *engine.Message, args []Value, owner func(string) (string, bool)) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type.String() != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		if owner == nil {
			return false
		}
		if o, ok := owner(s); !ok || o != msg.Sender {
			return false
		}
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && msg.Member != mb {
		return false
	}
	if o, ok := m.path.GetOK(); ok && ObjectPath(msg.Path) != o {
		return false
	}
	if p, ok := m.pathNamespace.GetOK(); ok {
		if got := ObjectPath(msg.Path); got != p && !got.IsChildOf(p) {
			return false
		}
	}
	if d, ok := m.destination.GetOK(); ok && msg.Destination != d {
		return false
	}

	for i, want := range m.argStr {
		if i >= len(args) {
			return false
		}
		if got, ok := args[i].(String); !ok || string(got) != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(args) {
			return false
		}
		var got string
		switch v := args[i].(type) {
		case String:
			got = string(v)
		case ObjectPath:
			got = string(v)
		default:
			return false
		}
		if !argPathMatches(got, want) {
			return false
		}
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		if len(args) == 0 {
			return false
		}
		got, ok := args[0].(String)
		if !ok || (string(got) != ns && !strings.HasPrefix(string(got), ns+".")) {
			return false
		}
	}
	return true
}

func argPathMatches(got, want string) bool {
	switch {
	case got == want:
		return true
	case strings.HasSuffix(want, "/") && strings.HasPrefix(got, want):
		return true
	case strings.HasSuffix(got, "/") && strings.HasPrefix(want, got):
		return true
	}
	return false
}

// needsArgs reports whether evaluating m requires the message body.
func (m *Match) needsArgs() bool {
	return len(m.argStr) > 0 || len(m.argPath) > 0 || m.arg0NS.Present()
}
