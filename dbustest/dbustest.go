// Package dbustest provides an isolated, in-process message bus for
// tests.
//
// The bus speaks the DBus wire protocol over a unix socket, and
// implements the parts of the org.freedesktop.DBus interface that
// clients rely on: unique and well-known name ownership with
// queueing, match rules, and routing of calls, replies and signals.
package dbustest

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"

	dbus "github.com/danderson/dbusloop"
	"github.com/danderson/dbusloop/engine"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = "/org/freedesktop/DBus"
	busInterface = "org.freedesktop.DBus"
)

// Bus is an isolated DBus instance for tests.
type Bus struct {
	t          testing.TB
	logMonitor bool
	sock       string
	guid       string
	ln         *net.UnixListener
	tasks      *taskgroup.Group

	hookMu sync.Mutex
	hook   func(*engine.Message)

	mu      sync.Mutex
	serial  uint32
	nextID  int
	peers   map[string]*peer
	owners  map[string][]*claim
	stopped bool
}

type peer struct {
	name    string
	nc      net.Conn
	matches []*rule
}

type rule struct {
	str   string
	match *dbus.Match
}

type claim struct {
	p     *peer
	flags dbus.NameFlags
}

// New starts a bus dedicated to the calling test. The bus is shut
// down when the test completes.
//
// If logMonitor is true, the bus logs every message it routes using
// t.Logf.
func New(t testing.TB, logMonitor bool) *Bus {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sock, Net: "unix"})
	if err != nil {
		t.Fatalf("listening on bus socket: %v", err)
	}
	var guid [16]byte
	if _, err := rand.Read(guid[:]); err != nil {
		t.Fatalf("generating bus ID: %v", err)
	}
	ret := &Bus{
		t:          t,
		logMonitor: logMonitor,
		sock:       sock,
		guid:       hex.EncodeToString(guid[:]),
		ln:         ln,
		tasks:      taskgroup.New(nil),
		peers:      map[string]*peer{},
		owners:     map[string][]*claim{},
	}
	ret.tasks.Go(ret.accept)
	t.Cleanup(ret.close)
	return ret
}

func (b *Bus) close() {
	b.mu.Lock()
	b.stopped = true
	conns := make([]net.Conn, 0, len(b.peers))
	for _, p := range b.peers {
		conns = append(conns, p.nc)
	}
	b.mu.Unlock()

	b.ln.Close()
	for _, nc := range conns {
		nc.Close()
	}
	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.t.Errorf("timed out waiting for bus to stop")
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus's DBus server address.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus, closed when the test
// completes. It causes an immediate test failure with t.Fatal if it
// is unable to connect.
func (b *Bus) MustConn(t testing.TB, opts ...dbus.Option) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := dbus.Dial(ctx, b.Address(), opts...)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// SetCallHook sets fn to be called with every method call addressed
// to the bus, before the bus processes it. The calling peer's
// messages are not processed until fn returns, so fn may act on the
// bus from other connections to stage races.
func (b *Bus) SetCallHook(fn func(*engine.Message)) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.hook = fn
}

// Owner returns the unique name of the current owner of name.
func (b *Bus) Owner(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerLocked(name)
}

func (b *Bus) logf(msg string, args ...any) {
	if b.logMonitor {
		b.t.Logf(msg, args...)
	}
}

func (b *Bus) accept() error {
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return nil
		}
		b.tasks.Go(func() error {
			b.serve(nc)
			return nil
		})
	}
}

func (b *Bus) serve(nc net.Conn) {
	defer nc.Close()
	br := bufio.NewReader(nc)
	if err := b.auth(br, nc); err != nil {
		b.logf("auth failed: %v", err)
		return
	}

	p := &peer{nc: nc}
	defer b.disconnect(p)
	for {
		m, err := engine.ReadMessage(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logf("reading from %s: %v", p.name, err)
			}
			return
		}
		if p.name == "" && !(m.Destination == busName && m.Member == "Hello") {
			b.logf("client sent %v before Hello", m)
			return
		}
		b.handle(p, m)
	}
}

// auth runs the server side of the SASL handshake, accepting
// EXTERNAL and declining unix fd passing.
func (b *Bus) auth(br *bufio.Reader, w io.Writer) error {
	nul, err := br.ReadByte()
	if err != nil {
		return err
	}
	if nul != 0 {
		return fmt.Errorf("handshake started with %#x, not a nul byte", nul)
	}
	reply := func(s string) error {
		_, err := io.WriteString(w, s+"\r\n")
		return err
	}
	authed := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSuffix(line, "\r\n")
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "AUTH":
			mech, id, _ := strings.Cut(arg, " ")
			if mech != "EXTERNAL" {
				err = reply("REJECTED EXTERNAL")
				break
			}
			if _, herr := hex.DecodeString(id); herr != nil {
				err = reply("REJECTED EXTERNAL")
				break
			}
			authed = true
			err = reply("OK " + b.guid)
		case "NEGOTIATE_UNIX_FD":
			err = reply(`ERROR "unix fd passing not supported"`)
		case "BEGIN":
			if !authed {
				return errors.New("BEGIN before successful AUTH")
			}
			return nil
		case "CANCEL":
			err = reply("REJECTED EXTERNAL")
		default:
			err = reply(`ERROR "unknown command"`)
		}
		if err != nil {
			return err
		}
	}
}

func (b *Bus) handle(p *peer, m *engine.Message) {
	// p.name is only written by this goroutine, in Hello.
	m.Sender = p.name
	if m.Destination == busName && m.Type == engine.TypeMethodCall {
		b.hookMu.Lock()
		hook := b.hook
		b.hookMu.Unlock()
		if hook != nil {
			hook(m)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.logf("%v", m)

	switch {
	case m.Destination == busName:
		b.busCall(p, m)
	case m.Destination != "":
		b.unicast(p, m)
	default:
		b.broadcast(m)
	}
}

// unicast delivers m to its destination. Must hold b.mu.
func (b *Bus) unicast(from *peer, m *engine.Message) {
	dest, ok := b.ownerLocked(m.Destination)
	if !ok {
		if m.WantReply() {
			b.replyErr(from, m, engine.ErrorServiceUnknown, fmt.Sprintf("The name %s was not provided by any .service files", m.Destination))
		}
		return
	}
	b.write(b.peers[dest], m)
}

// broadcast delivers m to every peer with a matching rule. Must
// hold b.mu.
func (b *Bus) broadcast(m *engine.Message) {
	args, err := dbus.MessageArgs(m)
	if err != nil {
		args = nil
	}
	owner := func(name string) (string, bool) { return b.ownerLocked(name) }
	names := make([]string, 0, len(b.peers))
	for name := range b.peers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := b.peers[name]
		for _, r := range p.matches {
			if r.match.Matches(m, args, owner) {
				b.write(p, m)
				break
			}
		}
	}
}

func (b *Bus) write(p *peer, m *engine.Message) {
	if p == nil {
		return
	}
	bs, err := m.Marshal()
	if err != nil {
		b.t.Errorf("bus failed to marshal %v: %v", m, err)
		return
	}
	if _, err := p.nc.Write(bs); err != nil {
		b.logf("writing to %s: %v", p.name, err)
	}
}

func (b *Bus) nextSerial() uint32 {
	b.serial++
	return b.serial
}

// send sends a bus-originated message. Messages with a destination
// go only to that peer, others are broadcast. Must hold b.mu.
func (b *Bus) send(m *engine.Message) {
	m.Sender = busName
	m.Serial = b.nextSerial()
	if m.Destination != "" {
		b.write(b.peers[m.Destination], m)
		return
	}
	b.broadcast(m)
}

func (b *Bus) reply(p *peer, call *engine.Message, args ...dbus.Value) {
	if !call.WantReply() {
		return
	}
	ret := engine.NewMethodReturn(call)
	if err := dbus.AppendArgs(ret, args...); err != nil {
		b.t.Errorf("bus failed to encode reply to %v: %v", call, err)
		return
	}
	ret.Destination = p.name
	b.send(ret)
}

func (b *Bus) replyErr(p *peer, call *engine.Message, name, detail string) {
	if !call.WantReply() {
		return
	}
	ret := engine.NewError(call, name, detail)
	ret.Destination = p.name
	b.send(ret)
}

func (b *Bus) signal(dest, member string, args ...dbus.Value) {
	m := engine.NewSignal(busPath, busInterface, member)
	m.Destination = dest
	if err := dbus.AppendArgs(m, args...); err != nil {
		b.t.Errorf("bus failed to encode %s signal: %v", member, err)
		return
	}
	b.send(m)
}

func (b *Bus) ownerChanged(name, oldOwner, newOwner string) {
	b.signal("", "NameOwnerChanged", dbus.String(name), dbus.String(oldOwner), dbus.String(newOwner))
}

// ownerLocked returns the unique name that owns name. Must hold
// b.mu.
func (b *Bus) ownerLocked(name string) (string, bool) {
	if name == busName {
		return busName, true
	}
	if engine.IsUniqueName(name) {
		_, ok := b.peers[name]
		return name, ok
	}
	if q := b.owners[name]; len(q) > 0 {
		return q[0].p.name, true
	}
	return "", false
}

func (b *Bus) busCall(p *peer, m *engine.Message) {
	if m.Interface == "org.freedesktop.DBus.Peer" {
		switch m.Member {
		case "Ping":
			b.reply(p, m)
		default:
			b.replyErr(p, m, engine.ErrorUnknownMethod, fmt.Sprintf("No such method %q", m.Member))
		}
		return
	}
	if m.Interface != "" && m.Interface != busInterface {
		b.replyErr(p, m, engine.ErrorUnknownInterface, fmt.Sprintf("No such interface %q", m.Interface))
		return
	}

	args, err := dbus.MessageArgs(m)
	if err != nil {
		b.replyErr(p, m, engine.ErrorInvalidArgs, err.Error())
		return
	}
	str := func() (string, bool) {
		var s string
		if err := dbus.Scan(args, &s); err != nil {
			b.replyErr(p, m, engine.ErrorInvalidArgs, err.Error())
			return "", false
		}
		return s, true
	}

	switch m.Member {
	case "Hello":
		if p.name != "" {
			b.replyErr(p, m, engine.ErrorFailed, "Already handled an Hello message")
			return
		}
		b.nextID++
		p.name = fmt.Sprintf(":1.%d", b.nextID)
		b.peers[p.name] = p
		m.Sender = p.name
		b.reply(p, m, dbus.String(p.name))
		b.signal(p.name, "NameAcquired", dbus.String(p.name))
		b.ownerChanged(p.name, "", p.name)
	case "RequestName":
		var (
			name  string
			flags uint32
		)
		if err := dbus.Scan(args, &name, &flags); err != nil {
			b.replyErr(p, m, engine.ErrorInvalidArgs, err.Error())
			return
		}
		if err := engine.ValidBusName(name); err != nil || engine.IsUniqueName(name) || name == busName {
			b.replyErr(p, m, engine.ErrorInvalidArgs, fmt.Sprintf("Cannot acquire name %q", name))
			return
		}
		b.reply(p, m, dbus.Uint32(b.requestName(p, name, dbus.NameFlags(flags))))
	case "ReleaseName":
		name, ok := str()
		if !ok {
			return
		}
		b.reply(p, m, dbus.Uint32(b.releaseName(p, name)))
	case "GetNameOwner":
		name, ok := str()
		if !ok {
			return
		}
		owner, ok := b.ownerLocked(name)
		if !ok {
			b.replyErr(p, m, engine.ErrorNameHasNoOwner, fmt.Sprintf("Could not get owner of name '%s': no such name", name))
			return
		}
		b.reply(p, m, dbus.String(owner))
	case "NameHasOwner":
		name, ok := str()
		if !ok {
			return
		}
		_, owned := b.ownerLocked(name)
		b.reply(p, m, dbus.Bool(owned))
	case "ListNames":
		names := []string{busName}
		for name := range b.peers {
			names = append(names, name)
		}
		for name, q := range b.owners {
			if len(q) > 0 {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		items := make([]dbus.Value, 0, len(names))
		for _, n := range names {
			items = append(items, dbus.String(n))
		}
		b.reply(p, m, dbus.Array{Elem: dbus.MustParseSignature("s"), Items: items})
	case "AddMatch":
		s, ok := str()
		if !ok {
			return
		}
		match, err := dbus.ParseMatch(s)
		if err != nil {
			b.replyErr(p, m, engine.ErrorMatchRuleInvalid, err.Error())
			return
		}
		p.matches = append(p.matches, &rule{s, match})
		b.reply(p, m)
	case "RemoveMatch":
		s, ok := str()
		if !ok {
			return
		}
		i := slices.IndexFunc(p.matches, func(r *rule) bool { return r.str == s })
		if i < 0 {
			b.replyErr(p, m, engine.ErrorMatchRuleNotFound, "The given match rule wasn't found and can't be removed")
			return
		}
		p.matches = slices.Delete(p.matches, i, i+1)
		b.reply(p, m)
	case "GetId":
		b.reply(p, m, dbus.String(b.guid))
	default:
		b.replyErr(p, m, engine.ErrorUnknownMethod, fmt.Sprintf("No such method %q in interface %q", m.Member, busInterface))
	}
}

// requestName implements RequestName's queueing rules. Must hold
// b.mu.
func (b *Bus) requestName(p *peer, name string, flags dbus.NameFlags) dbus.NameReply {
	q := b.owners[name]
	if len(q) == 0 {
		b.owners[name] = []*claim{{p, flags}}
		b.ownerChanged(name, "", p.name)
		b.signal(p.name, "NameAcquired", dbus.String(name))
		return dbus.NamePrimaryOwner
	}
	if q[0].p == p {
		q[0].flags = flags
		return dbus.NameAlreadyOwner
	}

	old := q[0]
	if flags&dbus.NameReplaceExisting != 0 && old.flags&dbus.NameAllowReplacement != 0 {
		q = slices.DeleteFunc(q, func(c *claim) bool { return c.p == p })
		rest := q[1:]
		if old.flags&dbus.NameDoNotQueue == 0 {
			rest = append([]*claim{old}, rest...)
		}
		b.owners[name] = append([]*claim{{p, flags}}, rest...)
		b.ownerChanged(name, old.p.name, p.name)
		b.signal(old.p.name, "NameLost", dbus.String(name))
		b.signal(p.name, "NameAcquired", dbus.String(name))
		return dbus.NamePrimaryOwner
	}

	if flags&dbus.NameDoNotQueue != 0 {
		return dbus.NameExists
	}
	if i := slices.IndexFunc(q, func(c *claim) bool { return c.p == p }); i >= 0 {
		q[i].flags = flags
	} else {
		b.owners[name] = append(q, &claim{p, flags})
	}
	return dbus.NameInQueue
}

// releaseName implements ReleaseName. Must hold b.mu.
func (b *Bus) releaseName(p *peer, name string) uint32 {
	q := b.owners[name]
	if len(q) == 0 {
		return 2 // nonexistent
	}
	i := slices.IndexFunc(q, func(c *claim) bool { return c.p == p })
	if i < 0 {
		return 3 // not owner
	}
	q = slices.Delete(q, i, i+1)
	if len(q) == 0 {
		delete(b.owners, name)
	} else {
		b.owners[name] = q
	}
	if i == 0 {
		next := ""
		if len(q) > 0 {
			next = q[0].p.name
		}
		b.ownerChanged(name, p.name, next)
		b.signal(p.name, "NameLost", dbus.String(name))
		if next != "" {
			b.signal(next, "NameAcquired", dbus.String(name))
		}
	}
	return 1
}

func (b *Bus) disconnect(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.name == "" || b.peers[p.name] != p {
		return
	}
	var names []string
	for name, q := range b.owners {
		if slices.ContainsFunc(q, func(c *claim) bool { return c.p == p }) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		b.releaseName(p, name)
	}
	delete(b.peers, p.name)
	b.logf("%s disconnected", p.name)
	if !b.stopped {
		b.ownerChanged(p.name, p.name, "")
	}
}
