package dbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danderson/dbusloop/engine"
)

// ProxyMode controls how a [Proxy] relates to the lifetime of its
// connection.
type ProxyMode int

const (
	// Borrowed proxies live no longer than the connection. Closing
	// the connection closes them.
	Borrowed ProxyMode = iota
	// Standalone proxies hold a reference to the connection, which
	// stays open until every standalone proxy is closed.
	Standalone
)

func (m ProxyMode) String() string {
	switch m {
	case Borrowed:
		return "borrowed"
	case Standalone:
		return "standalone"
	}
	return fmt.Sprintf("ProxyMode(%d)", int(m))
}

// Signal is a signal received from the bus.
type Signal struct {
	// Sender is the unique name of the signal's sender.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface and Member name the signal.
	Interface string
	Member    string
	// Args is the signal's payload.
	Args []Value
	// Overflow reports that a [Watcher] discarded some signals that
	// followed this one, due to the receiver not keeping up.
	Overflow bool
}

// A SignalHandler is called with each signal a [Proxy] receives. It
// runs on the connection's event loop.
type SignalHandler func(*Signal)

// Proxy is a handle to an object offered by another bus peer.
type Proxy struct {
	c       *Conn
	service string
	path    ObjectPath
	iface   string
	mode    ProxyMode

	closeOnce sync.Once

	// Only accessed on the event loop.
	handlers map[string]SignalHandler
	closed   bool
}

// Proxy returns a proxy for the object at path offered by service,
// which may be a unique or well-known bus name. iface is the
// interface to use for method calls and signals, and may be empty to
// leave it unspecified.
//
// Proxy resolves service before returning, so that signals from its
// owner can be routed to the proxy. A service that currently has no
// owner is not an error: its owner is picked up when it appears.
func (c *Conn) Proxy(ctx context.Context, service string, path ObjectPath, iface string, mode ProxyMode) (*Proxy, error) {
	return wait(ctx, func(done func(*Proxy, error)) {
		c.GoProxy(service, path, iface, mode, done)
	})
}

// GoProxy is like [Conn.Proxy], but calls done with the result
// instead of blocking. done runs on the connection's event loop, or
// on the calling goroutine if the proxy could not be created.
func (c *Conn) GoProxy(service string, path ObjectPath, iface string, mode ProxyMode, done func(*Proxy, error)) {
	if err := validateTarget(service, path, iface); err != nil {
		done(nil, err)
		return
	}
	p := &Proxy{
		c:        c,
		service:  service,
		path:     path,
		iface:    iface,
		mode:     mode,
		handlers: map[string]SignalHandler{},
	}
	if mode == Standalone && !c.acquire() {
		done(nil, ErrClosed)
		return
	}
	fail := func(err error) {
		if mode == Standalone {
			c.release()
		}
		done(nil, err)
	}
	ok := c.run(func() {
		if c.closing {
			fail(ErrClosed)
			return
		}
		c.names.resolve(service, func(_ string, err error) {
			if err != nil && !errors.Is(err, ErrNameHasNoOwner) {
				fail(err)
				return
			}
			if c.closing {
				fail(ErrClosed)
				return
			}
			c.proxies.Add(p)
			done(p, nil)
		})
	})
	if !ok {
		fail(ErrClosed)
	}
}

// Conn returns the connection the proxy uses.
func (p *Proxy) Conn() *Conn { return p.c }

// Service returns the bus name of the peer the proxy talks to.
func (p *Proxy) Service() string { return p.service }

// Path returns the path of the proxied object.
func (p *Proxy) Path() ObjectPath { return p.path }

// Interface returns the proxy's interface, or "" if it has none.
func (p *Proxy) Interface() string { return p.iface }

// Mode returns the proxy's lifetime mode.
func (p *Proxy) Mode() ProxyMode { return p.mode }

func (p *Proxy) String() string {
	return fmt.Sprintf("%s:%s:%s", p.service, p.path, p.iface)
}

// Go calls method with args, and calls done with the result. done
// runs on the connection's event loop, or on the calling goroutine
// if the call could not be sent.
func (p *Proxy) Go(method string, args []Value, done func(Result)) {
	p.c.Go(p.service, p.path, p.iface, method, args, done)
}

// Call calls method with args and waits for the result.
func (p *Proxy) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	return p.c.Call(ctx, p.service, p.path, p.iface, method, args...)
}

// OneWay calls method with args, and tells the peer not to send a
// reply.
//
// OneWay returns once the call is queued for sending. Since the
// response is suppressed, there is no way to know whether the call
// was delivered to anyone, or acted upon.
func (p *Proxy) OneWay(method string, args ...Value) error {
	if err := validateCall(p.service, p.path, p.iface, method); err != nil {
		return err
	}
	m := engine.NewMethodCall(p.service, string(p.path), p.iface, method)
	m.Flags |= engine.FlagNoReplyExpected
	if err := AppendArgs(m, args...); err != nil {
		return err
	}
	return p.c.send(m)
}

func (p *Proxy) signalRule(member string) string {
	m := MatchSignals().Sender(p.service)
	if p.iface != "" {
		m.Interface(p.iface)
	}
	return m.Member(member).Path(p.path).String()
}

// HandleSignal calls h for every signal named member that the proxied
// object emits, replacing any previous handler for member. It
// returns once the bus has agreed to deliver the signal.
func (p *Proxy) HandleSignal(ctx context.Context, member string, h SignalHandler) error {
	_, err := wait(ctx, func(done func(struct{}, error)) {
		p.GoHandleSignal(member, h, func(err error) { done(struct{}{}, err) })
	})
	return err
}

// GoHandleSignal is like [Proxy.HandleSignal], but calls done
// instead of blocking.
func (p *Proxy) GoHandleSignal(member string, h SignalHandler, done func(error)) {
	if err := engine.ValidMember(member); err != nil {
		done(err)
		return
	}
	if h == nil {
		done(fmt.Errorf("nil handler for signal %s", member))
		return
	}
	c := p.c
	if !c.run(func() {
		if p.closed || c.closing {
			done(ErrClosed)
			return
		}
		if _, ok := p.handlers[member]; ok {
			p.handlers[member] = h
			done(nil)
			return
		}
		p.handlers[member] = h
		rule := p.signalRule(member)
		c.addMatch(rule, func(err error) {
			if err != nil && p.handlers[member] != nil {
				delete(p.handlers, member)
			}
			done(err)
		})
	}) {
		done(ErrClosed)
	}
}

// RemoveSignalHandler stops delivery of the signal named member.
func (p *Proxy) RemoveSignalHandler(member string) {
	p.c.run(func() {
		if _, ok := p.handlers[member]; !ok {
			return
		}
		delete(p.handlers, member)
		p.c.removeMatch(p.signalRule(member))
	})
}

// Close removes the proxy's signal handlers, and releases its
// reference to the connection if it is [Standalone].
func (p *Proxy) Close() {
	if p == p.c.bus {
		return
	}
	p.closeOnce.Do(func() {
		c := p.c
		c.run(func() {
			for member := range p.handlers {
				c.removeMatch(p.signalRule(member))
			}
			clear(p.handlers)
			p.closed = true
			delete(c.proxies, p)
		})
		if p.mode == Standalone {
			c.release()
		}
	})
}

// route delivers m to the proxy's handler for it, if any. Must be
// called on the event loop.
func (p *Proxy) route(m *engine.Message, decode func() (*Signal, error)) error {
	h := p.handlers[m.Member]
	if h == nil {
		return nil
	}
	if ObjectPath(m.Path) != p.path {
		return nil
	}
	if p.iface != "" && m.Interface != p.iface {
		return nil
	}
	owner, ok := p.c.names.lookup(p.service)
	if !ok || owner != m.Sender {
		return nil
	}
	sig, err := decode()
	if err != nil {
		return err
	}
	h(sig)
	return nil
}
