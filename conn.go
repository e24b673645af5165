package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/rs/zerolog"

	"github.com/danderson/dbusloop/engine"
	"github.com/danderson/dbusloop/internal/reactor"
	"github.com/danderson/dbusloop/telemetry"
	"github.com/danderson/dbusloop/transport"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = "/org/freedesktop/DBus"
	busInterface = "org.freedesktop.DBus"
)

// BusType selects one of the standard message buses.
type BusType int

const (
	BusSession BusType = iota
	BusSystem
)

func (b BusType) String() string {
	switch b {
	case BusSession:
		return "session"
	case BusSystem:
		return "system"
	}
	return fmt.Sprintf("BusType(%d)", int(b))
}

// Open connects to the given standard bus.
func Open(ctx context.Context, bus BusType, opts ...Option) (*Conn, error) {
	switch bus {
	case BusSession:
		return SessionBus(ctx, opts...)
	case BusSystem:
		return SystemBus(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown bus type %v", bus)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	return Dial(ctx, transport.SystemBusAddress(), opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the bus at address, a DBus server address such
// as "unix:path=/run/dbus/system_bus_socket", and registers with it.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	addrs, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	sock, err := transport.Dial(ctx, addrs)
	if err != nil {
		return nil, err
	}
	c, err := newConn(sock, opts)
	if err != nil {
		sock.Close()
		return nil, err
	}

	vals, err := c.bus.Call(ctx, "Hello")
	if err == nil {
		err = Scan(vals, &c.uniqueName)
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("registering with bus: %w", err)
	}
	c.log.Info().Str("address", address).Str("name", c.uniqueName).Msg("connected to bus")
	return c, nil
}

// Conn is a DBus connection.
//
// All of a Conn's protocol work happens on a single event loop
// goroutine. Callbacks passed to the Go* methods, signal handlers
// and method handlers all run on that goroutine, and must not call
// blocking methods that take a context.Context.
type Conn struct {
	q       *reactor.Queue
	r       *reactor.Reactor
	e       *engine.Engine
	log     zerolog.Logger
	metrics telemetry.Collector

	uniqueName string
	bus        *Proxy

	refs     atomic.Int32
	released atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	err     error
	objects map[ObjectPath]*Object

	// Fields below are only accessed on the event loop.
	closing      bool
	calls        *callTable
	names        *nameResolver
	matches      map[string]*matchSub
	proxies      mapset.Set[*Proxy]
	watchers     mapset.Set[*Watcher]
	removeFilter func()
}

func newConn(t engine.Transport, opts []Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	q := reactor.NewQueue()
	r, err := reactor.New(q)
	if err != nil {
		q.Close()
		return nil, err
	}
	c := &Conn{
		q:        q,
		r:        r,
		e:        engine.New(t),
		log:      o.log,
		metrics:  o.metrics,
		done:     make(chan struct{}),
		objects:  map[ObjectPath]*Object{},
		matches:  map[string]*matchSub{},
		proxies:  mapset.New[*Proxy](),
		watchers: mapset.New[*Watcher](),
	}
	c.e.DefaultTimeout = o.callTimeout
	c.refs.Store(1)
	c.calls = newCallTable(c)
	c.names = newNameResolver(c)
	c.bus = &Proxy{
		c:        c,
		service:  busName,
		path:     busPath,
		iface:    busInterface,
		mode:     Borrowed,
		handlers: map[string]SignalHandler{},
	}
	c.proxies.Add(c.bus)

	q.Sync(func() {
		c.removeFilter = c.e.AddFilter(c.filter)
		err = c.startLoop()
	})
	if err != nil {
		q.Sync(func() { c.teardown(err) })
		<-c.done
		return nil, err
	}
	return c, nil
}

// UniqueName returns the connection's unique name on the bus.
func (c *Conn) UniqueName() string { return c.uniqueName }

// Bus returns a proxy for the message bus itself.
func (c *Conn) Bus() *Proxy { return c.bus }

// Done returns a channel that is closed when the connection has shut
// down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that caused the connection to fail, or nil
// if it is open or was closed with [Conn.Close].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases the caller's reference to the connection.
//
// The connection shuts down once Close has been called and every
// [Standalone] proxy has been closed. If this Close releases the last
// reference, it waits for the shutdown to finish. Close must not be
// called from a callback running on the connection's event loop.
func (c *Conn) Close() error {
	if c.released.Swap(true) {
		return nil
	}
	if c.release() {
		<-c.done
	}
	return nil
}

// acquire takes a reference to c, unless c has already been released
// for good.
func (c *Conn) acquire() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference to c, and reports whether it was the
// last one.
func (c *Conn) release() bool {
	if c.refs.Add(-1) != 0 {
		return false
	}
	if !c.q.Async(func() { c.teardown(nil) }) {
		// Already torn down by a failure.
		return false
	}
	return true
}

// run schedules fn on the event loop. It reports false if the
// connection has shut down.
func (c *Conn) run(fn func()) bool {
	return c.q.Async(fn)
}

// fail shuts down the connection because of err. Must be called on
// the event loop.
func (c *Conn) fail(err error) {
	if c.closing {
		return
	}
	c.log.Warn().Err(err).Msg("connection failed")
	c.teardown(err)
}

// teardown shuts the connection down. Must be called on the event
// loop.
func (c *Conn) teardown(err error) {
	if c.closing {
		return
	}
	c.closing = true

	c.mu.Lock()
	c.err = err
	objs := c.objects
	c.objects = nil
	c.mu.Unlock()
	for path, obj := range objs {
		obj.detach(c)
		c.e.UnregisterObjectPath(string(path))
	}

	if !c.e.Closed() {
		for rule, sub := range c.matches {
			if sub.ready && sub.err == nil {
				c.sendBus("RemoveMatch", String(rule))
			}
		}
	}
	clear(c.matches)
	for p := range c.proxies {
		clear(p.handlers)
		p.closed = true
	}
	clear(c.proxies)
	for w := range c.watchers {
		w.shutdown()
	}
	clear(c.watchers)

	if c.removeFilter != nil {
		c.removeFilter()
	}
	c.calls.failAll(ErrClosed)
	c.e.Close()
	c.r.Close()
	c.q.Close()
	go func() {
		<-c.q.Done()
		close(c.done)
	}()
	if err != nil {
		c.log.Info().Err(err).Msg("connection closed")
	} else {
		c.log.Info().Msg("connection closed")
	}
}

// filter sees every incoming message that is not a method reply.
func (c *Conn) filter(m *engine.Message) engine.HandlerResult {
	c.metrics.MessageReceived(m.Type.String())
	c.log.Debug().Stringer("msg", m).Msg("dispatch")

	if m.Type != engine.TypeSignal {
		return engine.NotYetHandled
	}
	if m.Path == engine.LocalPath && m.IsSignal(engine.LocalInterface, "Disconnected") {
		err := c.e.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		c.fail(err)
		return engine.Handled
	}
	if m.Sender == busName && m.IsSignal(busInterface, "NameOwnerChanged") {
		if err := c.names.update(m); err != nil {
			c.fail(err)
			return engine.Handled
		}
	}

	var sig *Signal
	decode := func() (*Signal, error) {
		if sig != nil {
			return sig, nil
		}
		args, err := MessageArgs(m)
		if err != nil {
			return nil, err
		}
		sig = &Signal{
			Sender:    m.Sender,
			Path:      ObjectPath(m.Path),
			Interface: m.Interface,
			Member:    m.Member,
			Args:      args,
		}
		return sig, nil
	}
	for p := range c.proxies {
		if err := p.route(m, decode); err != nil {
			c.fail(err)
			return engine.Handled
		}
	}
	for w := range c.watchers {
		if err := w.route(m, decode); err != nil {
			c.fail(err)
			return engine.Handled
		}
	}
	// Other filters may want the signal too.
	return engine.NotYetHandled
}

// send queues m for transmission.
func (c *Conn) send(m *engine.Message) error {
	if !c.run(func() { c.sendNow(m) }) {
		return ErrClosed
	}
	return nil
}

// sendNow transmits m. Must be called on the event loop.
func (c *Conn) sendNow(m *engine.Message) error {
	if _, err := c.e.Send(m); err != nil {
		c.log.Debug().Err(err).Stringer("msg", m).Msg("send failed")
		return closedErr(err)
	}
	c.metrics.MessageSent(m.Type.String())
	return nil
}

// sendBus sends a method call to the bus, logging any error in
// reply. Must be called on the event loop.
func (c *Conn) sendBus(method string, args ...Value) {
	m := engine.NewMethodCall(busName, busPath, busInterface, method)
	if err := AppendArgs(m, args...); err != nil {
		c.log.Error().Err(err).Str("method", method).Msg("encoding bus call")
		return
	}
	c.calls.send(m, func(r Result) {
		if r.Err != nil && !errors.Is(r.Err, ErrClosed) {
			c.log.Warn().Err(r.Err).Str("method", method).Msg("bus call failed")
		}
	})
}

func closedErr(err error) error {
	if errors.Is(err, engine.ErrClosed) {
		return ErrClosed
	}
	return err
}

// wait runs start, and blocks until the callback it was given is
// called or ctx is done.
func wait[T any](ctx context.Context, start func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start(func(v T, err error) {
		ch <- result{v, err}
	})
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
