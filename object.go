package dbus

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/danderson/dbusloop/engine"
)

// A MethodHandler handles one incoming method call. It runs on the
// connection's event loop, and must eventually reply with
// [MethodCall.Return] or [MethodCall.Fail], either before returning
// or later from any goroutine.
type MethodHandler func(*MethodCall)

// Methods maps method names to their handlers.
type Methods map[string]MethodHandler

// Object is a set of interfaces that can be exported on the bus with
// [Conn.Export].
type Object struct {
	// Interfaces maps interface names to their methods.
	Interfaces map[string]Methods

	mu   sync.Mutex
	conn *Conn
	path ObjectPath
}

// lookup returns the handler for member on iface. If iface is empty,
// interfaces are searched in lexicographic order.
func (o *Object) lookup(iface, member string) MethodHandler {
	if iface != "" {
		return o.Interfaces[iface][member]
	}
	names := make([]string, 0, len(o.Interfaces))
	for name := range o.Interfaces {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if h := o.Interfaces[name][member]; h != nil {
			return h
		}
	}
	return nil
}

func (o *Object) attach(c *Conn, path ObjectPath) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn, o.path = c, path
}

// detach forgets the export of o on c, if it is still current.
func (o *Object) detach(c *Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == c {
		o.conn, o.path = nil, ""
	}
}

func (o *Object) exported() (*Conn, ObjectPath) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn, o.path
}

// Emit broadcasts a signal from the object. It returns
// [ErrNotExported] if the object is not currently exported.
func (o *Object) Emit(iface, member string, args ...Value) error {
	c, path := o.exported()
	if c == nil {
		return ErrNotExported
	}
	return c.emit(path, iface, member, args)
}

// Export makes obj available at path, replacing any object
// previously exported there.
func (c *Conn) Export(path ObjectPath, obj *Object) error {
	if err := path.Valid(); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("cannot export nil object at %s", path)
	}

	c.mu.Lock()
	if c.err != nil || c.objects == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.objects[path]
	c.objects[path] = obj
	c.mu.Unlock()

	if prev != nil && prev != obj {
		prev.detach(c)
	}
	obj.attach(c, path)

	ok := c.run(func() {
		if c.closing {
			return
		}
		c.e.UnregisterObjectPath(string(path))
		if err := c.e.RegisterObjectPath(string(path), func(m *engine.Message) engine.HandlerResult {
			return c.dispatchCall(path, m)
		}); err != nil {
			c.log.Error().Err(err).Stringer("path", path).Msg("registering object path")
		}
	})
	if !ok {
		obj.detach(c)
		return ErrClosed
	}
	return nil
}

// Unexport removes the object exported at path, if any.
func (c *Conn) Unexport(path ObjectPath) {
	c.mu.Lock()
	obj := c.objects[path]
	delete(c.objects, path)
	c.mu.Unlock()
	if obj == nil {
		return
	}
	obj.detach(c)
	c.run(func() {
		c.mu.Lock()
		_, reexported := c.objects[path]
		c.mu.Unlock()
		if !reexported {
			c.e.UnregisterObjectPath(string(path))
		}
	})
}

// Emit broadcasts a signal from the object exported at path. It
// returns [ErrNotExported] if nothing is exported at path.
func (c *Conn) Emit(path ObjectPath, iface, member string, args ...Value) error {
	c.mu.Lock()
	_, ok := c.objects[path]
	c.mu.Unlock()
	if !ok {
		return ErrNotExported
	}
	return c.emit(path, iface, member, args)
}

func (c *Conn) emit(path ObjectPath, iface, member string, args []Value) error {
	if err := engine.ValidInterface(iface); err != nil {
		return err
	}
	if err := engine.ValidMember(member); err != nil {
		return err
	}
	m := engine.NewSignal(string(path), iface, member)
	if err := AppendArgs(m, args...); err != nil {
		return err
	}
	return c.send(m)
}

// dispatchCall runs the handler for the method call m to the object
// at path. Must be called on the event loop.
func (c *Conn) dispatchCall(path ObjectPath, m *engine.Message) engine.HandlerResult {
	c.mu.Lock()
	obj := c.objects[path]
	c.mu.Unlock()
	if obj == nil {
		// Unexported while the call was queued.
		return engine.NotYetHandled
	}

	h := obj.lookup(m.Interface, m.Member)
	if h == nil {
		if m.WantReply() {
			detail := fmt.Sprintf("No such method %q in interface %q at object path %s", m.Member, m.Interface, path)
			c.sendNow(engine.NewError(m, engine.ErrorUnknownMethod, detail))
		}
		return engine.Handled
	}

	args, err := MessageArgs(m)
	if err != nil {
		c.fail(err)
		return engine.Handled
	}
	call := &MethodCall{
		Sender:    m.Sender,
		Path:      path,
		Interface: m.Interface,
		Member:    m.Member,
		Args:      args,
		c:         c,
		msg:       m,
	}
	c.log.Debug().Stringer("path", path).Str("member", m.Member).Str("sender", m.Sender).Msg("method call")
	h(call)
	return engine.Handled
}

// MethodCall is an incoming method call to an exported [Object].
type MethodCall struct {
	// Sender is the unique name of the caller.
	Sender string
	// Path is the object being called.
	Path ObjectPath
	// Interface is the interface named by the caller, or "" if the
	// caller did not specify one.
	Interface string
	// Member is the method name.
	Member string
	// Args are the method arguments.
	Args []Value

	c       *Conn
	msg     *engine.Message
	replied atomic.Bool
}

// NoReplyExpected reports whether the caller asked for no reply. The
// handler must still call Return or Fail, but nothing is sent.
func (mc *MethodCall) NoReplyExpected() bool { return !mc.msg.WantReply() }

// Return replies to the call with values. It returns
// [ErrAlreadyReplied] if the call has already been replied to.
//
// If values cannot be encoded, Return returns the error and the call
// remains unreplied.
func (mc *MethodCall) Return(values ...Value) error {
	if !mc.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	reply := engine.NewMethodReturn(mc.msg)
	if err := AppendArgs(reply, values...); err != nil {
		mc.replied.Store(false)
		return err
	}
	return mc.reply(reply)
}

// Fail replies to the call with the error name and human-readable
// detail. It returns [ErrAlreadyReplied] if the call has already
// been replied to.
func (mc *MethodCall) Fail(name, detail string) error {
	if err := engine.ValidInterface(name); err != nil {
		return fmt.Errorf("invalid error name: %w", err)
	}
	if !mc.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return mc.reply(engine.NewError(mc.msg, name, detail))
}

func (mc *MethodCall) reply(m *engine.Message) error {
	if !mc.msg.WantReply() {
		return nil
	}
	return mc.c.send(m)
}
