package dbus

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"github.com/danderson/dbusloop/engine"
)

// Result is the outcome of a method call.
type Result struct {
	// Values are the values returned by the method.
	Values []Value
	// Err is the reason the call failed. It is a [CallError] if the
	// peer replied with an error.
	Err error
}

// callTable tracks the method calls that are awaiting a reply, and
// delivers each one's result exactly once. It is only accessed on
// the event loop.
type callTable struct {
	c       *Conn
	pending map[*engine.PendingCall]func(Result)
	closed  error
}

func newCallTable(c *Conn) *callTable {
	return &callTable{
		c:       c,
		pending: map[*engine.PendingCall]func(Result){},
	}
}

// send transmits the method call m, and arranges for done to be
// called with its result.
func (t *callTable) send(m *engine.Message, done func(Result)) {
	if t.closed != nil {
		done(Result{Err: t.closed})
		return
	}
	pc, err := t.c.e.SendWithReply(m, 0)
	if err != nil {
		t.c.metrics.CallCompleted("closed")
		done(Result{Err: closedErr(err)})
		return
	}
	t.c.metrics.MessageSent(m.Type.String())
	t.pending[pc] = done
	t.c.metrics.PendingCalls(len(t.pending))
	pc.SetNotify(t.complete)
}

func (t *callTable) complete(pc *engine.PendingCall) {
	done, ok := t.pending[pc]
	if !ok {
		return
	}
	delete(t.pending, pc)
	t.c.metrics.PendingCalls(len(t.pending))

	var res Result
	reply := pc.StealReply()
	switch {
	case reply == nil:
		t.c.metrics.CallCompleted("no_reply")
		res.Err = ErrNoReply
	case reply.Type == engine.TypeError:
		t.c.metrics.CallCompleted("error")
		res.Err = CallError{Name: reply.ErrorName, Detail: reply.ErrorDetail()}
	default:
		vals, err := MessageArgs(reply)
		if err != nil {
			t.c.metrics.CallCompleted("error")
			res.Err = err
			done(res)
			t.c.fail(err)
			return
		}
		t.c.metrics.CallCompleted("ok")
		res.Values = vals
	}
	done(res)
}

// failAll completes every outstanding call with err, and makes
// future sends fail with err.
func (t *callTable) failAll(err error) {
	t.closed = err
	pcs := slices.SortedFunc(maps.Keys(t.pending), func(a, b *engine.PendingCall) int {
		return cmp.Compare(a.Serial(), b.Serial())
	})
	for _, pc := range pcs {
		done := t.pending[pc]
		delete(t.pending, pc)
		pc.Cancel()
		t.c.metrics.CallCompleted("closed")
		done(Result{Err: err})
	}
	t.c.metrics.PendingCalls(0)
}

// Go calls method on the object and interface described by dest,
// path and iface, and calls done with the result. done runs on the
// connection's event loop, or on the calling goroutine if the call
// could not be queued.
func (c *Conn) Go(dest string, path ObjectPath, iface, method string, args []Value, done func(Result)) {
	if err := validateCall(dest, path, iface, method); err != nil {
		done(Result{Err: err})
		return
	}
	m := engine.NewMethodCall(dest, string(path), iface, method)
	if err := AppendArgs(m, args...); err != nil {
		done(Result{Err: err})
		return
	}
	if !c.run(func() { c.calls.send(m, done) }) {
		done(Result{Err: ErrClosed})
	}
}

// Call calls method and waits for its result.
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, method string, args ...Value) ([]Value, error) {
	return wait(ctx, func(done func([]Value, error)) {
		c.Go(dest, path, iface, method, args, func(r Result) { done(r.Values, r.Err) })
	})
}

func validateCall(dest string, path ObjectPath, iface, method string) error {
	if err := validateTarget(dest, path, iface); err != nil {
		return err
	}
	return engine.ValidMember(method)
}

func validateTarget(dest string, path ObjectPath, iface string) error {
	if dest != "" {
		if err := engine.ValidBusName(dest); err != nil {
			return err
		}
	}
	if err := path.Valid(); err != nil {
		return err
	}
	if iface != "" {
		return engine.ValidInterface(iface)
	}
	return nil
}
