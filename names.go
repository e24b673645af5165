package dbus

import (
	"context"
	"errors"

	"github.com/creachadair/mds/mapset"

	"github.com/danderson/dbusloop/engine"
)

// nameResolver maps bus names to the unique name of their current
// owner. It is only accessed on the event loop.
//
// To avoid missing an ownership change that happens while a lookup
// is in flight, the resolver subscribes to NameOwnerChanged for a
// name before asking the bus for its owner. The bus processes both
// requests in order, so any change after the lookup is delivered as
// a signal after the reply.
type nameResolver struct {
	c          *Conn
	owners     map[string]string
	subscribed mapset.Set[string]
	waiting    map[string][]func(string, error)
}

func newNameResolver(c *Conn) *nameResolver {
	return &nameResolver{
		c:          c,
		owners:     map[string]string{busName: busName},
		subscribed: mapset.New[string](),
		waiting:    map[string][]func(string, error){},
	}
}

// lookup returns the cached owner of name.
func (n *nameResolver) lookup(name string) (string, bool) {
	if engine.IsUniqueName(name) {
		return name, true
	}
	owner, ok := n.owners[name]
	return owner, ok
}

func nameOwnerRule(name string) string {
	return MatchSignals().
		Sender(busName).
		Interface(busInterface).
		Member("NameOwnerChanged").
		Arg(0, name).
		String()
}

// resolve calls done with the current owner of name. If name has no
// owner, done receives ErrNameHasNoOwner.
func (n *nameResolver) resolve(name string, done func(owner string, err error)) {
	if owner, ok := n.lookup(name); ok {
		done(owner, nil)
		return
	}
	if ws, ok := n.waiting[name]; ok {
		n.waiting[name] = append(ws, done)
		return
	}
	n.waiting[name] = []func(string, error){done}

	if !n.subscribed.Has(name) {
		n.subscribed.Add(name)
		n.c.addMatch(nameOwnerRule(name), func(err error) {
			if err != nil {
				n.c.log.Warn().Err(err).Str("name", name).Msg("subscribing to name owner changes")
				delete(n.subscribed, name)
			}
		})
	}

	m := engine.NewMethodCall(busName, busPath, busInterface, "GetNameOwner")
	AppendArgs(m, String(name))
	n.c.calls.send(m, func(r Result) {
		owner, err := n.ownerFromReply(name, r)
		ws := n.waiting[name]
		delete(n.waiting, name)
		for _, w := range ws {
			w(owner, err)
		}
	})
}

func (n *nameResolver) ownerFromReply(name string, r Result) (string, error) {
	if r.Err != nil {
		if errors.Is(r.Err, CallError{Name: engine.ErrorNameHasNoOwner}) {
			delete(n.owners, name)
			return "", ErrNameHasNoOwner
		}
		return "", r.Err
	}
	var owner string
	if err := Scan(r.Values, &owner); err != nil {
		return "", err
	}
	n.owners[name] = owner
	return owner, nil
}

// update applies a NameOwnerChanged signal to the cache.
func (n *nameResolver) update(m *engine.Message) error {
	args, err := MessageArgs(m)
	if err != nil {
		return err
	}
	var name, oldOwner, newOwner string
	if err := Scan(args, &name, &oldOwner, &newOwner); err != nil {
		n.c.log.Warn().Err(err).Msg("malformed NameOwnerChanged signal")
		return nil
	}
	if name == busName || engine.IsUniqueName(name) {
		return nil
	}
	if newOwner == "" {
		delete(n.owners, name)
	} else {
		n.owners[name] = newOwner
	}
	n.c.log.Debug().Str("name", name).Str("old", oldOwner).Str("new", newOwner).Msg("name owner changed")
	return nil
}

// GoResolveName calls done with the unique name of the current
// owner of name, or [ErrNameHasNoOwner] if it has none. done runs on
// the connection's event loop, or on the calling goroutine if the
// connection is closed.
func (c *Conn) GoResolveName(name string, done func(owner string, err error)) {
	if err := engine.ValidBusName(name); err != nil {
		done("", err)
		return
	}
	if !c.run(func() {
		if c.closing {
			done("", ErrClosed)
			return
		}
		c.names.resolve(name, done)
	}) {
		done("", ErrClosed)
	}
}

// ResolveName returns the unique name of the current owner of name.
func (c *Conn) ResolveName(ctx context.Context, name string) (string, error) {
	return wait(ctx, func(done func(string, error)) {
		c.GoResolveName(name, done)
	})
}
