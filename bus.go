package dbus

import (
	"context"
	"fmt"

	"github.com/danderson/dbusloop/engine"
)

// NameFlags modify the behavior of [Conn.RequestName].
type NameFlags uint32

const (
	// NameAllowReplacement lets another connection take over the
	// name by requesting it with NameReplaceExisting.
	NameAllowReplacement NameFlags = 1 << iota
	// NameReplaceExisting takes the name from its current owner, if
	// the owner allowed replacement.
	NameReplaceExisting
	// NameDoNotQueue fails the request instead of waiting in line
	// for the name.
	NameDoNotQueue
)

// NameReply is the bus's answer to [Conn.RequestName].
type NameReply uint32

const (
	// NamePrimaryOwner means the caller now owns the name.
	NamePrimaryOwner NameReply = iota + 1
	// NameInQueue means the name is owned by someone else, and the
	// caller will get it when they release it.
	NameInQueue
	// NameExists means the name is owned by someone else, and the
	// caller asked not to queue.
	NameExists
	// NameAlreadyOwner means the caller already owned the name.
	NameAlreadyOwner
)

func (r NameReply) String() string {
	switch r {
	case NamePrimaryOwner:
		return "primary-owner"
	case NameInQueue:
		return "in-queue"
	case NameExists:
		return "exists"
	case NameAlreadyOwner:
		return "already-owner"
	}
	return fmt.Sprintf("NameReply(%d)", uint32(r))
}

// GoRequestName asks the bus to assign name to the connection, and
// calls done with the bus's reply on the event loop.
func (c *Conn) GoRequestName(name string, flags NameFlags, done func(NameReply, error)) {
	if err := engine.ValidBusName(name); err != nil || engine.IsUniqueName(name) {
		if err == nil {
			err = fmt.Errorf("cannot request unique name %q", name)
		}
		done(0, err)
		return
	}
	c.bus.Go("RequestName", []Value{String(name), Uint32(flags)}, func(r Result) {
		if r.Err != nil {
			done(0, r.Err)
			return
		}
		var code uint32
		if err := Scan(r.Values, &code); err != nil {
			done(0, err)
			return
		}
		ret := NameReply(code)
		if ret < NamePrimaryOwner || ret > NameAlreadyOwner {
			done(0, fmt.Errorf("unknown response code %d to RequestName", code))
			return
		}
		c.log.Debug().Str("name", name).Stringer("reply", ret).Msg("requested name")
		done(ret, nil)
	})
}

// RequestName asks the bus to assign name to the connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameFlags) (NameReply, error) {
	return wait(ctx, func(done func(NameReply, error)) {
		c.GoRequestName(name, flags, done)
	})
}

// ReleaseName gives up ownership of name, or leaves its queue.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	vals, err := c.bus.Call(ctx, "ReleaseName", String(name))
	if err != nil {
		return err
	}
	var code uint32
	if err := Scan(vals, &code); err != nil {
		return err
	}
	switch code {
	case 1:
		// Released.
		return nil
	case 2:
		return fmt.Errorf("name %q does not exist", name)
	case 3:
		return fmt.Errorf("name %q is not owned by this connection", name)
	default:
		return fmt.Errorf("unknown response code %d to ReleaseName", code)
	}
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	vals, err := c.bus.Call(ctx, "ListNames")
	if err != nil {
		return nil, err
	}
	var ret []string
	if err := Scan(vals, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	vals, err := c.bus.Call(ctx, "NameHasOwner", String(name))
	if err != nil {
		return false, err
	}
	var ret bool
	if err := Scan(vals, &ret); err != nil {
		return false, err
	}
	return ret, nil
}

// GetBusID returns the bus's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	vals, err := c.bus.Call(ctx, "GetId")
	if err != nil {
		return "", err
	}
	var ret string
	if err := Scan(vals, &ret); err != nil {
		return "", err
	}
	return ret, nil
}

// Ping checks that the peer owning dest is alive.
func (c *Conn) Ping(ctx context.Context, dest string) error {
	_, err := c.Call(ctx, dest, "/", "org.freedesktop.DBus.Peer", "Ping")
	return err
}
