// Package dbus is an event-driven DBus client.
//
// A [Conn] runs all of its protocol work on a single event loop
// goroutine. The loop drives a bus protocol engine, multiplexing
// the engine's socket watches and timeouts, and dispatching every
// message the engine has queued after each one fires.
//
// Every operation comes in two forms. Go* methods take a callback
// and never block: the callback runs on the event loop once the
// operation completes, exactly once. Methods taking a
// [context.Context] block until the operation completes, and must
// not be called from a callback.
//
// # Values
//
// Message bodies are sequences of [Value]. Values are a closed set
// of types mirroring the DBus type system: basic values such as
// [Uint32] and [String], and the containers [Array], [Struct],
// [DictEntry], [Dict] and [Variant]. [ValueOf] and [Scan] convert
// between Values and ordinary Go values:
//
//	vals, err := conn.Call(ctx, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "ListNames")
//	var names []string
//	err = dbus.Scan(vals, &names)
//
// # Proxies
//
// A [Proxy] represents an object of a remote peer, and is the way to
// call methods and receive signals. Proxies for well-known names
// track the name's current owner, so that signals are only delivered
// when they come from whoever owns the name at the time.
//
// # Exporting objects
//
// [Conn.Export] serves an [Object] at a path. Method handlers receive
// a [MethodCall], which they must answer exactly once with
// [MethodCall.Return] or [MethodCall.Fail].
package dbus
