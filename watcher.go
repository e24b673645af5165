package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/queue"

	"github.com/danderson/dbusloop/engine"
)

// matchSub is a match rule registered with the bus, shared by all
// its local users.
type matchSub struct {
	refs    int
	ready   bool
	err     error
	waiters []func(error)
}

// addMatch takes a reference to the bus match rule, registering it
// with the bus if needed. done is called once the bus has accepted
// or rejected the rule. Must be called on the event loop.
func (c *Conn) addMatch(rule string, done func(error)) {
	sub := c.matches[rule]
	if sub == nil {
		sub = &matchSub{}
		c.matches[rule] = sub
		m := engine.NewMethodCall(busName, busPath, busInterface, "AddMatch")
		AppendArgs(m, String(rule))
		c.calls.send(m, func(r Result) {
			sub.ready, sub.err = true, r.Err
			waiters := sub.waiters
			sub.waiters = nil
			if c.matches[rule] != sub {
				// Released while the bus was thinking about it.
				if r.Err == nil && !c.closing {
					c.sendBus("RemoveMatch", String(rule))
				}
			} else if r.Err != nil {
				delete(c.matches, rule)
			}
			for _, w := range waiters {
				w(r.Err)
			}
		})
	}
	sub.refs++
	if sub.ready {
		done(sub.err)
	} else {
		sub.waiters = append(sub.waiters, done)
	}
}

// removeMatch drops a reference to the bus match rule, and
// unregisters it from the bus when it is no longer used. Must be
// called on the event loop.
func (c *Conn) removeMatch(rule string) {
	sub := c.matches[rule]
	if sub == nil {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	delete(c.matches, rule)
	if sub.ready && sub.err == nil {
		c.sendBus("RemoveMatch", String(rule))
	}
}

const maxWatcherQueue = 64

// Watch subscribes to messages matching m, typically signals, and
// delivers them on the returned Watcher's channel.
func (c *Conn) Watch(ctx context.Context, m *Match) (*Watcher, error) {
	w := &Watcher{
		conn:        c,
		match:       m,
		rule:        m.String(),
		signals:     make(chan *Signal),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		queue:       queue.New[*Signal](),
	}
	_, err := wait(ctx, func(done func(struct{}, error)) {
		if !c.run(func() {
			if c.closing {
				done(struct{}{}, ErrClosed)
				return
			}
			c.watchers.Add(w)
			if s, ok := m.SenderName(); ok && !engine.IsUniqueName(s) {
				// Keep the sender's owner cached for routing.
				c.names.resolve(s, func(string, error) {})
			}
			c.addMatch(w.rule, func(err error) {
				if err != nil {
					delete(c.watchers, w)
				}
				done(struct{}{}, err)
			})
		}) {
			done(struct{}{}, ErrClosed)
		}
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	go w.pump()
	return w, nil
}

// A Watcher delivers messages received from the bus that match its
// filter.
type Watcher struct {
	conn  *Conn
	match *Match
	rule  string

	signals  chan *Signal
	wakePump chan struct{}

	closeOnce   sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu    sync.Mutex
	queue *queue.Queue[*Signal]
}

// Chan returns the channel on which messages are delivered.
//
// The caller must drain this channel promptly, to avoid overflowing
// the Watcher's receive queue and losing messages of interest.
// Missing messages due to an overflow are indicated by the Overflow
// field of the [Signal] that immediately precedes the discarded
// messages.
func (w *Watcher) Chan() <-chan *Signal {
	return w.signals
}

// Close shuts down the Watcher, and closes its channel.
func (w *Watcher) Close() {
	w.shutdown()
	w.conn.run(func() {
		if w.conn.watchers.Has(w) {
			delete(w.conn.watchers, w)
			w.conn.removeMatch(w.rule)
		}
	})
}

// shutdown stops delivery and closes the Watcher's channel.
func (w *Watcher) shutdown() {
	w.closeOnce.Do(func() {
		close(w.stopPump)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.queue.Clear()
	})
}

// route delivers m to the watcher if it matches. Must be called on
// the event loop.
func (w *Watcher) route(m *engine.Message, decode func() (*Signal, error)) error {
	var args []Value
	if w.match.needsArgs() {
		sig, err := decode()
		if err != nil {
			return err
		}
		args = sig.Args
	}
	if !w.match.Matches(m, args, w.conn.names.lookup) {
		return nil
	}
	sig, err := decode()
	if err != nil {
		return err
	}
	cp := *sig
	w.enqueue(&cp)
	return nil
}

func (w *Watcher) enqueue(sig *Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopPump:
		return
	default:
	}

	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}
	w.queue.Add(sig)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Signal {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
