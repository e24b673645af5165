package dbus

import (
	"github.com/danderson/dbusloop/engine"
	"github.com/danderson/dbusloop/internal/reactor"
)

// startLoop connects the engine's watches and timeouts to the
// reactor. Must be called on the event loop.
func (c *Conn) startLoop() error {
	err := c.e.SetWatchFuncs(engine.WatchFuncs{
		Add:    c.addWatch,
		Remove: c.removeWatch,
		Toggle: c.toggleWatch,
	})
	if err != nil {
		return err
	}
	return c.e.SetTimeoutFuncs(engine.TimeoutFuncs{
		Add:    c.addTimeout,
		Remove: c.removeTimeout,
		Toggle: c.toggleTimeout,
	})
}

func (c *Conn) addWatch(w *engine.Watch) error {
	handler := func() {
		if err := c.e.HandleWatch(w, w.Flags()); err != nil {
			c.log.Debug().Err(err).Int("fd", w.FD()).Msg("watch failed")
		}
		c.drain()
	}
	var src *reactor.Source
	if w.Flags()&engine.Writable != 0 {
		src = c.r.WriteSource(w.FD(), handler)
	} else {
		src = c.r.ReadSource(w.FD(), handler)
	}
	w.Data = src
	if w.Enabled() {
		src.Resume()
	}
	return nil
}

func (c *Conn) removeWatch(w *engine.Watch) {
	if src, ok := w.Data.(*reactor.Source); ok {
		src.Cancel()
		w.Data = nil
	}
}

func (c *Conn) toggleWatch(w *engine.Watch) {
	src, ok := w.Data.(*reactor.Source)
	if !ok {
		return
	}
	if w.Enabled() {
		src.Resume()
	} else {
		src.Suspend()
	}
}

func (c *Conn) addTimeout(t *engine.Timeout) error {
	timer := c.r.Timer(t.Interval(), func() {
		if err := c.e.HandleTimeout(t); err != nil {
			c.log.Debug().Err(err).Msg("timeout failed")
		}
		c.drain()
	})
	t.Data = timer
	if t.Enabled() {
		timer.Resume()
	}
	return nil
}

func (c *Conn) removeTimeout(t *engine.Timeout) {
	if timer, ok := t.Data.(*reactor.Timer); ok {
		timer.Cancel()
		t.Data = nil
	}
}

func (c *Conn) toggleTimeout(t *engine.Timeout) {
	timer, ok := t.Data.(*reactor.Timer)
	if !ok {
		return
	}
	if t.Enabled() {
		timer.Resume()
	} else {
		timer.Suspend()
	}
}

// drain dispatches queued incoming messages until there are none
// left, or the connection shuts down.
func (c *Conn) drain() {
	n := 0
	for !c.closing && c.e.DispatchStatus() == engine.DispatchDataRemains {
		c.e.Dispatch()
		n++
	}
	if n > 0 {
		c.metrics.Drained(n)
	}
}
