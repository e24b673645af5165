package engine

import "time"

// WatchFlags describe the readiness conditions a Watch is interested
// in.
type WatchFlags uint8

const (
	Readable WatchFlags = 1 << iota
	Writable
)

// A Watch asks the event loop to monitor a file descriptor for
// readiness, and to call [Engine.HandleWatch] when it is ready.
type Watch struct {
	fd      int
	flags   WatchFlags
	enabled bool

	// Data is reserved for the event loop's own bookkeeping.
	Data any
}

// FD returns the file descriptor to monitor.
func (w *Watch) FD() int { return w.fd }

// Flags returns the readiness conditions to monitor.
func (w *Watch) Flags() WatchFlags { return w.flags }

// Enabled reports whether the watch should currently be monitored.
func (w *Watch) Enabled() bool { return w.enabled }

// A Timeout asks the event loop to call [Engine.HandleTimeout] every
// Interval while it is enabled.
type Timeout struct {
	interval time.Duration
	enabled  bool
	pc       *PendingCall

	// Data is reserved for the event loop's own bookkeeping.
	Data any
}

// Interval returns the timeout's firing interval.
func (t *Timeout) Interval() time.Duration { return t.interval }

// Enabled reports whether the timeout is currently armed.
func (t *Timeout) Enabled() bool { return t.enabled }

// WatchFuncs are the event loop callbacks that manage watches.
//
// Add is called when the engine needs a new watch, and must start
// monitoring it if it is enabled. Remove is called when the watch is
// no longer needed, including from within the watch's own
// handler. Toggle is called when the watch's enabled state changes.
type WatchFuncs struct {
	Add    func(*Watch) error
	Remove func(*Watch)
	Toggle func(*Watch)
}

// TimeoutFuncs are the event loop callbacks that manage timeouts,
// with the same contract as [WatchFuncs].
type TimeoutFuncs struct {
	Add    func(*Timeout) error
	Remove func(*Timeout)
	Toggle func(*Timeout)
}

// A PendingCall tracks an outstanding method call awaiting its
// reply.
type PendingCall struct {
	e         *Engine
	serial    uint32
	timeout   *Timeout
	reply     *Message
	queued    bool
	completed bool
	cancelled bool
	notify    func(*PendingCall)
}

// Serial returns the serial of the method call.
func (pc *PendingCall) Serial() uint32 { return pc.serial }

// Completed reports whether the call has completed, either with a
// reply or by timing out.
func (pc *PendingCall) Completed() bool { return pc.completed && !pc.cancelled }

// SetNotify sets the function to call when the call completes. If
// the call has already completed, fn is called immediately.
func (pc *PendingCall) SetNotify(fn func(*PendingCall)) {
	pc.notify = fn
	if pc.Completed() && fn != nil {
		fn(pc)
	}
}

// StealReply returns the reply message and detaches it from the
// PendingCall. It returns nil if the call timed out, or if the reply
// was already taken.
func (pc *PendingCall) StealReply() *Message {
	ret := pc.reply
	pc.reply = nil
	return ret
}

// Cancel abandons the call. The notify function will not be called,
// and a reply that arrives later is dispatched like any other
// message.
func (pc *PendingCall) Cancel() {
	if pc.completed {
		return
	}
	pc.completed, pc.cancelled = true, true
	pc.e.forget(pc)
}
