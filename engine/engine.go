// Package engine implements the DBus protocol state machine for one
// connection: message framing, serial allocation, reply tracking,
// message filters and object path handlers.
//
// The Engine does no I/O multiplexing of its own. Instead it
// describes the file descriptors and timers it needs with [Watch] and
// [Timeout] objects, and an event loop calls back into it when they
// fire. After every callback, the event loop must call
// [Engine.Dispatch] until it reports [DispatchComplete].
//
// An Engine is not safe for concurrent use: all calls must be made
// from a single goroutine, or be otherwise serialized.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dbusloop/transport"
)

// DefaultReplyTimeout is the reply timeout used when
// [Engine.SendWithReply] is given no timeout.
const DefaultReplyTimeout = 25 * time.Second

// Paths and names of the local pseudo-interface, which the engine
// uses to report events about the connection itself.
const (
	LocalPath      = "/org/freedesktop/DBus/Local"
	LocalInterface = "org.freedesktop.DBus.Local"
	peerInterface  = "org.freedesktop.DBus.Peer"
)

// Transport is a non-blocking byte stream to the bus.
// [transport.Socket] is the usual implementation.
type Transport interface {
	FD() int
	// Read returns transport.ErrWouldBlock if no data is available.
	Read(bs []byte) (int, error)
	// Write returns transport.ErrWouldBlock if no data could be
	// written.
	Write(bs []byte, files []*os.File) (int, error)
	GetFiles(n int) ([]*os.File, error)
	Close() error
}

// HandlerResult is the result of a filter or object path handler.
type HandlerResult int

const (
	// NotYetHandled passes the message on to the next handler.
	NotYetHandled HandlerResult = iota
	// Handled stops processing of the message.
	Handled
)

// A FilterFunc sees every incoming message that is not a reply to a
// pending call, before object path handlers.
type FilterFunc func(*Message) HandlerResult

// An ObjectFunc handles method calls addressed to one object path.
type ObjectFunc func(*Message) HandlerResult

// DispatchStatus reports whether incoming messages remain to be
// dispatched.
type DispatchStatus int

const (
	DispatchComplete DispatchStatus = iota
	DispatchDataRemains
)

type filter struct {
	fn      FilterFunc
	removed bool
}

type item struct {
	msg *Message
	pc  *PendingCall
}

type outFrame struct {
	data  []byte
	files []*os.File
}

// Engine is the protocol state machine for one bus connection.
type Engine struct {
	t      Transport
	serial uint32
	err    error
	closed bool

	readWatch, writeWatch *Watch
	watchFns              *WatchFuncs
	timeoutFns            *TimeoutFuncs
	timeouts              mapset.Set[*Timeout]

	readBuf  []byte
	inbuf    []byte
	outq     *queue.Queue[outFrame]
	cur      *outFrame
	incoming *queue.Queue[item]

	pending map[uint32]*PendingCall
	filters []*filter
	objects map[string]ObjectFunc

	// DefaultTimeout is the reply timeout for SendWithReply calls
	// that do not specify one.
	DefaultTimeout time.Duration
}

// New returns an Engine that speaks DBus over t. t must already be
// authenticated.
func New(t Transport) *Engine {
	return &Engine{
		t:              t,
		readWatch:      &Watch{fd: t.FD(), flags: Readable, enabled: true},
		writeWatch:     &Watch{fd: t.FD(), flags: Writable},
		timeouts:       mapset.New[*Timeout](),
		readBuf:        make([]byte, 64*1024),
		outq:           queue.New[outFrame](),
		incoming:       queue.New[item](),
		pending:        map[uint32]*PendingCall{},
		objects:        map[string]ObjectFunc{},
		DefaultTimeout: DefaultReplyTimeout,
	}
}

// Err returns the reason the engine disconnected, or nil if it is
// still connected or was closed with [Engine.Close].
func (e *Engine) Err() error { return e.err }

// Closed reports whether the engine has disconnected or been closed.
func (e *Engine) Closed() bool { return e.closed }

// SetWatchFuncs installs the event loop's watch callbacks. The
// engine's watches are added immediately.
func (e *Engine) SetWatchFuncs(fns WatchFuncs) error {
	if e.watchFns != nil {
		return errors.New("watch functions already set")
	}
	if e.closed {
		return ErrClosed
	}
	e.watchFns = &fns
	if err := fns.Add(e.readWatch); err != nil {
		return err
	}
	return fns.Add(e.writeWatch)
}

// SetTimeoutFuncs installs the event loop's timeout callbacks. Any
// existing timeouts are added immediately.
func (e *Engine) SetTimeoutFuncs(fns TimeoutFuncs) error {
	if e.timeoutFns != nil {
		return errors.New("timeout functions already set")
	}
	if e.closed {
		return ErrClosed
	}
	e.timeoutFns = &fns
	for t := range e.timeouts {
		if err := fns.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// AddFilter adds fn to the end of the filter chain. The returned
// function removes the filter.
func (e *Engine) AddFilter(fn FilterFunc) (remove func()) {
	f := &filter{fn: fn}
	e.filters = append(e.filters, f)
	return func() {
		f.removed = true
		e.filters = slices.DeleteFunc(e.filters, func(o *filter) bool { return o == f })
	}
}

// RegisterObjectPath sets fn as the handler for method calls to
// path.
func (e *Engine) RegisterObjectPath(path string, fn ObjectFunc) error {
	if err := ValidObjectPath(path); err != nil {
		return err
	}
	if _, ok := e.objects[path]; ok {
		return fmt.Errorf("object path %s already registered", path)
	}
	e.objects[path] = fn
	return nil
}

// UnregisterObjectPath removes the handler for path, if any.
func (e *Engine) UnregisterObjectPath(path string) {
	delete(e.objects, path)
}

func (e *Engine) nextSerial() uint32 {
	e.serial++
	if e.serial == 0 {
		e.serial++
	}
	return e.serial
}

func (e *Engine) prepare(m *Message) ([]byte, error) {
	if e.closed {
		return nil, e.closedErr()
	}
	m.Serial = e.nextSerial()
	return m.Marshal()
}

func (e *Engine) closedErr() error {
	if e.err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, e.err)
	}
	return ErrClosed
}

func (e *Engine) enqueue(bs []byte, files []*os.File) {
	e.outq.Add(outFrame{bs, files})
	if err := e.flush(); err != nil {
		e.disconnect(err)
	}
}

// Send queues m for transmission and returns its serial. Write
// failures are reported asynchronously, by disconnecting.
func (e *Engine) Send(m *Message) (uint32, error) {
	bs, err := e.prepare(m)
	if err != nil {
		return 0, err
	}
	e.enqueue(bs, m.Files)
	return m.Serial, nil
}

// SendWithReply sends the method call m, and returns a PendingCall
// that completes when the reply arrives or after timeout. A zero
// timeout selects [Engine.DefaultTimeout].
func (e *Engine) SendWithReply(m *Message, timeout time.Duration) (*PendingCall, error) {
	if m.Type != TypeMethodCall {
		return nil, fmt.Errorf("cannot await a reply to %s message", m.Type)
	}
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	m.Flags &^= FlagNoReplyExpected
	bs, err := e.prepare(m)
	if err != nil {
		return nil, err
	}
	pc := &PendingCall{e: e, serial: m.Serial}
	pc.timeout = &Timeout{interval: timeout, enabled: true, pc: pc}
	e.pending[pc.serial] = pc
	if err := e.addTimeout(pc.timeout); err != nil {
		delete(e.pending, pc.serial)
		return nil, err
	}
	e.enqueue(bs, m.Files)
	return pc, nil
}

func (e *Engine) addTimeout(t *Timeout) error {
	e.timeouts.Add(t)
	if e.timeoutFns != nil {
		if err := e.timeoutFns.Add(t); err != nil {
			delete(e.timeouts, t)
			return err
		}
	}
	return nil
}

func (e *Engine) removeTimeout(t *Timeout) {
	if t == nil || !e.timeouts.Has(t) {
		return
	}
	delete(e.timeouts, t)
	if e.timeoutFns != nil {
		e.timeoutFns.Remove(t)
	}
}

func (e *Engine) forget(pc *PendingCall) {
	delete(e.pending, pc.serial)
	e.removeTimeout(pc.timeout)
}

func (e *Engine) setWriteWatch(enabled bool) {
	if e.writeWatch.enabled == enabled {
		return
	}
	e.writeWatch.enabled = enabled
	if e.watchFns != nil && !e.closed {
		e.watchFns.Toggle(e.writeWatch)
	}
}

// flush writes as much queued output as the transport accepts.
func (e *Engine) flush() error {
	for {
		if e.cur == nil {
			f, ok := e.outq.Pop()
			if !ok {
				break
			}
			e.cur = &f
		}
		n, err := e.t.Write(e.cur.data, e.cur.files)
		if errors.Is(err, transport.ErrWouldBlock) {
			e.setWriteWatch(true)
			return nil
		}
		if err != nil {
			return err
		}
		e.cur.data = e.cur.data[n:]
		e.cur.files = nil
		if len(e.cur.data) == 0 {
			e.cur = nil
		}
	}
	e.setWriteWatch(false)
	return nil
}

// maxReadsPerWatch bounds the work done by one readable watch
// firing, so a chatty peer cannot starve other event sources.
const maxReadsPerWatch = 16

func (e *Engine) readAvailable() error {
	for range maxReadsPerWatch {
		n, err := e.t.Read(e.readBuf)
		if n > 0 {
			e.inbuf = append(e.inbuf, e.readBuf[:n]...)
			if perr := e.parseFrames(); perr != nil {
				return perr
			}
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) parseFrames() error {
	for {
		total, err := frameLen(e.inbuf)
		if err != nil {
			return err
		}
		if total == 0 || len(e.inbuf) < total {
			break
		}
		frame := bytes.Clone(e.inbuf[:total])
		e.inbuf = e.inbuf[total:]
		p, err := parseMessage(frame)
		if err != nil {
			return err
		}
		if p.numFDs > 0 {
			fs, err := e.t.GetFiles(int(p.numFDs))
			if err != nil {
				return ProtocolError{"reading message", err}
			}
			p.msg.Files = fs
		}
		e.received(p.msg)
	}
	if len(e.inbuf) == 0 {
		e.inbuf = nil
	}
	return nil
}

func (e *Engine) received(m *Message) {
	if m.Type == TypeMethodReturn || m.Type == TypeError {
		if pc := e.pending[m.ReplySerial]; pc != nil && !pc.queued {
			pc.queued = true
			e.incoming.Add(item{msg: m, pc: pc})
			return
		}
	}
	e.incoming.Add(item{msg: m})
}

// HandleWatch processes readiness of w. flags are the conditions
// that were signalled. A non-nil error means the engine has
// disconnected; messages describing the disconnection remain to be
// dispatched.
func (e *Engine) HandleWatch(w *Watch, flags WatchFlags) error {
	if e.closed {
		return e.closedErr()
	}
	if flags&Writable != 0 {
		if err := e.flush(); err != nil {
			e.disconnect(err)
			return err
		}
	}
	if flags&Readable != 0 {
		if err := e.readAvailable(); err != nil {
			e.disconnect(err)
			return err
		}
	}
	return nil
}

// HandleTimeout processes the firing of t.
func (e *Engine) HandleTimeout(t *Timeout) error {
	if e.closed {
		return e.closedErr()
	}
	if pc := t.pc; pc != nil && !pc.completed && !pc.queued {
		pc.queued = true
		e.incoming.Add(item{pc: pc})
	}
	e.removeTimeout(t)
	return nil
}

// DispatchStatus reports whether Dispatch has work to do.
func (e *Engine) DispatchStatus() DispatchStatus {
	if e.incoming.Len() > 0 {
		return DispatchDataRemains
	}
	return DispatchComplete
}

// Dispatch processes one incoming item: a completed pending call,
// or a message run through the filters and object path handlers.
func (e *Engine) Dispatch() DispatchStatus {
	it, ok := e.incoming.Pop()
	if !ok {
		return DispatchComplete
	}
	if it.pc != nil {
		e.complete(it.pc, it.msg)
	} else {
		e.dispatchMessage(it.msg)
	}
	return e.DispatchStatus()
}

func (e *Engine) complete(pc *PendingCall, reply *Message) {
	if pc.completed {
		return
	}
	pc.completed = true
	pc.reply = reply
	e.forget(pc)
	if pc.notify != nil {
		pc.notify(pc)
	}
}

func (e *Engine) dispatchMessage(m *Message) {
	for _, f := range slices.Clone(e.filters) {
		if f.removed {
			continue
		}
		if f.fn(m) == Handled {
			return
		}
	}
	if m.Type != TypeMethodCall || e.closed {
		return
	}
	if m.Interface == peerInterface {
		e.handlePeer(m)
		return
	}
	fn := e.objects[m.Path]
	if fn != nil && fn(m) == Handled {
		return
	}
	if !m.WantReply() {
		return
	}
	if fn != nil {
		e.Send(NewError(m, ErrorUnknownMethod, fmt.Sprintf("No such method %q in interface %q at object path %s", m.Member, m.Interface, m.Path)))
	} else {
		e.Send(NewError(m, ErrorUnknownObject, fmt.Sprintf("No such object path %s", m.Path)))
	}
}

func (e *Engine) handlePeer(m *Message) {
	if !m.WantReply() {
		return
	}
	switch m.Member {
	case "Ping":
		e.Send(NewMethodReturn(m))
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			e.Send(NewError(m, ErrorFailed, err.Error()))
			return
		}
		ret := NewMethodReturn(m)
		ret.Append().AppendBasic(TypeString, id)
		e.Send(ret)
	default:
		e.Send(NewError(m, ErrorUnknownMethod, fmt.Sprintf("No such method %q in interface %q", m.Member, m.Interface)))
	}
}

func machineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		bs, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(bs)), nil
	}
	return "", errors.New("machine ID not available")
}

// disconnect shuts down I/O after a transport or protocol failure,
// and queues the resulting events for dispatch: every pending call
// completes with a Disconnected error, then a Disconnected signal is
// delivered on the local interface.
func (e *Engine) disconnect(err error) {
	if e.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	e.err = err
	e.shutdown()
	for _, serial := range slices.Sorted(maps.Keys(e.pending)) {
		pc := e.pending[serial]
		if pc.queued {
			continue
		}
		pc.queued = true
		reply := NewError(&Message{Serial: serial}, ErrorDisconnected, "Connection was disconnected before a reply was received")
		e.incoming.Add(item{msg: reply, pc: pc})
	}
	e.incoming.Add(item{msg: NewSignal(LocalPath, LocalInterface, "Disconnected")})
}

func (e *Engine) shutdown() {
	e.closed = true
	if e.watchFns != nil {
		e.watchFns.Remove(e.readWatch)
		e.watchFns.Remove(e.writeWatch)
	}
	for t := range e.timeouts {
		if e.timeoutFns != nil {
			e.timeoutFns.Remove(t)
		}
	}
	e.timeouts = mapset.New[*Timeout]()
	e.t.Close()
}

// Close flushes what output it can without blocking, then shuts the
// engine down. Pending calls are abandoned without notification, and
// undispatched messages are discarded.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.flush()
	e.shutdown()
	e.incoming.Clear()
	for _, pc := range e.pending {
		pc.completed, pc.cancelled = true, true
	}
	clear(e.pending)
	e.filters = nil
	clear(e.objects)
	return nil
}
