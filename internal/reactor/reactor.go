package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"golang.org/x/sys/unix"
)

// Reactor polls file descriptors and timers, and runs their
// handlers on a Queue.
//
// A source is never polled while its handler is queued or running,
// so a handler sees each readiness event at most once and can
// safely suspend, resume or cancel its own source.
type Reactor struct {
	q *Queue

	mu      sync.Mutex
	closed  bool
	sources mapset.Set[*Source]
	timers  *heapq.Queue[timerEntry]

	wakeR, wakeW int
	stopped      chan struct{}
}

// New starts a Reactor whose handlers run on q.
func New(q *Queue) (*Reactor, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating reactor wake pipe: %w", err)
	}
	r := &Reactor{
		q:       q,
		sources: mapset.New[*Source](),
		timers:  heapq.New(compareTimerEntries),
		wakeR:   p[0],
		wakeW:   p[1],
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// A Source is a file descriptor readiness source. Sources start out
// suspended.
type Source struct {
	r       *Reactor
	fd      int
	events  int16
	handler func()

	resumed   bool
	cancelled bool
	inflight  bool
}

// ReadSource returns a source that calls handler when fd is
// readable, or has hung up.
func (r *Reactor) ReadSource(fd int, handler func()) *Source {
	return r.newSource(fd, unix.POLLIN, handler)
}

// WriteSource returns a source that calls handler when fd is
// writable.
func (r *Reactor) WriteSource(fd int, handler func()) *Source {
	return r.newSource(fd, unix.POLLOUT, handler)
}

func (r *Reactor) newSource(fd int, events int16, handler func()) *Source {
	s := &Source{r: r, fd: fd, events: events, handler: handler}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.cancelled = true
		return s
	}
	r.sources.Add(s)
	return s
}

// Resume starts monitoring the source. Resuming a resumed source is
// a no-op.
func (s *Source) Resume() {
	s.r.mu.Lock()
	changed := !s.resumed && !s.cancelled
	s.resumed = true
	s.r.mu.Unlock()
	if changed {
		s.r.wake()
	}
}

// Suspend stops monitoring the source. Suspending a suspended source
// is a no-op.
func (s *Source) Suspend() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.resumed = false
}

// Cancel permanently stops the source. A handler that is already
// queued does not run. Cancel is idempotent.
func (s *Source) Cancel() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.cancelled = true
	delete(s.r.sources, s)
}

func (s *Source) fire() {
	r := s.r
	ok := r.q.Async(func() {
		r.mu.Lock()
		run := s.resumed && !s.cancelled
		r.mu.Unlock()
		if run {
			s.handler()
		}
		r.mu.Lock()
		s.inflight = false
		r.mu.Unlock()
		r.wake()
	})
	if !ok {
		s.inflight = false
	}
}

// A Timer is a repeating timer source. Timers start out suspended.
type Timer struct {
	r        *Reactor
	interval time.Duration
	handler  func()

	resumed   bool
	cancelled bool
	inflight  bool
	// gen invalidates heap entries when the timer is suspended,
	// resumed or cancelled.
	gen uint64
}

type timerEntry struct {
	t   *Timer
	gen uint64
	at  time.Time
}

func compareTimerEntries(a, b timerEntry) int {
	return a.at.Compare(b.at)
}

func (e timerEntry) live() bool {
	return e.gen == e.t.gen && e.t.resumed && !e.t.cancelled
}

// Timer returns a timer that calls handler every interval while
// resumed.
func (r *Reactor) Timer(interval time.Duration, handler func()) *Timer {
	return &Timer{r: r, interval: max(interval, time.Millisecond), handler: handler}
}

// Resume arms the timer to fire one interval from now, and every
// interval after that. Resuming a resumed timer is a no-op.
func (t *Timer) Resume() {
	r := t.r
	r.mu.Lock()
	if t.resumed || t.cancelled || r.closed {
		r.mu.Unlock()
		return
	}
	t.resumed = true
	t.gen++
	r.timers.Add(timerEntry{t, t.gen, time.Now().Add(t.interval)})
	r.mu.Unlock()
	r.wake()
}

// Suspend disarms the timer. Suspending a suspended timer is a
// no-op.
func (t *Timer) Suspend() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.resumed {
		t.resumed = false
		t.gen++
	}
}

// Cancel permanently stops the timer. A handler that is already
// queued does not run. Cancel is idempotent.
func (t *Timer) Cancel() {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.cancelled = true
	t.gen++
}

func (t *Timer) fire() {
	r := t.r
	ok := r.q.Async(func() {
		r.mu.Lock()
		run := t.resumed && !t.cancelled
		r.mu.Unlock()
		if run {
			t.handler()
		}
		r.mu.Lock()
		t.inflight = false
		r.mu.Unlock()
	})
	if !ok {
		t.inflight = false
	}
}

// Close stops the reactor and waits for its poller to exit. Queued
// handlers do not run. Close may be called from a handler.
func (r *Reactor) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return
	}
	r.closed = true
	for s := range r.sources {
		s.cancelled = true
	}
	r.sources = mapset.New[*Source]()
	unix.Write(r.wakeW, []byte{0})
	r.mu.Unlock()
	<-r.stopped
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// EAGAIN means a wakeup is already pending.
	unix.Write(r.wakeW, []byte{0})
}

func (r *Reactor) loop() {
	defer close(r.stopped)
	var buf [64]byte
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		fds := []unix.PollFd{{Fd: int32(r.wakeR), Events: unix.POLLIN}}
		var polled []*Source
		for s := range r.sources {
			if s.resumed && !s.inflight && !s.cancelled {
				fds = append(fds, unix.PollFd{Fd: int32(s.fd), Events: s.events})
				polled = append(polled, s)
			}
		}
		timeout := r.nextTimeoutLocked(time.Now())
		r.mu.Unlock()

		_, err := unix.Poll(fds, timeout)
		if err != nil && !errors.Is(err, unix.EINTR) {
			// Nothing sensible to do but retry. EBADF and friends
			// come from sources being closed under us, which the
			// next iteration drops.
			time.Sleep(time.Millisecond)
		}
		if fds[0].Revents != 0 {
			for {
				if n, _ := unix.Read(r.wakeR, buf[:]); n <= 0 {
					break
				}
			}
		}

		r.mu.Lock()
		for i, s := range polled {
			re := fds[i+1].Revents
			if re == 0 || !s.resumed || s.cancelled {
				continue
			}
			if re&unix.POLLNVAL != 0 {
				s.cancelled = true
				delete(r.sources, s)
				continue
			}
			s.inflight = true
			s.fire()
		}
		r.fireTimersLocked(time.Now())
		r.mu.Unlock()
	}
}

// nextTimeoutLocked returns the poll timeout in milliseconds until
// the next live timer, or -1 if there are none.
func (r *Reactor) nextTimeoutLocked(now time.Time) int {
	for {
		e, ok := r.timers.Pop()
		if !ok {
			return -1
		}
		if !e.live() {
			continue
		}
		r.timers.Add(e)
		d := e.at.Sub(now)
		if d <= 0 {
			return 0
		}
		// Round up, so the timer is due when poll returns.
		return int((d + time.Millisecond - 1) / time.Millisecond)
	}
}

func (r *Reactor) fireTimersLocked(now time.Time) {
	var again []timerEntry
	for {
		e, ok := r.timers.Pop()
		if !ok {
			break
		}
		if !e.live() {
			continue
		}
		if e.at.After(now) {
			r.timers.Add(e)
			break
		}
		if !e.t.inflight {
			e.t.inflight = true
			e.t.fire()
		}
		again = append(again, timerEntry{e.t, e.gen, now.Add(e.t.interval)})
	}
	for _, e := range again {
		r.timers.Add(e)
	}
}
