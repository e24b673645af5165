// Package reactor provides a serial execution queue, and a poller
// that runs file descriptor and timer callbacks on it.
package reactor

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// Queue runs submitted tasks one at a time, in submission order, on
// a single dedicated goroutine.
type Queue struct {
	mu      sync.Mutex
	tasks   *queue.Queue[func()]
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue starts a new Queue.
func NewQueue() *Queue {
	q := &Queue{
		tasks: queue.New[func()](),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Async schedules fn to run on the queue. It reports false if the
// queue is closed, in which case fn will never run.
func (q *Queue) Async(fn func()) bool {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return false
	}
	q.tasks.Add(fn)
	q.mu.Unlock()
	q.poke()
	return true
}

// Sync runs fn on the queue and waits for it to finish. It reports
// false if the queue is closed. Sync must not be called from a task
// running on q.
func (q *Queue) Sync(fn func()) bool {
	done := make(chan struct{})
	if !q.Async(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the queue from accepting new tasks. Tasks already
// submitted still run. Close does not wait, and may be called from a
// task running on q.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.poke()
}

// Done returns a channel that is closed once the queue is closed and
// all its tasks have run.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		fn, ok := q.tasks.Pop()
		closing := q.closing
		q.mu.Unlock()
		if ok {
			fn()
			continue
		}
		if closing {
			return
		}
		<-q.wake
	}
}
