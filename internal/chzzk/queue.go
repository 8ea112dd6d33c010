package chzzk

import (
	"sync"
	"time"

	"github.com/you/livechat-harvester/internal/core"
)

// Queue hands events from the network goroutine to a polling consumer. It is
// the only state the two sides share.
type Queue struct {
	mu       sync.Mutex
	items    []core.ChatEvent
	capacity int
	closed   bool
	notify   chan struct{}
	metrics  *Metrics
}

// NewQueue returns a queue holding at most capacity events; when full the
// oldest event is evicted. capacity <= 0 means unbounded.
func NewQueue(capacity int, m *Metrics) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		metrics:  m,
	}
}

// Push appends ev. It reports false once the queue is closed.
func (q *Queue) Push(ev core.ChatEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items[0] = core.ChatEvent{}
		q.items = q.items[1:]
		q.metrics.incEvicted()
	}
	q.items = append(q.items, ev)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.setQueueDepth(depth)
	q.wake()
	return true
}

// Pull waits up to timeout for the next event. On timeout it returns the
// zero ChatEvent with ok true. ok is false only when the queue is closed and
// empty.
func (q *Queue) Pull(timeout time.Duration) (core.ChatEvent, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = core.ChatEvent{}
			q.items = q.items[1:]
			depth := len(q.items)
			more := depth > 0 || q.closed
			q.mu.Unlock()
			q.metrics.setQueueDepth(depth)
			if more {
				q.wake()
			}
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return core.ChatEvent{}, false
		}
		q.mu.Unlock()

		if timeout <= 0 {
			return core.ChatEvent{}, true
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-q.notify:
		case <-timer.C:
			timer = nil
			return core.ChatEvent{}, true
		}
	}
}

// Close stops further pushes. Events already queued remain pullable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
