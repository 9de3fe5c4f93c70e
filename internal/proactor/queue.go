package proactor

import (
	"sync"

	"github.com/thegridelectric/gwproactor/internal/message"
)

// Queue is the unbounded receive queue. Any goroutine may Put; only the
// dispatch loop takes.
type Queue struct {
	mu     sync.Mutex
	msgs   []*message.Message
	closed bool
	signal chan struct{} // buffered, size 1
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		msgs:   make([]*message.Message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Put appends m. It reports false once the queue is closed.
func (q *Queue) Put(m *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.msgs = append(q.msgs, m)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryGet removes and returns the front message without blocking.
func (q *Queue) TryGet() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil, false
	}
	m := q.msgs[0]
	q.msgs[0] = nil
	if len(q.msgs) == 1 {
		q.msgs = q.msgs[:0]
	} else {
		q.msgs = q.msgs[1:]
	}
	return m, true
}

// Wait returns a channel that receives when messages may be available. It
// is closed by Close.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close rejects further Puts and wakes the waiter.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
