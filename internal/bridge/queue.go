package bridge

import (
	"context"
	"sync"
	"time"

	apperrors "aistudio2api-go/internal/errors"
)

var (
	// ErrQueueTimeout is returned by Dequeue when no event arrives in time.
	ErrQueueTimeout = apperrors.ErrDispatchTimeout
	// ErrQueueClosed is returned once the queue has been closed.
	ErrQueueClosed = apperrors.ErrQueueClosed
)

type dequeueResult struct {
	event Event
	err   error
}

type waiter struct {
	ch chan dequeueResult
}

// Queue buffers reply events for one request. Events that arrive while
// nobody waits go to the backlog; waiters are served in FIFO order. The
// backlog and the waiter list are never both non-empty.
type Queue struct {
	mu      sync.Mutex
	backlog []Event
	waiters []*waiter
	closed  bool
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue hands ev to the oldest waiter or appends it to the backlog.
// Events enqueued after Close are dropped.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.ch <- dequeueResult{event: ev}
		return
	}
	q.backlog = append(q.backlog, ev)
}

// Dequeue returns the next event. It fails with ErrQueueTimeout after
// timeout, with ErrQueueClosed when the queue is closed, or with ctx.Err().
// A non-positive timeout waits until close or cancellation.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Event{}, ErrQueueClosed
	}
	if len(q.backlog) > 0 {
		ev := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
		return ev, nil
	}
	w := &waiter{ch: make(chan dequeueResult, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-w.ch:
		return res.event, res.err
	case <-expired:
		return q.abandon(w, ErrQueueTimeout)
	case <-ctx.Done():
		return q.abandon(w, ctx.Err())
	}
}

// abandon removes w from the waiter list. If w was already served the
// delivered result wins over err.
func (q *Queue) abandon(w *waiter, err error) (Event, error) {
	q.mu.Lock()
	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return Event{}, err
		}
	}
	q.mu.Unlock()
	res := <-w.ch
	return res.event, res.err
}

// Close fails every waiter with ErrQueueClosed and drops the backlog.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		w.ch <- dequeueResult{err: ErrQueueClosed}
	}
	q.waiters = nil
	q.backlog = nil
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the backlog length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}
