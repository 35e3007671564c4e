package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue hands execution ids from the service to the worker pool. A
// non-zero delay holds the id back before making it available.
type Queue interface {
	Enqueue(ctx context.Context, executionID string, delay time.Duration) error
	// Dequeue blocks until an id is available, the context ends, or the
	// queue closes.
	Dequeue(ctx context.Context) (string, error)
	Close()
}

// MemoryQueue is a channel-backed Queue for single-process deployments.
// Delayed items are armed with a timer; Close drops timers that have
// not fired.
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, executionID string, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if delay > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, timer)
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case q.ch <- executionID:
			case <-q.done:
			}
		})
		q.timers[timer] = struct{}{}
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- executionID:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		// Drain whatever is already buffered before reporting closed.
		select {
		case id := <-q.ch:
			return id, nil
		default:
			return "", ErrQueueClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.done)
}

var _ Queue = (*MemoryQueue)(nil)
