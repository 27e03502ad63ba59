package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("dispatch queue closed")

const defaultMemoryCapacity = 1024

// MemoryQueue is an in-process FIFO for single-process deployments and tests.
type MemoryQueue struct {
	items chan Token

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding up to capacity tokens.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{items: make(chan Token, capacity)}
}

// Push implements Queue. It blocks while the queue is full.
func (q *MemoryQueue) Push(ctx context.Context, token Token) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop implements Queue.
func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (Token, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case token, ok := <-q.items:
		return token, ok, nil
	case <-timer.C:
		return Token{}, false, nil
	case <-ctx.Done():
		return Token{}, false, ctx.Err()
	}
}

// Len reports the number of queued tokens.
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

// Close implements Queue. Queued tokens remain poppable.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	return nil
}
