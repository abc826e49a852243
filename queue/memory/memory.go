// Package memory provides in-process queue and cancel set implementations
// used by tests and single-node setups. Jobs are redelivered on nack only
// in the sense that an unacked job was never removed from the buffer; the
// buffer itself is not durable across restarts.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/conduitflow/conduit/queue"
)

// defaultBuffer bounds the number of undelivered jobs.
const defaultBuffer = 1024

// Queue is a channel-backed queue.Queue.
type Queue struct {
	mu     sync.Mutex
	jobs   chan queue.Delivery
	closed bool
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue creates an in-process queue.
func NewQueue() *Queue {
	return &Queue{jobs: make(chan queue.Delivery, defaultBuffer)}
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue is closed")
	}
	q.mu.Unlock()

	d := queue.NewDelivery(job, func(context.Context) error { return nil })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- d:
		return nil
	}
}

// Subscribe implements queue.Queue.
func (q *Queue) Subscribe(context.Context) (<-chan queue.Delivery, error) {
	return q.jobs, nil
}

// Close implements queue.Queue.
func (q *Queue) Close(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	return nil
}

// CancelSet is an in-process queue.CancelSet.
type CancelSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

var _ queue.CancelSet = (*CancelSet)(nil)

// NewCancelSet creates an in-process cancel set.
func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[string]struct{})}
}

// Add implements queue.CancelSet.
func (s *CancelSet) Add(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[workflowID] = struct{}{}
	return nil
}

// Remove implements queue.CancelSet.
func (s *CancelSet) Remove(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, workflowID)
	return nil
}

// Contains implements queue.CancelSet.
func (s *CancelSet) Contains(workflowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[workflowID]
	return ok
}
