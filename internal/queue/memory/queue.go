// Package memory provides the in-process crawl job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// ErrClosed is returned by Dequeue after Close once the queue is drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan pipeline.CrawlJob
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan pipeline.CrawlJob, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
// A send blocked on a full queue returns ErrClosed once Close is called.
func (q *Queue) Enqueue(ctx context.Context, job pipeline.CrawlJob) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.CrawlJob, error) {
	select {
	case <-ctx.Done():
		return pipeline.CrawlJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		// drain what was queued before Close
		select {
		case job := <-q.ch:
			return job, nil
		default:
			return pipeline.CrawlJob{}, ErrClosed
		}
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue for shutdown. Queued jobs stay available to Dequeue.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}
