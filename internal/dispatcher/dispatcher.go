// Package dispatcher manages crawl worker fan-out over the crawl queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
	"github.com/JakeFAU/listing-image-dedup/internal/worker"
)

// Dispatcher fans out queued crawl jobs to a pool of workers.
type Dispatcher struct {
	queue   pipeline.CrawlQueue
	workers []*worker.Worker
	now     func() time.Time
}

// New creates a Dispatcher.
func New(queue pipeline.CrawlQueue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit enqueues one crawl job per run.
func (d *Dispatcher) Submit(ctx context.Context, runs ...pipeline.Run) error {
	for _, run := range runs {
		job := pipeline.CrawlJob{Run: run, Submitted: d.now()}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("queue enqueue %s: %w", run.Name, err)
		}
	}
	return nil
}
