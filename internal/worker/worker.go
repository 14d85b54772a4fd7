// Package worker runs crawl jobs taken from the crawl queue.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/crawl"
	"github.com/JakeFAU/listing-image-dedup/internal/metrics"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Crawler runs the crawl stage for one run.
type Crawler interface {
	Run(ctx context.Context, run pipeline.Run) (crawl.Result, error)
}

// Queue is the source of crawl jobs.
type Queue interface {
	Dequeue(ctx context.Context) (pipeline.CrawlJob, error)
}

// RunGuard tracks runs with a crawl in progress. Workers sharing a guard never
// crawl the same run concurrently.
type RunGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewRunGuard returns an empty guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{active: make(map[string]bool)}
}

// Acquire marks run active. It returns false if the run is already active.
func (g *RunGuard) Acquire(run string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[run] {
		return false
	}
	g.active[run] = true
	return true
}

// Release marks run idle.
func (g *RunGuard) Release(run string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, run)
}

// Worker consumes crawl jobs and runs them to completion.
type Worker struct {
	queue   Queue
	crawler Crawler
	guard   *RunGuard
	logger  *zap.Logger
}

// New constructs a Worker. A nil guard gives the worker its own.
func New(queue Queue, crawler Crawler, guard *RunGuard, logger *zap.Logger) *Worker {
	if guard == nil {
		guard = NewRunGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		crawler: crawler,
		guard:   guard,
		logger:  logger.Named("worker"),
	}
}

// Run blocks, consuming crawl jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Info("crawl queue closed", zap.Error(err))
			}
			return
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job pipeline.CrawlJob) {
	logger := w.logger.With(zap.String("run", job.Run.Name))
	if !w.guard.Acquire(job.Run.Name) {
		logger.Info("crawl already running, job dropped")
		metrics.ObserveCrawlJob("skipped")
		return
	}
	defer w.guard.Release(job.Run.Name)

	logger.Info("crawl started", zap.Time("submitted", job.Submitted))
	res, err := w.crawler.Run(ctx, job.Run)
	if err != nil {
		// The run stays as it is; another trigger restarts it from a reset.
		logger.Error("crawl failed", zap.Int("pages", res.Pages), zap.Error(err))
		metrics.ObserveCrawlJob("failed")
		return
	}
	logger.Info("crawl finished",
		zap.Int("pages", res.Pages),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("image_less", res.ImageLess),
		zap.Int("reported_total", res.Total),
	)
	metrics.ObserveCrawlJob("done")
}
