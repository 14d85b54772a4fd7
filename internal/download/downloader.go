// Package download implements the fetch stage: it drains each run's image
// queue, fetches and resizes the images, and signals when a run is complete.
package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-image-dedup/internal/imageproc"
	"github.com/JakeFAU/listing-image-dedup/internal/metrics"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Defaults applied by New.
const (
	DefaultPollInterval   = 5 * time.Second
	DefaultBatchWidth     = 100
	DefaultMaxRetries     = 5
	DefaultRequestTimeout = 30 * time.Second
	DefaultResizeWidth    = 300
	DefaultResizeHeight   = 300
)

// Config controls the fetch stage.
type Config struct {
	PollInterval   time.Duration
	BatchWidth     int
	MaxRetries     int
	RequestTimeout time.Duration
	ResizeWidth    int
	ResizeHeight   int
	Headers        map[string]string
}

// SweepResult summarizes one drain of a run's queue.
type SweepResult struct {
	Fetched  int
	Failed   int
	Terminal bool
}

// Downloader is the fetch stage poll loop.
type Downloader struct {
	state   *pipeline.StateStore
	images  pipeline.ImageStore
	fetcher pipeline.Fetcher
	runs    []pipeline.Run
	cfg     Config
	logger  *zap.Logger
}

// New builds a Downloader for the given runs.
func New(
	state *pipeline.StateStore,
	images pipeline.ImageStore,
	fetcher pipeline.Fetcher,
	runs []pipeline.Run,
	cfg Config,
	logger *zap.Logger,
) *Downloader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchWidth <= 0 {
		cfg.BatchWidth = DefaultBatchWidth
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ResizeWidth <= 0 {
		cfg.ResizeWidth = DefaultResizeWidth
	}
	if cfg.ResizeHeight <= 0 {
		cfg.ResizeHeight = DefaultResizeHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		state:   state,
		images:  images,
		fetcher: fetcher,
		runs:    append([]pipeline.Run(nil), runs...),
		cfg:     cfg,
		logger:  logger.Named("download"),
	}
}

// Run sweeps every PollInterval until ctx is done.
func (d *Downloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep drains every run whose fetch stage is not complete.
func (d *Downloader) Sweep(ctx context.Context) {
	for _, run := range d.runs {
		if ctx.Err() != nil {
			return
		}
		logger := d.logger.With(zap.String("run", run.Name))
		complete, err := d.state.FetchComplete(ctx, run.Name)
		if err != nil {
			logger.Error("read fetch state failed", zap.Error(err))
			continue
		}
		if complete {
			continue
		}
		res, err := d.SweepRun(ctx, run.Name)
		if err != nil {
			logger.Error("sweep failed", zap.Error(err))
			continue
		}
		if res.Fetched > 0 || res.Failed > 0 || res.Terminal {
			logger.Info("sweep done",
				zap.Int("fetched", res.Fetched),
				zap.Int("failed", res.Failed),
				zap.Bool("terminal", res.Terminal),
			)
		}
	}
}

// SweepRun drains the run's queue once, fetches the batch and, when the queue
// was empty after the crawl finished, marks the run's fetch stage complete.
func (d *Downloader) SweepRun(ctx context.Context, run string) (SweepResult, error) {
	batch, terminal, drainErr := d.drain(ctx, run)
	res, err := d.fetchBatch(ctx, run, batch)
	if err != nil {
		return res, err
	}
	if drainErr != nil {
		return res, drainErr
	}
	if terminal {
		if err := d.state.MarkFetchComplete(ctx, run); err != nil {
			return res, err
		}
		res.Terminal = true
	}
	return res, nil
}

// drain pops items until the queue is empty. The crawl flag is read before
// every pop, so an empty queue only counts as terminal if the crawl had
// already finished before the pop that found it empty.
func (d *Downloader) drain(ctx context.Context, run string) ([]pipeline.ImageWorkItem, bool, error) {
	var batch []pipeline.ImageWorkItem
	for {
		exhausted, err := d.state.CrawlExhausted(ctx, run)
		if err != nil {
			return batch, false, err
		}
		item, ok, err := d.state.Dequeue(ctx, run)
		if err != nil {
			return batch, false, err
		}
		if !ok {
			return batch, exhausted, nil
		}
		batch = append(batch, item)
	}
}

func (d *Downloader) fetchBatch(ctx context.Context, run string, batch []pipeline.ImageWorkItem) (SweepResult, error) {
	var fetched, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.BatchWidth)
	for _, item := range batch {
		g.Go(func() error {
			err := d.fetchItem(ctx, run, item)
			switch {
			case err == nil:
				fetched.Add(1)
				return nil
			case ctx.Err() != nil:
				// Shutdown: hand the item back instead of counting it.
				if err := d.state.Enqueue(context.WithoutCancel(ctx), item); err != nil {
					return fmt.Errorf("requeue %s: %w", item.ImageURL, err)
				}
				return ctx.Err()
			}
			failed.Add(1)
			d.logger.Info("image counted as unique",
				zap.String("run", run),
				zap.String("url", item.ImageURL),
				zap.Error(err),
			)
			_, err = d.state.AddUnique(ctx, run, 1)
			return err
		})
	}
	err := g.Wait()
	return SweepResult{Fetched: int(fetched.Load()), Failed: int(failed.Load())}, err
}

// fetchItem tries the item up to MaxRetries times. Exhaustion wraps
// pipeline.ErrFetchExhausted and the last attempt's error.
func (d *Downloader) fetchItem(ctx context.Context, run string, item pipeline.ImageWorkItem) error {
	name, err := ImageName(item.ImageURL)
	if err != nil {
		metrics.ObserveImage(run, item.ImageURL, "invalid", 0)
		return fmt.Errorf("%w: %w", pipeline.ErrFetchExhausted, err)
	}
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		n, err := d.tryFetch(ctx, run, name, item.ImageURL)
		if err == nil {
			metrics.ObserveImage(run, item.ImageURL, "ok", n)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		d.logger.Debug("image fetch attempt failed",
			zap.String("run", run),
			zap.String("url", item.ImageURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	metrics.ObserveImage(run, item.ImageURL, "failed", 0)
	return fmt.Errorf("%w after %d attempts: %w", pipeline.ErrFetchExhausted, d.cfg.MaxRetries, lastErr)
}

func (d *Downloader) tryFetch(ctx context.Context, run, name, imageURL string) (int, error) {
	resp, err := d.fetcher.Fetch(ctx, pipeline.FetchRequest{
		Method:  http.MethodGet,
		URL:     imageURL,
		Headers: d.cfg.Headers,
		Timeout: d.cfg.RequestTimeout,
	})
	if err != nil {
		return 0, err
	}
	img, err := imageproc.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return 0, err
	}
	resized := imageproc.Resize(img, d.cfg.ResizeWidth, d.cfg.ResizeHeight)
	if _, err := d.images.Put(ctx, run, name, resized); err != nil {
		return 0, fmt.Errorf("store image: %w", err)
	}
	return len(resp.Body), nil
}

// ImageName derives the stored file name from an image URL: the last path
// segment, percent-decoded.
func ImageName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse image url: %w", err)
	}
	escaped := u.EscapedPath()
	segment := escaped[strings.LastIndexByte(escaped, '/')+1:]
	name, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("unescape image name: %w", err)
	}
	// the image store hides dot-files, so a stored ".x.png" would never be analyzed
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("image url %q has no usable file name", rawURL)
	}
	return name, nil
}
