// Package crawl implements the crawl stage: it paginates the listing source for
// one run, enqueues the first image of every listing and counts image-less
// listings as unique straight away.
package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/metrics"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Config controls pagination and retry bounds.
type Config struct {
	PageSize            int
	MaxRequestRetries   int
	MaxMalformedRetries int
}

// Result summarizes one completed crawl.
type Result struct {
	Pages     int
	Enqueued  int
	ImageLess int
	Total     int
}

// Crawler runs the crawl stage for a single run at a time.
type Crawler struct {
	state  *pipeline.StateStore
	source pipeline.PageSource
	images pipeline.ImageStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Crawler. images may be nil when no local image directory is kept.
func New(
	state *pipeline.StateStore,
	source pipeline.PageSource,
	images pipeline.ImageStore,
	cfg Config,
	logger *zap.Logger,
) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxRequestRetries <= 0 {
		cfg.MaxRequestRetries = 5
	}
	if cfg.MaxMalformedRetries <= 0 {
		cfg.MaxMalformedRetries = 10
	}
	return &Crawler{
		state:  state,
		source: source,
		images: images,
		cfg:    cfg,
		logger: logger.Named("crawl"),
	}
}

// Run resets the run and pages through the source until an empty page.
// Any returned error leaves the run partially crawled; it must be triggered again.
func (c *Crawler) Run(ctx context.Context, run pipeline.Run) (Result, error) {
	logger := c.logger.With(zap.String("run", run.Name))
	if err := c.reset(ctx, run.Name); err != nil {
		return Result{}, err
	}
	logger.Info("run reset, paging started")

	var (
		res       Result
		skip      int
		malformed int
	)
	for {
		page, err := c.fetchPage(ctx, run, skip)
		if errors.Is(err, pipeline.ErrMalformedPage) {
			malformed++
			metrics.ObservePage(run.Name, "malformed")
			if malformed > c.cfg.MaxMalformedRetries {
				return res, fmt.Errorf("page at offset %d stayed malformed after %d attempts: %w", skip, malformed, err)
			}
			logger.Warn("malformed page, retrying same offset", zap.Int("skip", skip), zap.Error(err))
			continue
		}
		if err != nil {
			metrics.ObservePage(run.Name, "failed")
			return res, err
		}
		malformed = 0
		res.Pages++
		res.Total = page.Total
		metrics.ObservePage(run.Name, "success")
		logger.Debug("page fetched",
			zap.Int("skip", skip),
			zap.Int("listings", len(page.Listings)),
			zap.Int("total", page.Total),
		)

		if len(page.Listings) == 0 {
			if err := c.state.MarkCrawlExhausted(ctx, run.Name); err != nil {
				return res, err
			}
			logger.Info("crawl exhausted",
				zap.Int("pages", res.Pages),
				zap.Int("enqueued", res.Enqueued),
				zap.Int("image_less", res.ImageLess),
				zap.Int("reported_total", res.Total),
			)
			return res, nil
		}

		for _, listing := range page.Listings {
			if err := c.handleListing(ctx, run.Name, listing, &res); err != nil {
				return res, err
			}
		}
		skip += c.cfg.PageSize
	}
}

func (c *Crawler) reset(ctx context.Context, run string) error {
	if err := c.state.Reset(ctx, run); err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}
	if c.images != nil {
		if err := c.images.ResetRun(ctx, run); err != nil {
			return fmt.Errorf("reset run images: %w", err)
		}
	}
	return nil
}

// fetchPage retries transport failures back to back. Malformed pages are
// returned immediately so the caller can apply its own bound.
func (c *Crawler) fetchPage(ctx context.Context, run pipeline.Run, skip int) (pipeline.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRequestRetries; attempt++ {
		page, err := c.source.FetchPage(ctx, run, skip)
		if err == nil || errors.Is(err, pipeline.ErrMalformedPage) {
			return page, err
		}
		if ctx.Err() != nil {
			return pipeline.Page{}, fmt.Errorf("fetch page: %w", ctx.Err())
		}
		lastErr = err
		c.logger.Warn("page request failed",
			zap.String("run", run.Name),
			zap.Int("skip", skip),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return pipeline.Page{}, fmt.Errorf("fetch page at offset %d after %d attempts: %w", skip, c.cfg.MaxRequestRetries, lastErr)
}

func (c *Crawler) handleListing(ctx context.Context, run string, listing pipeline.Listing, res *Result) error {
	if len(listing.Images) == 0 {
		if _, err := c.state.AddUnique(ctx, run, 1); err != nil {
			return err
		}
		res.ImageLess++
		metrics.ObserveListing(run, "no_image")
		return nil
	}
	if err := c.state.Enqueue(ctx, pipeline.ImageWorkItem{RunName: run, ImageURL: listing.Images[0]}); err != nil {
		return err
	}
	res.Enqueued++
	metrics.ObserveListing(run, "image")
	return nil
}
