package pipeline

import (
	"context"
	"image"
	"io"
	"time"
)

// Store is the shared coordination store. Every operation is scoped to one run.
type Store interface {
	GetFlag(ctx context.Context, run, key string) (string, bool, error)
	SetFlag(ctx context.Context, run, key, value string) error
	// CompareAndSetFlag sets key to value only if it currently equals old.
	// An empty old matches an absent field.
	CompareAndSetFlag(ctx context.Context, run, key, old, value string) (bool, error)
	Increment(ctx context.Context, run, key string, delta int64) (int64, error)
	Enqueue(ctx context.Context, item ImageWorkItem) error
	// Dequeue pops the next item for run. An empty queue returns ok=false and no error.
	Dequeue(ctx context.Context, run string) (ImageWorkItem, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PageSource returns pages of listings for a run.
type PageSource interface {
	FetchPage(ctx context.Context, run Run, skip int) (Page, error)
}

// FetchRequest describes a single HTTP exchange.
type FetchRequest struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration
}

// FetchResponse is the result of a FetchRequest.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs HTTP exchanges for the source and the fetch stage.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// ImageStore holds the fetched images of every run.
type ImageStore interface {
	ResetRun(ctx context.Context, run string) error
	Put(ctx context.Context, run, name string, img image.Image) (string, error)
	// List returns the run's samples in a stable order.
	List(ctx context.Context, run string) ([]Sample, error)
}

// BlobStore writes duplicate-comparison artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Clear(ctx context.Context) error
}

// Embedder turns a sample into a fixed-length feature vector.
type Embedder interface {
	Embed(ctx context.Context, sample Sample) ([]float64, error)
}

// PairRenderer renders a side-by-side comparison of two samples as PNG bytes.
type PairRenderer interface {
	RenderPair(ctx context.Context, keeper, duplicate Sample) ([]byte, error)
}

// ReportStore persists completed analyses.
type ReportStore interface {
	SaveReport(ctx context.Context, report RunReport) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CrawlQueue carries crawl jobs from the trigger surface to crawl workers.
type CrawlQueue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Dequeue(ctx context.Context) (CrawlJob, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces analysis IDs.
type IDGenerator interface {
	NewID() (string, error)
}
