// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Fetcher implements pipeline.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	// The same page offset and the same image URL are requested again on retry,
	// so the visited filter must stay off.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP exchange using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if request.URL == "" {
		return pipeline.FetchResponse{}, fmt.Errorf("fetch request url is required")
	}
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return pipeline.FetchResponse{}, err
		}
	}

	var (
		result   pipeline.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return pipeline.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request pipeline.FetchRequest,
	start time.Time,
	result *pipeline.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request pipeline.FetchRequest,
	start time.Time,
	result *pipeline.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = pipeline.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &StatusError{StatusCode: r.StatusCode, URL: request.URL}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request pipeline.FetchRequest,
	fetchErr *error,
) error {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request pipeline.FetchRequest, r *colly.Request) {
	for key, value := range request.Headers {
		r.Headers.Set(key, value)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
}
