package crawl

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-image-dedup/internal/coord/memory"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

type step struct {
	page pipeline.Page
	err  error
}

// scriptedSource replays steps in order and records the offsets it was asked for.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	skips []int
}

func (s *scriptedSource) FetchPage(_ context.Context, _ pipeline.Run, skip int) (pipeline.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, skip)
	if len(s.steps) == 0 {
		return pipeline.Page{}, nil
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	return next.page, next.err
}

type recordingImages struct {
	resets []string
}

func (r *recordingImages) ResetRun(_ context.Context, run string) error {
	r.resets = append(r.resets, run)
	return nil
}

func (r *recordingImages) Put(context.Context, string, string, image.Image) (string, error) {
	return "", nil
}

func (r *recordingImages) List(context.Context, string) ([]pipeline.Sample, error) {
	return nil, nil
}

func page(listings ...pipeline.Listing) step {
	return step{page: pipeline.Page{Listings: listings, Total: 3}}
}

func listing(images ...string) pipeline.Listing {
	return pipeline.Listing{Images: images}
}

var r1 = pipeline.Run{Name: "r1", Category: 3, City: 21}

func newCrawler(t *testing.T, src *scriptedSource, cfg Config) (*Crawler, *memory.Store, *pipeline.StateStore, *recordingImages) {
	t.Helper()
	store := memory.NewStore()
	state := pipeline.NewStateStore(store)
	images := &recordingImages{}
	return New(state, src, images, cfg, nil), store, state, images
}

func TestCrawlerEndToEndScenario(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		page(listing(), listing("a"), listing("b")),
		page(),
	}}
	c, store, state, images := newCrawler(t, src, Config{PageSize: 3})
	ctx := context.Background()

	res, err := c.Run(ctx, r1)
	require.NoError(t, err)
	require.Equal(t, Result{Pages: 2, Enqueued: 2, ImageLess: 1, Total: 3}, res)
	require.Equal(t, []string{"r1"}, images.resets)

	got, err := state.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunState{
		Run:            "r1",
		CrawlExhausted: true,
		FetchComplete:  false,
		Analysis:       pipeline.AnalysisUnset,
		UniqueCount:    1,
	}, got)
	require.Equal(t, 2, store.QueueLen("r1"))
}

func TestCrawlerResetIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{page(listing("fresh")), page()}}
	c, store, state, _ := newCrawler(t, src, Config{PageSize: 50})
	ctx := context.Background()

	// stale state from an earlier, completed pipeline pass
	require.NoError(t, store.SetFlag(ctx, "r1", pipeline.KeyUniqueCount, "7"))
	require.NoError(t, store.SetFlag(ctx, "r1", pipeline.KeyCrawlExhausted, "true"))
	require.NoError(t, store.SetFlag(ctx, "r1", pipeline.KeyFetchComplete, "true"))
	require.NoError(t, store.SetFlag(ctx, "r1", pipeline.KeyAnalysis, "true"))
	require.NoError(t, store.Enqueue(ctx, pipeline.ImageWorkItem{RunName: "r1", ImageURL: "stale-1"}))
	require.NoError(t, store.Enqueue(ctx, pipeline.ImageWorkItem{RunName: "r1", ImageURL: "stale-2"}))

	_, err := c.Run(ctx, r1)
	require.NoError(t, err)

	got, err := state.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(0), got.UniqueCount)
	require.False(t, got.FetchComplete)
	require.Equal(t, pipeline.AnalysisUnset, got.Analysis)
	require.Equal(t, 1, store.QueueLen("r1"))

	item, ok, err := store.Dequeue(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", item.ImageURL)
}

func TestCrawlerEnqueuesOnlyFirstImage(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{page(listing("first", "second", "third")), page()}}
	c, store, _, _ := newCrawler(t, src, Config{})
	ctx := context.Background()

	_, err := c.Run(ctx, r1)
	require.NoError(t, err)
	require.Equal(t, 1, store.QueueLen("r1"))
	item, _, err := store.Dequeue(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, pipeline.ImageWorkItem{RunName: "r1", ImageURL: "first"}, item)
}

func TestCrawlerAdvancesByPageSizeRegardlessOfCount(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		page(listing("a")),
		page(listing("b"), listing()),
		page(),
	}}
	c, _, _, _ := newCrawler(t, src, Config{PageSize: 50})

	_, err := c.Run(context.Background(), r1)
	require.NoError(t, err)
	require.Equal(t, []int{0, 50, 100}, src.skips)
}

func TestCrawlerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	src := &scriptedSource{steps: []step{
		{err: boom},
		{err: boom},
		page(listing()),
		page(),
	}}
	c, _, state, _ := newCrawler(t, src, Config{MaxRequestRetries: 3})

	_, err := c.Run(context.Background(), r1)
	require.NoError(t, err)
	require.Equal(t, []int{0, 0, 0, 50}, src.skips)

	n, err := state.UniqueCount(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCrawlerRetryExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	src := &scriptedSource{steps: []step{{err: boom}, {err: boom}, page()}}
	c, _, state, _ := newCrawler(t, src, Config{MaxRequestRetries: 2})
	ctx := context.Background()

	_, err := c.Run(ctx, r1)
	require.ErrorIs(t, err, boom)

	exhausted, err := state.CrawlExhausted(ctx, "r1")
	require.NoError(t, err)
	require.False(t, exhausted)
}

func TestCrawlerRetriesMalformedPageAtSameOffset(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		page(listing("a")),
		{err: pipeline.ErrMalformedPage},
		{err: pipeline.ErrMalformedPage},
		page(listing("b")),
		page(),
	}}
	c, store, _, _ := newCrawler(t, src, Config{PageSize: 10, MaxRequestRetries: 1, MaxMalformedRetries: 2})

	_, err := c.Run(context.Background(), r1)
	require.NoError(t, err)
	require.Equal(t, []int{0, 10, 10, 10, 20}, src.skips)
	require.Equal(t, 2, store.QueueLen("r1"))
}

func TestCrawlerMalformedBoundIsFatal(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{
		{err: pipeline.ErrMalformedPage},
		{err: pipeline.ErrMalformedPage},
		page(),
	}}
	c, _, _, _ := newCrawler(t, src, Config{MaxMalformedRetries: 1})

	_, err := c.Run(context.Background(), r1)
	require.ErrorIs(t, err, pipeline.ErrMalformedPage)
}

func TestCrawlerStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{steps: []step{{err: context.Canceled}}}
	c, _, _, _ := newCrawler(t, src, Config{MaxRequestRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx, r1)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, src.skips, 1)
}
