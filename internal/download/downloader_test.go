package download

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-image-dedup/internal/coord/memory"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
	"github.com/JakeFAU/listing-image-dedup/internal/storage/local"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(40, 20, color.NRGBA{R: 200, A: 255}), imaging.PNG))
	return buf.Bytes()
}

// fakeFetcher serves body for every URL except those listed in failing.
type fakeFetcher struct {
	body    []byte
	failing map[string]bool
	delay   time.Duration

	mu       sync.Mutex
	attempts map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[req.URL]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return pipeline.FetchResponse{}, ctx.Err()
		}
	}
	if f.failing[req.URL] {
		return pipeline.FetchResponse{}, errors.New("503 from cdn")
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: 200, Body: f.body}, nil
}

func (f *fakeFetcher) attemptsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

type fixture struct {
	store   *memory.Store
	state   *pipeline.StateStore
	images  *local.ImageStore
	fetcher *fakeFetcher
}

func newFixture(t *testing.T, fetcher *fakeFetcher) *fixture {
	t.Helper()
	images, err := local.NewImageStore(t.TempDir())
	require.NoError(t, err)
	store := memory.NewStore()
	return &fixture{store: store, state: pipeline.NewStateStore(store), images: images, fetcher: fetcher}
}

func (f *fixture) downloader(cfg Config, runs ...string) *Downloader {
	regs := make([]pipeline.Run, 0, len(runs))
	for _, r := range runs {
		regs = append(regs, pipeline.Run{Name: r})
	}
	return New(f.state, f.images, f.fetcher, regs, cfg, nil)
}

func (f *fixture) enqueue(t *testing.T, run string, urls ...string) {
	t.Helper()
	for _, u := range urls {
		require.NoError(t, f.state.Enqueue(context.Background(), pipeline.ImageWorkItem{RunName: run, ImageURL: u}))
	}
}

func TestSweepRunMarksCompleteOnlyAfterCrawlExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: pngBytes(t)})
	ctx := context.Background()
	require.NoError(t, f.state.Reset(ctx, "r1"))
	f.enqueue(t, "r1", "https://img.example/props/a.jpg", "https://img.example/props/b.jpg")
	d := f.downloader(Config{}, "r1")

	res, err := d.SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, SweepResult{Fetched: 2}, res)
	complete, err := f.state.FetchComplete(ctx, "r1")
	require.NoError(t, err)
	require.False(t, complete)

	require.NoError(t, f.state.MarkCrawlExhausted(ctx, "r1"))
	res, err = d.SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, SweepResult{Terminal: true}, res)
	complete, err = f.state.FetchComplete(ctx, "r1")
	require.NoError(t, err)
	require.True(t, complete)

	samples, err := f.images.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, "a.jpg", samples[0].Name)

	img, err := imaging.Open(samples[0].Path)
	require.NoError(t, err)
	require.Equal(t, DefaultResizeWidth, img.Bounds().Dx())
	require.Equal(t, DefaultResizeHeight, img.Bounds().Dy())
}

// racingStore simulates the crawl finishing between the flag read and the pop.
type racingStore struct {
	*memory.Store
	once sync.Once
}

func (s *racingStore) Dequeue(ctx context.Context, run string) (pipeline.ImageWorkItem, bool, error) {
	item, ok, err := s.Store.Dequeue(ctx, run)
	if !ok && err == nil {
		s.once.Do(func() {
			_ = s.Store.SetFlag(ctx, run, pipeline.KeyCrawlExhausted, "true")
		})
	}
	return item, ok, err
}

func TestSweepRunReadsCrawlFlagBeforePop(t *testing.T) {
	t.Parallel()

	images, err := local.NewImageStore(t.TempDir())
	require.NoError(t, err)
	store := &racingStore{Store: memory.NewStore()}
	state := pipeline.NewStateStore(store)
	ctx := context.Background()
	require.NoError(t, state.Reset(ctx, "r1"))

	d := New(state, images, &fakeFetcher{}, []pipeline.Run{{Name: "r1"}}, Config{}, nil)

	// The crawl finished only after the flag was read, so this sweep must not
	// close the run: an item could have been pushed in between.
	res, err := d.SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.False(t, res.Terminal)

	res, err = d.SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.True(t, res.Terminal)
}

func TestSweepRunCountsExhaustedItemsAsUnique(t *testing.T) {
	t.Parallel()

	bad := "https://img.example/props/broken.jpg"
	f := newFixture(t, &fakeFetcher{body: pngBytes(t), failing: map[string]bool{bad: true}})
	ctx := context.Background()
	require.NoError(t, f.state.Reset(ctx, "r1"))
	require.NoError(t, f.state.MarkCrawlExhausted(ctx, "r1"))
	f.enqueue(t, "r1", "https://img.example/props/ok.jpg", bad)

	res, err := f.downloader(Config{MaxRetries: 3}, "r1").SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, SweepResult{Fetched: 1, Failed: 1, Terminal: true}, res)
	require.Equal(t, 3, f.fetcher.attemptsFor(bad))
	require.Equal(t, 1, f.fetcher.attemptsFor("https://img.example/props/ok.jpg"))

	n, err := f.state.UniqueCount(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSweepRunCountsDotNamedImagesAsUnique(t *testing.T) {
	t.Parallel()

	hidden := "https://img.example/props/.abc.png"
	f := newFixture(t, &fakeFetcher{body: pngBytes(t)})
	ctx := context.Background()
	require.NoError(t, f.state.Reset(ctx, "r1"))
	require.NoError(t, f.state.MarkCrawlExhausted(ctx, "r1"))
	f.enqueue(t, "r1", hidden, "https://img.example/props/def.png")

	res, err := f.downloader(Config{MaxRetries: 2}, "r1").SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, SweepResult{Fetched: 1, Failed: 1, Terminal: true}, res)
	require.Zero(t, f.fetcher.attemptsFor(hidden))

	// every enqueued image is either listed for analysis or already counted
	samples, err := f.images.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "def.png", samples[0].Name)
	n, err := f.state.UniqueCount(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(2), int64(len(samples))+n)
}

func TestFetchItemRetriesUndecodableBodies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: []byte("<html>captcha</html>")})
	d := f.downloader(Config{MaxRetries: 2}, "r1")
	url := "https://img.example/props/a.jpg"

	err := d.fetchItem(context.Background(), "r1", pipeline.ImageWorkItem{RunName: "r1", ImageURL: url})
	require.ErrorIs(t, err, pipeline.ErrFetchExhausted)
	require.Equal(t, 2, f.fetcher.attemptsFor(url))
}

func TestSweepSkipsCompletedRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: pngBytes(t)})
	ctx := context.Background()
	require.NoError(t, f.state.Reset(ctx, "done"))
	require.NoError(t, f.state.MarkFetchComplete(ctx, "done"))
	f.enqueue(t, "done", "https://img.example/props/late.jpg")

	f.downloader(Config{}, "done").Sweep(ctx)
	require.Equal(t, 1, f.store.QueueLen("done"))
	require.Zero(t, f.fetcher.attemptsFor("https://img.example/props/late.jpg"))
}

func TestSweepRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: pngBytes(t), delay: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.state.Reset(ctx, "r1"))
	for i := 0; i < 10; i++ {
		f.enqueue(t, "r1", "https://img.example/props/"+string(rune('a'+i))+".jpg")
	}

	res, err := f.downloader(Config{BatchWidth: 3}, "r1").SweepRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 10, res.Fetched)
	require.LessOrEqual(t, f.fetcher.peak.Load(), int32(3))
	require.Greater(t, f.fetcher.peak.Load(), int32(1))
}

func TestSweepRunRequeuesOnShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: pngBytes(t), delay: time.Minute})
	require.NoError(t, f.state.Reset(context.Background(), "r1"))
	f.enqueue(t, "r1", "https://img.example/props/a.jpg", "https://img.example/props/b.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.downloader(Config{}, "r1").SweepRun(ctx, "r1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, 2, f.store.QueueLen("r1"))
	n, err := f.state.UniqueCount(context.Background(), "r1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeFetcher{body: pngBytes(t)})
	require.NoError(t, f.state.Reset(context.Background(), "r1"))
	require.NoError(t, f.state.MarkCrawlExhausted(context.Background(), "r1"))
	f.enqueue(t, "r1", "https://img.example/props/a.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.downloader(Config{PollInterval: 10 * time.Millisecond}, "r1").Run(ctx) }()

	require.Eventually(t, func() bool {
		complete, err := f.state.FetchComplete(context.Background(), "r1")
		return err == nil && complete
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("downloader did not stop")
	}
}

func TestImageName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://images.aqar.fm/webp/300x0/props/abc.jpg":       "abc.jpg",
		"https://images.aqar.fm/webp/300x0/props/a%20b%2Bc.jpg": "a b+c.jpg",
		"https://img.example/x/y.webp?w=300":                    "y.webp",
	}
	for in, want := range cases {
		got, err := ImageName(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"https://img.example/dir/", "https://img.example/a%2Fb", "::", "https://img.example/props/.abc.png", "https://img.example/.."} {
		_, err := ImageName(bad)
		require.Error(t, err, bad)
	}
}
