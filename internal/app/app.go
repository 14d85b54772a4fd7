// Package app builds the long-lived services of the pipeline and runs its stages.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-image-dedup/internal/api"
	"github.com/JakeFAU/listing-image-dedup/internal/clock/system"
	"github.com/JakeFAU/listing-image-dedup/internal/config"
	coordmemory "github.com/JakeFAU/listing-image-dedup/internal/coord/memory"
	coordredis "github.com/JakeFAU/listing-image-dedup/internal/coord/redis"
	"github.com/JakeFAU/listing-image-dedup/internal/crawl"
	"github.com/JakeFAU/listing-image-dedup/internal/dedup"
	"github.com/JakeFAU/listing-image-dedup/internal/dispatcher"
	"github.com/JakeFAU/listing-image-dedup/internal/download"
	"github.com/JakeFAU/listing-image-dedup/internal/embed"
	collyfetcher "github.com/JakeFAU/listing-image-dedup/internal/fetcher/colly"
	"github.com/JakeFAU/listing-image-dedup/internal/id/uuid"
	"github.com/JakeFAU/listing-image-dedup/internal/imageproc"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
	"github.com/JakeFAU/listing-image-dedup/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/listing-image-dedup/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-image-dedup/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/listing-image-dedup/internal/queue/memory"
	"github.com/JakeFAU/listing-image-dedup/internal/registry"
	"github.com/JakeFAU/listing-image-dedup/internal/source/aqar"
	gcsstorage "github.com/JakeFAU/listing-image-dedup/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-image-dedup/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-image-dedup/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-image-dedup/internal/storage/postgres"
	"github.com/JakeFAU/listing-image-dedup/internal/worker"
)

type reportStore interface {
	pipeline.ReportStore
	api.ReportReader
}

// App holds every service the CLI commands share. It is built once at startup.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry   *registry.Registry
	state      *pipeline.StateStore
	crawler    *crawl.Crawler
	downloader *download.Downloader
	engine     *dedup.Engine
	queue      *queuememory.Queue
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server

	redis         *coordredis.Store
	storageClient *storage.Client
	pgReports     *pgstore.ReportStore
	pubsub        *gcppublisher.Publisher
}

// Build creates the application's dependencies from cfg. Close releases them.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("store", a.cfg.Store.Backend),
		zap.String("artifacts", a.cfg.Storage.Artifacts.Backend),
		zap.Int("runs", len(a.cfg.Runs)),
	)

	var err error
	a.registry, err = registry.New(a.cfg.Runs)
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}

	store, err := a.setupStore(ctx)
	if err != nil {
		return err
	}
	a.state = pipeline.NewStateStore(store)

	images, err := localstorage.NewImageStore(a.cfg.Storage.ImagesDir)
	if err != nil {
		return fmt.Errorf("image store init failed: %w", err)
	}

	blobs, err := a.setupArtifacts(ctx)
	if err != nil {
		return err
	}
	reports, err := a.setupReports(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Source.UserAgent,
		Timeout:     a.cfg.Source.RequestTimeout,
		MaxBodySize: a.cfg.Source.MaxBodySize,
	}, ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Source.RateLimit.RPS,
		DefaultBurst: a.cfg.Source.RateLimit.Burst,
	}))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Source.UserAgent),
		zap.Float64("rps", a.cfg.Source.RateLimit.RPS),
	)

	source, err := aqar.New(aqar.Config{
		Endpoint:         a.cfg.Source.Endpoint,
		ImageURLTemplate: a.cfg.Source.ImageURLTemplate,
		PageSize:         a.cfg.Crawl.PageSize,
		AppVersion:       a.cfg.Source.AppVersion,
		RequestTimeout:   a.cfg.Source.RequestTimeout,
	}, fetcher)
	if err != nil {
		return fmt.Errorf("listing source init failed: %w", err)
	}

	a.crawler = crawl.New(a.state, source, images, crawl.Config{
		PageSize:            a.cfg.Crawl.PageSize,
		MaxRequestRetries:   a.cfg.Crawl.MaxRequestRetries,
		MaxMalformedRetries: a.cfg.Crawl.MaxMalformedRetries,
	}, a.logger)

	a.downloader = download.New(a.state, images, fetcher, a.registry.List(), download.Config{
		PollInterval:   a.cfg.Fetch.PollInterval,
		BatchWidth:     a.cfg.Fetch.BatchWidth,
		MaxRetries:     a.cfg.Fetch.MaxRetries,
		RequestTimeout: a.cfg.Fetch.RequestTimeout,
		ResizeWidth:    a.cfg.Fetch.ResizeWidth,
		ResizeHeight:   a.cfg.Fetch.ResizeHeight,
	}, a.logger)

	a.engine, err = dedup.New(dedup.Deps{
		State:     a.state,
		Images:    images,
		Embedder:  embed.NewThumbnail(a.cfg.Dedup.GridSize),
		Renderer:  imageproc.NewPairRenderer(a.cfg.Dedup.ArtifactHeight),
		Blobs:     blobs,
		Reports:   reports,
		Publisher: publisher,
		IDs:       uuid.New(),
		Clock:     system.New(),
	}, a.registry.List(), dedup.Config{
		Threshold:    a.cfg.Dedup.Threshold,
		PollInterval: a.cfg.Dedup.PollInterval,
		Topic:        a.cfg.PubSub.Topic,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("dedup engine init failed: %w", err)
	}

	a.queue = queuememory.NewQueue(a.cfg.Crawl.QueueDepth)
	guard := worker.NewRunGuard()
	workers := make([]*worker.Worker, 0, a.cfg.Crawl.Workers)
	for i := 0; i < a.cfg.Crawl.Workers; i++ {
		workers = append(workers, worker.New(a.queue, a.crawler, guard, a.logger.With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers)

	a.apiServer = api.NewServer(a.registry, a.dispatch, a.state, reports, api.Config{
		TriggerHeader:  a.cfg.API.TriggerHeader,
		TriggerSecret:  a.cfg.API.TriggerSecret,
		RequestTimeout: a.cfg.API.RequestTimeout,
	}, a.logger.Named("api"))
	if a.redis != nil {
		a.apiServer.AddReadinessCheck("redis", a.redis.Ping)
	}
	return nil
}

func (a *App) setupStore(ctx context.Context) (pipeline.Store, error) {
	switch a.cfg.Store.Backend {
	case "redis":
		store, err := coordredis.New(ctx, coordredis.Config{
			Addr:     a.cfg.Store.Redis.Addr,
			Password: a.cfg.Store.Redis.Password,
			DB:       a.cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		a.redis = store
		a.logger.Info("using redis coordination store", zap.String("addr", a.cfg.Store.Redis.Addr))
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory coordination store, state is lost on exit and not shared between processes")
		return coordmemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown coordination store backend %q", a.cfg.Store.Backend)
	}
}

func (a *App) setupArtifacts(ctx context.Context) (pipeline.BlobStore, error) {
	artifacts := a.cfg.Storage.Artifacts
	switch artifacts.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: artifacts.Bucket, Prefix: artifacts.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS artifact backend",
			zap.String("bucket", artifacts.Bucket),
			zap.String("prefix", artifacts.Prefix),
		)
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: artifacts.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("local artifact backend", zap.String("path", artifacts.Dir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory artifact backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupReports(ctx context.Context) (reportStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping run reports in memory")
		return memorystorage.NewReportStore(), nil
	}
	store, err := pgstore.NewReportStore(ctx, pgstore.ReportStoreConfig{
		DSN:      a.cfg.Database.DSN,
		Table:    a.cfg.Database.Table,
		MaxConns: a.cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("report store init failed: %w", err)
	}
	a.pgReports = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("report store schema failed: %w", err)
	}
	a.logger.Info("report store initialized", zap.String("table", a.cfg.Database.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = publisher
	if err := publisher.VerifyTopic(ctx, a.cfg.PubSub.Topic); err != nil {
		return nil, fmt.Errorf("pubsub topic check failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return publisher, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP API and the crawl workers until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawl.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			err = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("server shutdown error", zap.Error(shutdownErr))
	}
	cancel()
	<-done
	return err
}

// Crawl runs the crawl stage for one named run and waits for it to finish.
func (a *App) Crawl(ctx context.Context, name string) (crawl.Result, error) {
	run, err := a.registry.Lookup(name)
	if err != nil {
		return crawl.Result{}, err
	}
	res, err := a.crawler.Run(ctx, run)
	if err != nil {
		return res, fmt.Errorf("crawl %s: %w", run.Name, err)
	}
	a.logger.Info("crawl finished",
		zap.String("run", run.Name),
		zap.Int("pages", res.Pages),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("image_less", res.ImageLess),
	)
	return res, nil
}

// Fetch runs the fetch stage poll loop until ctx is canceled.
func (a *App) Fetch(ctx context.Context) error {
	return a.downloader.Run(ctx)
}

// Analyze runs the dedup engine poll loop until ctx is canceled.
func (a *App) Analyze(ctx context.Context) error {
	return a.engine.Run(ctx)
}

// All runs the API, the crawl workers and both poll loops in one process.
// The first loop to fail stops the others.
func (a *App) All(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Serve(ctx) })
	g.Go(func() error { return a.Fetch(ctx) })
	g.Go(func() error { return a.Analyze(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Submit enqueues crawl jobs for the named runs, or for every run when names is empty.
func (a *App) Submit(ctx context.Context, names ...string) error {
	runs := a.registry.List()
	if len(names) > 0 {
		runs = runs[:0]
		for _, name := range names {
			run, err := a.registry.Lookup(name)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
	}
	return a.dispatch.Submit(ctx, runs...)
}

// Close releases every client Build opened. It is safe on a partially built App.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgReports != nil {
		a.pgReports.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
