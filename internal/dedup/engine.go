package dedup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/embed"
	"github.com/JakeFAU/listing-image-dedup/internal/metrics"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// EventRunAnalyzed is the event type published after a run's analysis is done.
const EventRunAnalyzed = "run.analyzed"

// Config controls the engine.
type Config struct {
	// Threshold is used as given, zero included. Callers wanting the usual
	// cut-off pass DefaultThreshold.
	Threshold    float64
	PollInterval time.Duration
	// Topic receives run.analyzed events. Empty disables publishing.
	Topic string
}

// Deps are the collaborators of an Engine. State, Images and Embedder are
// required; the rest may be nil.
type Deps struct {
	State     *pipeline.StateStore
	Images    pipeline.ImageStore
	Embedder  pipeline.Embedder
	Renderer  pipeline.PairRenderer
	Blobs     pipeline.BlobStore
	Reports   pipeline.ReportStore
	Publisher pipeline.Publisher
	IDs       pipeline.IDGenerator
	Clock     pipeline.Clock
}

// AnalyzedEvent is the payload published for a finished run.
type AnalyzedEvent struct {
	Event       string    `json:"event"`
	AnalysisID  string    `json:"analysis_id"`
	Run         string    `json:"run"`
	Kept        int       `json:"kept"`
	Removed     int       `json:"removed"`
	UniqueCount int64     `json:"unique_count"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Attributes labels the message so subscribers can filter without decoding it.
func (a AnalyzedEvent) Attributes() map[string]string {
	return map[string]string{"event": a.Event, "run": a.Run}
}

// Engine polls the runs and analyses each one whose fetch stage is complete.
type Engine struct {
	deps   Deps
	runs   []pipeline.Run
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// New builds an Engine for the given runs.
func New(deps Deps, runs []pipeline.Run, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.State == nil || deps.Images == nil || deps.Embedder == nil {
		return nil, errors.New("state store, image store and embedder are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		deps:    deps,
		runs:    append([]pipeline.Run(nil), runs...),
		cfg:     cfg,
		logger:  logger.Named("dedup"),
		running: make(map[string]bool),
	}, nil
}

// Run clears the artifact store, then sweeps every PollInterval until ctx is
// done. It waits for in-flight analyses before returning.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Blobs != nil {
		if err := e.deps.Blobs.Clear(ctx); err != nil {
			return fmt.Errorf("clear artifacts: %w", err)
		}
	}
	defer e.Wait()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep claims every run that is ready for analysis and starts one goroutine
// per claimed run. It returns the names of the runs it launched.
func (e *Engine) Sweep(ctx context.Context) []string {
	var launched []string
	for _, run := range e.runs {
		if ctx.Err() != nil {
			break
		}
		logger := e.logger.With(zap.String("run", run.Name))
		state, err := e.deps.State.Load(ctx, run.Name)
		if err != nil {
			logger.Error("load run state failed", zap.Error(err))
			continue
		}
		if !state.ReadyForAnalysis() {
			continue
		}
		if !e.markRunning(run.Name) {
			continue
		}
		claimed, err := e.deps.State.BeginAnalysis(ctx, run.Name)
		if err != nil || !claimed {
			e.clearRunning(run.Name)
			if err != nil {
				logger.Error("claim run failed", zap.Error(err))
			} else {
				logger.Debug("run claimed elsewhere")
			}
			continue
		}
		launched = append(launched, run.Name)
		e.wg.Add(1)
		go func(name string) {
			defer e.wg.Done()
			defer e.clearRunning(name)
			if _, err := e.Analyze(ctx, name); err != nil && !errors.Is(err, pipeline.ErrAnalysisSuperseded) {
				e.logger.Error("analysis failed", zap.String("run", name), zap.Error(err))
			}
		}(run.Name)
	}
	return launched
}

// Wait blocks until every launched analysis has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Analyze runs the dedup algorithm for a run that is already claimed. An
// embedding failure aborts the analysis and leaves the run started.
func (e *Engine) Analyze(ctx context.Context, run string) (pipeline.RunReport, error) {
	logger := e.logger.With(zap.String("run", run))
	metrics.IncActiveAnalyses()
	defer metrics.DecActiveAnalyses()
	startedAt := e.now()

	samples, err := e.deps.Images.List(ctx, run)
	if err != nil {
		metrics.ObserveAnalysis("failed")
		return pipeline.RunReport{}, fmt.Errorf("list samples: %w", err)
	}
	logger.Info("analysis started", zap.Int("samples", len(samples)))

	vectors := make([][]float64, 0, len(samples))
	for _, s := range samples {
		vec, err := e.deps.Embedder.Embed(ctx, s)
		if err != nil {
			metrics.ObserveAnalysis("failed")
			return pipeline.RunReport{}, fmt.Errorf("embed sample %s: %w", s.Name, err)
		}
		vectors = append(vectors, vec)
	}
	matrix, err := embed.SimilarityMatrix(vectors)
	if err != nil {
		metrics.ObserveAnalysis("failed")
		return pipeline.RunReport{}, fmt.Errorf("similarity matrix: %w", err)
	}
	part, err := Split(samples, matrix, e.cfg.Threshold)
	if err != nil {
		metrics.ObserveAnalysis("failed")
		return pipeline.RunReport{}, fmt.Errorf("partition samples: %w", err)
	}

	pairs := make([]pipeline.DuplicatePair, 0, len(part.Pairs))
	for _, p := range part.Pairs {
		keeper, dup := part.Samples[p.Keeper], part.Samples[p.Duplicate]
		pairs = append(pairs, pipeline.DuplicatePair{
			KeeperID:    keeper.ID,
			DuplicateID: dup.ID,
			Similarity:  p.Similarity,
			ArtifactURI: e.writeArtifact(ctx, logger, run, keeper, dup),
		})
	}

	total, err := e.deps.State.FinishAnalysis(ctx, run, len(part.Kept))
	if errors.Is(err, pipeline.ErrAnalysisSuperseded) {
		logger.Warn("run was reset during analysis, result discarded", zap.Int("kept", len(part.Kept)))
		metrics.ObserveAnalysis("superseded")
		return pipeline.RunReport{}, err
	}
	if err != nil {
		metrics.ObserveAnalysis("failed")
		return pipeline.RunReport{}, fmt.Errorf("finish analysis: %w", err)
	}
	metrics.ObserveAnalysis("done")
	metrics.ObserveDuplicates(run, len(part.Removed))
	metrics.SetUniqueCount(run, total)
	logger.Info("analysis done",
		zap.Int("kept", len(part.Kept)),
		zap.Int("removed", len(part.Removed)),
		zap.Int64("unique_count", total),
	)

	report := pipeline.RunReport{
		AnalysisID:  e.newID(logger),
		Run:         run,
		Samples:     part.Samples,
		Pairs:       pairs,
		Kept:        len(part.Kept),
		Removed:     len(part.Removed),
		UniqueCount: total,
		StartedAt:   startedAt,
		FinishedAt:  e.now(),
	}
	e.record(ctx, logger, report)
	return report, nil
}

// writeArtifact renders and uploads one comparison. Failures are logged and
// yield an empty URI.
func (e *Engine) writeArtifact(ctx context.Context, logger *zap.Logger, run string, keeper, dup pipeline.Sample) string {
	if e.deps.Renderer == nil || e.deps.Blobs == nil {
		return ""
	}
	name := ArtifactName(run, keeper.Name, dup.Name)
	data, err := e.deps.Renderer.RenderPair(ctx, keeper, dup)
	if err != nil {
		logger.Warn("render artifact failed", zap.String("artifact", name), zap.Error(err))
		return ""
	}
	uri, err := e.deps.Blobs.PutObject(ctx, name, "image/png", bytes.NewReader(data))
	if err != nil {
		logger.Warn("upload artifact failed", zap.String("artifact", name), zap.Error(err))
		return ""
	}
	return uri
}

// record persists the report and publishes the completion event. The run is
// already done at this point so failures are only logged.
func (e *Engine) record(ctx context.Context, logger *zap.Logger, report pipeline.RunReport) {
	if e.deps.Reports != nil {
		if err := e.deps.Reports.SaveReport(ctx, report); err != nil {
			logger.Error("save report failed", zap.Error(err))
		}
	}
	if e.deps.Publisher == nil || e.cfg.Topic == "" {
		return
	}
	msgID, err := e.deps.Publisher.Publish(ctx, e.cfg.Topic, AnalyzedEvent{
		Event:       EventRunAnalyzed,
		AnalysisID:  report.AnalysisID,
		Run:         report.Run,
		Kept:        report.Kept,
		Removed:     report.Removed,
		UniqueCount: report.UniqueCount,
		FinishedAt:  report.FinishedAt,
	})
	if err != nil {
		logger.Error("publish run analyzed failed", zap.Error(err))
		return
	}
	logger.Debug("published run analyzed", zap.String("message_id", msgID))
}

// ArtifactName returns "<run>_<keeper>_<duplicate>.png", using each file name
// up to its first dot.
func ArtifactName(run, keeper, duplicate string) string {
	return fmt.Sprintf("%s_%s_%s.png", run, stem(keeper), stem(duplicate))
}

func stem(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func (e *Engine) markRunning(run string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[run] {
		return false
	}
	e.running[run] = true
	return true
}

func (e *Engine) clearRunning(run string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, run)
}

func (e *Engine) now() time.Time {
	if e.deps.Clock == nil {
		return time.Now().UTC()
	}
	return e.deps.Clock.Now()
}

func (e *Engine) newID(logger *zap.Logger) string {
	if e.deps.IDs == nil {
		return ""
	}
	id, err := e.deps.IDs.NewID()
	if err != nil {
		logger.Warn("generate analysis id failed", zap.Error(err))
		return ""
	}
	return id
}
