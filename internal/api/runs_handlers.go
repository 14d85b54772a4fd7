package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

const runsTimeout = 3 * time.Second

// StateLoader reads a run's coordination state.
type StateLoader interface {
	Load(ctx context.Context, run string) (pipeline.RunState, error)
}

// ReportReader returns a run's latest analysis report. Implementations return
// an error wrapping pipeline.ErrReportNotFound when none exists.
type ReportReader interface {
	Latest(ctx context.Context, run string) (pipeline.RunReport, error)
}

// RunsHandler exposes read-only run state endpoints.
type RunsHandler struct {
	runs    RunLister
	states  StateLoader
	reports ReportReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the state and report readers. reports may be nil.
func NewRunsHandler(runs RunLister, states StateLoader, reports ReportReader, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		runs:    runs,
		states:  states,
		reports: reports,
		timeout: runsTimeout,
		logger:  logger,
	}
}

type runDTO struct {
	pipeline.Run
	State  pipeline.RunState   `json:"state"`
	Report *pipeline.RunReport `json:"latest_report,omitempty"`
}

// ListRuns handles GET /v1/runs. It returns {"runs": [...]} with the state of
// every configured run, or 503 when the coordination store cannot be read.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs := h.runs.List()
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		state, err := h.states.Load(ctx, run.Name)
		if err != nil {
			h.logger.Error("load run state failed", zap.String("run", run.Name), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "coordination store unavailable")
			return
		}
		out = append(out, runDTO{Run: run, State: state})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run}: the run's state plus its latest report
// when one exists. Unknown runs get 404.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.Lookup(chi.URLParam(r, "run"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	state, err := h.states.Load(ctx, run.Name)
	if err != nil {
		h.logger.Error("load run state failed", zap.String("run", run.Name), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "coordination store unavailable")
		return
	}
	dto := runDTO{Run: run, State: state}
	if h.reports != nil {
		report, err := h.reports.Latest(ctx, run.Name)
		switch {
		case err == nil:
			dto.Report = &report
		case errors.Is(err, pipeline.ErrReportNotFound):
		default:
			h.logger.Warn("load latest report failed", zap.String("run", run.Name), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, dto)
}
