package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/metrics"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// DefaultTriggerHeader is the header a trigger request must carry.
const DefaultTriggerHeader = "admin-run"

// Config controls the HTTP surface.
type Config struct {
	// TriggerHeader must be present on POST /start requests.
	TriggerHeader string
	// TriggerSecret, when set, must equal the header value.
	TriggerSecret  string
	RequestTimeout time.Duration
}

// RunLister resolves configured runs.
type RunLister interface {
	List() []pipeline.Run
	Lookup(name string) (pipeline.Run, error)
}

// Submitter enqueues crawl jobs.
type Submitter interface {
	Submit(ctx context.Context, runs ...pipeline.Run) error
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the crawl dispatcher and the run state.
type Server struct {
	router    chi.Router
	runs      RunLister
	submitter Submitter
	cfg       Config
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. reports may be nil.
func NewServer(
	runs RunLister,
	submitter Submitter,
	states StateLoader,
	reports ReportReader,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TriggerHeader == "" {
		cfg.TriggerHeader = DefaultTriggerHeader
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		runs:      runs,
		submitter: submitter,
		cfg:       cfg,
		checks:    map[string]ReadinessCheck{},
		logger:    logger.Named("api"),
	}
	runsHandler := NewRunsHandler(runs, states, reports, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/start", func(r chi.Router) {
		r.Use(triggerMiddleware(cfg.TriggerHeader, cfg.TriggerSecret))
		r.Post("/", s.startAll)
		r.Post("/{run}", s.startOne)
	})

	r.Route("/v1/runs", func(r chi.Router) {
		r.Get("/", runsHandler.ListRuns)
		r.Get("/{run}", runsHandler.GetRun)
	})

	s.router = r
	return s
}

// AddReadinessCheck registers a dependency probed by /readyz.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type startResponse struct {
	Started string   `json:"started"`
	Reason  string   `json:"reason,omitempty"`
	Runs    []string `json:"runs,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, s.runs.List())
}

func (s *Server) startOne(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Lookup(chi.URLParam(r, "run"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.start(w, r, []pipeline.Run{run})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, runs []pipeline.Run) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.submitter.Submit(ctx, runs...); err != nil {
		s.logger.Error("submit crawl jobs failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, startResponse{Started: "NO", Reason: "QUEUE_UNAVAILABLE"})
		return
	}
	names := make([]string, 0, len(runs))
	for _, run := range runs {
		names = append(names, run.Name)
	}
	s.logger.Info("crawl jobs submitted", zap.Strings("runs", names))
	writeJSON(w, http.StatusAccepted, startResponse{Started: "YES", Runs: names})
}

// triggerMiddleware requires header to be present and, when secret is set,
// to carry it.
func triggerMiddleware(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			values, ok := r.Header[http.CanonicalHeaderKey(header)]
			if !ok {
				writeJSON(w, http.StatusForbidden, startResponse{Started: "NO", Reason: "MISSING_HEADERS"})
				return
			}
			if secret != "" && (len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(secret)) != 1) {
				writeJSON(w, http.StatusForbidden, startResponse{Started: "NO", Reason: "INVALID_HEADERS"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
