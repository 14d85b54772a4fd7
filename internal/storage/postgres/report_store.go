// Package postgres persists run reports in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ReportStoreConfig controls the Postgres connection pool used for run reports.
type ReportStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ReportStore writes and reads run reports.
type ReportStore struct {
	pool  queryExecCloser
	table string
}

// NewReportStore creates a Postgres-backed ReportStore using the provided config.
func NewReportStore(ctx context.Context, cfg ReportStoreConfig) (*ReportStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ReportStore{pool: pool, table: table}, nil
}

// NewReportStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewReportStoreWithPool(pool queryExecCloser, table string) (*ReportStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ReportStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "run_reports"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ReportStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the report table when it does not exist.
func (s *ReportStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	analysis_id  TEXT PRIMARY KEY,
	run          TEXT NOT NULL,
	kept         INTEGER NOT NULL,
	removed      INTEGER NOT NULL,
	unique_count BIGINT NOT NULL,
	samples      JSONB NOT NULL,
	pairs        JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_run_finished_idx ON %[1]s (run, finished_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create report table: %w", err)
	}
	return nil
}

// SaveReport inserts a report row. Saving the same analysis twice overwrites it.
func (s *ReportStore) SaveReport(ctx context.Context, report pipeline.RunReport) error {
	if report.AnalysisID == "" {
		return fmt.Errorf("analysis id is required")
	}
	samplesJSON, err := json.Marshal(nonNilSamples(report.Samples))
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	pairsJSON, err := json.Marshal(nonNilPairs(report.Pairs))
	if err != nil {
		return fmt.Errorf("marshal pairs: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	analysis_id,
	run,
	kept,
	removed,
	unique_count,
	samples,
	pairs,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (analysis_id) DO UPDATE SET
	kept = EXCLUDED.kept,
	removed = EXCLUDED.removed,
	unique_count = EXCLUDED.unique_count,
	samples = EXCLUDED.samples,
	pairs = EXCLUDED.pairs,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		report.AnalysisID,
		report.Run,
		report.Kept,
		report.Removed,
		report.UniqueCount,
		samplesJSON,
		pairsJSON,
		report.StartedAt,
		report.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// Latest returns the most recently finished report for run.
func (s *ReportStore) Latest(ctx context.Context, run string) (pipeline.RunReport, error) {
	query := fmt.Sprintf(`
SELECT analysis_id, run, kept, removed, unique_count, samples, pairs, started_at, finished_at
FROM %s
WHERE run = $1
ORDER BY finished_at DESC
LIMIT 1`, s.table)

	var (
		report      pipeline.RunReport
		samplesJSON []byte
		pairsJSON   []byte
	)
	err := s.pool.QueryRow(ctx, query, run).Scan(
		&report.AnalysisID,
		&report.Run,
		&report.Kept,
		&report.Removed,
		&report.UniqueCount,
		&samplesJSON,
		&pairsJSON,
		&report.StartedAt,
		&report.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.RunReport{}, pipeline.ErrReportNotFound
	}
	if err != nil {
		return pipeline.RunReport{}, fmt.Errorf("select report: %w", err)
	}
	if err := json.Unmarshal(samplesJSON, &report.Samples); err != nil {
		return pipeline.RunReport{}, fmt.Errorf("decode samples: %w", err)
	}
	if err := json.Unmarshal(pairsJSON, &report.Pairs); err != nil {
		return pipeline.RunReport{}, fmt.Errorf("decode pairs: %w", err)
	}
	return report, nil
}

func nonNilSamples(in []pipeline.Sample) []pipeline.Sample {
	if in == nil {
		return []pipeline.Sample{}
	}
	return in
}

func nonNilPairs(in []pipeline.DuplicatePair) []pipeline.DuplicatePair {
	if in == nil {
		return []pipeline.DuplicatePair{}
	}
	return in
}
