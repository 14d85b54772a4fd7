package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// ReportStore keeps every saved RunReport, newest last per run.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string][]pipeline.RunReport
}

// NewReportStore constructs an empty ReportStore.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[string][]pipeline.RunReport)}
}

// SaveReport appends the report to the run's history.
func (s *ReportStore) SaveReport(_ context.Context, report pipeline.RunReport) error {
	if report.Run == "" {
		return errors.New("report run is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.Run] = append(s.reports[report.Run], cloneReport(report))
	return nil
}

// Latest returns the most recent report for the run.
func (s *ReportStore) Latest(_ context.Context, run string) (pipeline.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.reports[run]
	if len(history) == 0 {
		return pipeline.RunReport{}, pipeline.ErrReportNotFound
	}
	return cloneReport(history[len(history)-1]), nil
}

// Count returns how many reports were saved for the run.
func (s *ReportStore) Count(run string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports[run])
}

func cloneReport(r pipeline.RunReport) pipeline.RunReport {
	out := r
	out.Samples = make([]pipeline.Sample, len(r.Samples))
	for i, s := range r.Samples {
		s.Tags = append([]string(nil), s.Tags...)
		out.Samples[i] = s
	}
	out.Pairs = append([]pipeline.DuplicatePair(nil), r.Pairs...)
	return out
}
