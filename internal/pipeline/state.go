package pipeline

import (
	"context"
	"fmt"
	"strconv"
)

// Hash fields stored per run. The names match the records written by earlier
// deployments so an existing Redis database can be shared.
const (
	KeyCrawlExhausted = "is_last_page_handled"
	KeyFetchComplete  = "is_images_downloaded"
	KeyAnalysis       = "is_folder_analyzed"
	KeyUniqueCount    = "unique_adverts"
)

// JSON encoded flag values.
const (
	valueTrue    = "true"
	valueFalse   = "false"
	valueStarted = `"started"`
)

// QueueKey returns the key of the run's image work queue.
func QueueKey(run string) string {
	return run + "_images"
}

// StateStore exposes typed RunState operations on top of a raw Store.
type StateStore struct {
	store Store
}

// NewStateStore wraps a raw coordination store.
func NewStateStore(store Store) *StateStore {
	return &StateStore{store: store}
}

// Raw returns the underlying store.
func (s *StateStore) Raw() Store {
	return s.store
}

// Reset returns a run to its initial state: empty queue, zero count, all flags cleared.
func (s *StateStore) Reset(ctx context.Context, run string) error {
	if err := s.store.Delete(ctx, QueueKey(run)); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	fields := []struct {
		key   string
		value string
	}{
		{KeyUniqueCount, "0"},
		{KeyCrawlExhausted, valueFalse},
		{KeyFetchComplete, valueFalse},
		{KeyAnalysis, valueFalse},
	}
	for _, f := range fields {
		if err := s.store.SetFlag(ctx, run, f.key, f.value); err != nil {
			return fmt.Errorf("reset %s: %w", f.key, err)
		}
	}
	return nil
}

// Load reads the full RunState for a run.
func (s *StateStore) Load(ctx context.Context, run string) (RunState, error) {
	state := RunState{Run: run, Analysis: AnalysisUnset}
	var err error
	if state.CrawlExhausted, err = s.boolFlag(ctx, run, KeyCrawlExhausted); err != nil {
		return RunState{}, err
	}
	if state.FetchComplete, err = s.boolFlag(ctx, run, KeyFetchComplete); err != nil {
		return RunState{}, err
	}
	if state.Analysis, err = s.AnalysisState(ctx, run); err != nil {
		return RunState{}, err
	}
	if state.UniqueCount, err = s.UniqueCount(ctx, run); err != nil {
		return RunState{}, err
	}
	return state, nil
}

// CrawlExhausted reports whether pagination has finished for the run.
func (s *StateStore) CrawlExhausted(ctx context.Context, run string) (bool, error) {
	return s.boolFlag(ctx, run, KeyCrawlExhausted)
}

// FetchComplete reports whether every enqueued image has been attempted.
func (s *StateStore) FetchComplete(ctx context.Context, run string) (bool, error) {
	return s.boolFlag(ctx, run, KeyFetchComplete)
}

// MarkCrawlExhausted records that pagination yielded an empty page.
func (s *StateStore) MarkCrawlExhausted(ctx context.Context, run string) error {
	if err := s.store.SetFlag(ctx, run, KeyCrawlExhausted, valueTrue); err != nil {
		return fmt.Errorf("mark crawl exhausted: %w", err)
	}
	return nil
}

// MarkFetchComplete records that the fetch stage drained the run's queue.
func (s *StateStore) MarkFetchComplete(ctx context.Context, run string) error {
	if err := s.store.SetFlag(ctx, run, KeyFetchComplete, valueTrue); err != nil {
		return fmt.Errorf("mark fetch complete: %w", err)
	}
	return nil
}

// AnalysisState decodes the tri-state analysis flag.
func (s *StateStore) AnalysisState(ctx context.Context, run string) (AnalysisState, error) {
	raw, ok, err := s.store.GetFlag(ctx, run, KeyAnalysis)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", KeyAnalysis, err)
	}
	if !ok {
		return AnalysisUnset, nil
	}
	switch raw {
	case valueStarted:
		return AnalysisStarted, nil
	case valueTrue:
		return AnalysisDone, nil
	default:
		return AnalysisUnset, nil
	}
}

// BeginAnalysis moves the run from unset to started. It returns false when the
// run was already claimed, so at most one caller wins per reset.
func (s *StateStore) BeginAnalysis(ctx context.Context, run string) (bool, error) {
	for _, from := range []string{valueFalse, ""} {
		swapped, err := s.store.CompareAndSetFlag(ctx, run, KeyAnalysis, from, valueStarted)
		if err != nil {
			return false, fmt.Errorf("begin analysis: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	return false, nil
}

// FinishAnalysis moves the run from started to done and adds the keeper count.
// When the run is no longer started (a crawl reset it while the analysis ran)
// nothing is written and ErrAnalysisSuperseded is returned, so a stale result
// never lands on the fresh crawl's count.
func (s *StateStore) FinishAnalysis(ctx context.Context, run string, kept int) (int64, error) {
	if kept < 0 {
		return 0, fmt.Errorf("kept count must be >= 0, got %d", kept)
	}
	swapped, err := s.store.CompareAndSetFlag(ctx, run, KeyAnalysis, valueStarted, valueTrue)
	if err != nil {
		return 0, fmt.Errorf("mark analysis done: %w", err)
	}
	if !swapped {
		return 0, fmt.Errorf("finish analysis of %s: %w", run, ErrAnalysisSuperseded)
	}
	return s.AddUnique(ctx, run, int64(kept))
}

// AddUnique atomically increases the run's unique count. Negative deltas are rejected.
func (s *StateStore) AddUnique(ctx context.Context, run string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, fmt.Errorf("unique count delta must be >= 0, got %d", delta)
	}
	total, err := s.store.Increment(ctx, run, KeyUniqueCount, delta)
	if err != nil {
		return 0, fmt.Errorf("increment unique count: %w", err)
	}
	return total, nil
}

// UniqueCount returns the run's current unique count.
func (s *StateStore) UniqueCount(ctx context.Context, run string) (int64, error) {
	raw, ok, err := s.store.GetFlag(ctx, run, KeyUniqueCount)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", KeyUniqueCount, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", KeyUniqueCount, raw, err)
	}
	return n, nil
}

// Enqueue pushes an image work item onto the run's queue.
func (s *StateStore) Enqueue(ctx context.Context, item ImageWorkItem) error {
	if err := s.store.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue image: %w", err)
	}
	return nil
}

// Dequeue pops the next image work item for the run.
func (s *StateStore) Dequeue(ctx context.Context, run string) (ImageWorkItem, bool, error) {
	item, ok, err := s.store.Dequeue(ctx, run)
	if err != nil {
		return ImageWorkItem{}, false, fmt.Errorf("dequeue image: %w", err)
	}
	return item, ok, nil
}

func (s *StateStore) boolFlag(ctx context.Context, run, key string) (bool, error) {
	raw, ok, err := s.store.GetFlag(ctx, run, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return ok && raw == valueTrue, nil
}
