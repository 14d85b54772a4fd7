// Package pipeline defines the core types shared by the crawl, fetch and dedup stages.
package pipeline

import (
	"time"
)

// Run is one configured crawl target. Runs are loaded once at startup and never change.
type Run struct {
	Name     string `json:"name" mapstructure:"name"`
	Category int    `json:"category" mapstructure:"category"`
	City     int    `json:"city" mapstructure:"city"`
}

// AnalysisState tracks the dedup lifecycle of a run.
type AnalysisState string

// Analysis states. Transitions only move forward: unset -> started -> done.
const (
	AnalysisUnset   AnalysisState = "unset"
	AnalysisStarted AnalysisState = "started"
	AnalysisDone    AnalysisState = "done"
)

// RunState is the coordination state held for a single run.
type RunState struct {
	Run            string        `json:"run"`
	CrawlExhausted bool          `json:"crawl_exhausted"`
	FetchComplete  bool          `json:"fetch_complete"`
	Analysis       AnalysisState `json:"analysis_state"`
	UniqueCount    int64         `json:"unique_count"`
}

// NeedsFetch reports whether the fetch stage still has work to do for the run.
func (s RunState) NeedsFetch() bool {
	return !s.FetchComplete
}

// ReadyForAnalysis reports whether the dedup engine may claim the run.
func (s RunState) ReadyForAnalysis() bool {
	return s.FetchComplete && s.Analysis == AnalysisUnset
}

// ImageWorkItem is a single image to fetch for a run.
type ImageWorkItem struct {
	RunName  string `json:"filter_name"`
	ImageURL string `json:"image_url"`
}

// Listing is one item returned by the listing source.
type Listing struct {
	ID     string
	Images []string
}

// Page is one page of listings returned by a PageSource.
type Page struct {
	Listings []Listing
	Total    int
}

// CrawlJob asks a crawl worker to run the crawl stage for one run.
type CrawlJob struct {
	Run       Run
	Submitted time.Time
}

// Sample tags assigned by the dedup engine.
const (
	TagDuplicate     = "duplicate"
	TagHasDuplicates = "has_duplicates"
)

// Sample is one fetched image belonging to a run.
type Sample struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Path string   `json:"path"`
	Tags []string `json:"tags,omitempty"`
}

// DuplicatePair records a duplicate detected against a keeper.
type DuplicatePair struct {
	KeeperID    string  `json:"keeper_id"`
	DuplicateID string  `json:"duplicate_id"`
	Similarity  float64 `json:"similarity"`
	ArtifactURI string  `json:"artifact_uri,omitempty"`
}

// RunReport summarizes one completed analysis.
type RunReport struct {
	AnalysisID  string          `json:"analysis_id"`
	Run         string          `json:"run"`
	Samples     []Sample        `json:"samples"`
	Pairs       []DuplicatePair `json:"pairs"`
	Kept        int             `json:"kept"`
	Removed     int             `json:"removed"`
	UniqueCount int64           `json:"unique_count"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
