package pipeline

import "errors"

var (
	// ErrMalformedPage is returned by a PageSource when the response body cannot be parsed.
	// The crawl stage retries the same offset instead of advancing.
	ErrMalformedPage = errors.New("malformed page response")

	// ErrUnknownRun is returned when a run name is not in the registry.
	ErrUnknownRun = errors.New("unknown run")

	// ErrFetchExhausted is returned by the fetch stage when every attempt for an image failed.
	ErrFetchExhausted = errors.New("image fetch retries exhausted")

	// ErrAnalysisSuperseded is returned by FinishAnalysis when the run no longer
	// holds the claim, e.g. because a new crawl reset it mid-analysis.
	ErrAnalysisSuperseded = errors.New("analysis superseded")

	// ErrReportNotFound is returned by report stores when a run has no recorded analysis.
	ErrReportNotFound = errors.New("report not found")
)
