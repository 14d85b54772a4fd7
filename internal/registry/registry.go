// Package registry holds the static list of runs every stage iterates.
package registry

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Defaults returns the built-in runs: villas and lands for Riyadh and Jeddah.
func Defaults() []pipeline.Run {
	return []pipeline.Run{
		{Name: "riyadh_villas", Category: 3, City: 21},
		{Name: "riyadh_lands", Category: 2, City: 21},
		{Name: "jeddah_villas", Category: 3, City: 66},
		{Name: "jeddah_lands", Category: 2, City: 66},
	}
}

// Registry is an immutable, ordered set of runs.
type Registry struct {
	runs   []pipeline.Run
	byName map[string]int
}

// New validates runs and builds a Registry. Names must be unique and non-empty.
func New(runs []pipeline.Run) (*Registry, error) {
	if len(runs) == 0 {
		return nil, fmt.Errorf("at least one run is required")
	}
	r := &Registry{
		runs:   make([]pipeline.Run, 0, len(runs)),
		byName: make(map[string]int, len(runs)),
	}
	for i, run := range runs {
		name := strings.TrimSpace(run.Name)
		if name == "" {
			return nil, fmt.Errorf("run %d: name is required", i)
		}
		if strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("run %q: name must not contain path separators", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("run %q: duplicate name", name)
		}
		run.Name = name
		r.byName[name] = len(r.runs)
		r.runs = append(r.runs, run)
	}
	return r, nil
}

// List returns the runs in configuration order. The slice is a copy.
func (r *Registry) List() []pipeline.Run {
	out := make([]pipeline.Run, len(r.runs))
	copy(out, r.runs)
	return out
}

// Names returns the run names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.runs))
	for i, run := range r.runs {
		names[i] = run.Name
	}
	return names
}

// Lookup returns the run with the given name or pipeline.ErrUnknownRun.
func (r *Registry) Lookup(name string) (pipeline.Run, error) {
	idx, ok := r.byName[name]
	if !ok {
		return pipeline.Run{}, fmt.Errorf("lookup %q: %w", name, pipeline.ErrUnknownRun)
	}
	return r.runs[idx], nil
}
