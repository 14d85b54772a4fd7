// Package dedup implements the dedup engine: it claims runs whose images are
// fetched, partitions their samples into keepers and duplicates, and records
// the result.
package dedup

import (
	"fmt"
	"slices"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// DefaultThreshold is the similarity above which two samples are duplicates.
const DefaultThreshold = 0.9

// Pair is a keeper/duplicate match found by Partition, by sample index.
type Pair struct {
	Keeper     int
	Duplicate  int
	Similarity float64
}

// Partition is the keep/remove decision for one run.
type Partition struct {
	// Samples are copies of the input samples carrying the assigned tags.
	Samples []pipeline.Sample
	Kept    []int
	Removed []int
	Pairs   []Pair
}

// Split walks samples in order and greedily keeps every sample not already
// removed. Each keeper removes every other sample whose similarity is strictly
// above threshold. A sample that is already removed only gets tagged; it never
// removes anything itself, so grouping is not transitive.
func Split(samples []pipeline.Sample, matrix [][]float64, threshold float64) (Partition, error) {
	n := len(samples)
	if len(matrix) != n {
		return Partition{}, fmt.Errorf("similarity matrix has %d rows for %d samples", len(matrix), n)
	}
	for i, row := range matrix {
		if len(row) != n {
			return Partition{}, fmt.Errorf("similarity matrix row %d has %d columns, want %d", i, len(row), n)
		}
	}

	out := Partition{Samples: make([]pipeline.Sample, n)}
	for i, s := range samples {
		s.Tags = slices.Clone(s.Tags)
		out.Samples[i] = s
	}

	removed := make([]bool, n)
	for s := 0; s < n; s++ {
		if removed[s] {
			out.Samples[s].Tags = appendTag(out.Samples[s].Tags, pipeline.TagDuplicate)
			continue
		}
		out.Kept = append(out.Kept, s)
		found := false
		for t := 0; t < n; t++ {
			if t == s || !(matrix[s][t] > threshold) {
				continue
			}
			found = true
			out.Pairs = append(out.Pairs, Pair{Keeper: s, Duplicate: t, Similarity: matrix[s][t]})
			removed[t] = true
		}
		if found {
			out.Samples[s].Tags = appendTag(out.Samples[s].Tags, pipeline.TagHasDuplicates)
		}
	}
	for i, r := range removed {
		if r {
			out.Removed = append(out.Removed, i)
		}
	}
	return out, nil
}

func appendTag(tags []string, tag string) []string {
	if slices.Contains(tags, tag) {
		return tags
	}
	return append(tags, tag)
}
