package embed

import (
	"fmt"
	"math"
)

// SimilarityMatrix returns the pairwise cosine similarity of vectors. The
// diagonal is -Inf so no threshold can ever match a sample with itself. Zero
// vectors have no direction: two of them score 1, since they are identical,
// and a zero vector scores 0 against any non-zero one.
func SimilarityMatrix(vectors [][]float64) ([][]float64, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	norms := make([]float64, n)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has length %d, want %d", i, len(v), dim)
		}
		norms[i] = math.Sqrt(dot(v, v))
	}

	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		m[i][i] = math.Inf(-1)
		for j := i + 1; j < n; j++ {
			var s float64
			switch {
			case norms[i] > 0 && norms[j] > 0:
				s = clamp(dot(vectors[i], vectors[j]) / (norms[i] * norms[j]))
			case norms[i] == 0 && norms[j] == 0:
				s = 1
			}
			m[i][j] = s
			m[j][i] = s
		}
	}
	return m, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// clamp absorbs floating point drift just outside [-1, 1].
func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
