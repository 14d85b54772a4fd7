package imageproc

import (
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// PairRenderer renders keeper/duplicate comparisons from the sample files on disk.
type PairRenderer struct {
	height int
	gap    int
}

// NewPairRenderer builds a renderer producing images of the given height.
func NewPairRenderer(height int) *PairRenderer {
	if height <= 0 {
		height = 300
	}
	return &PairRenderer{height: height, gap: 8}
}

// RenderPair returns a side-by-side PNG of keeper (left) and duplicate (right).
func (r *PairRenderer) RenderPair(ctx context.Context, keeper, duplicate pipeline.Sample) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("render pair: %w", err)
	}
	left, err := imaging.Open(keeper.Path)
	if err != nil {
		return nil, fmt.Errorf("open keeper %s: %w", keeper.Name, err)
	}
	right, err := imaging.Open(duplicate.Path)
	if err != nil {
		return nil, fmt.Errorf("open duplicate %s: %w", duplicate.Name, err)
	}
	return EncodePNG(SideBySide(left, right, r.height, r.gap))
}
