// Package embed turns samples into feature vectors and scores them pairwise.
package embed

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// DefaultGridSize is the side length of the thumbnail the default embedder samples.
const DefaultGridSize = 16

// Thumbnail embeds an image as its mean-centred grayscale thumbnail. Cosine
// similarity between two such vectors is their pixel correlation, which is
// high for re-encoded, rescaled or lightly recompressed copies of one photo.
// A flat image of any colour centres to the zero vector, so blank placeholders
// all match each other and never match a real photo.
type Thumbnail struct {
	size int
	open func(path string) (image.Image, error)
}

// NewThumbnail builds an embedder sampling a size x size grid.
func NewThumbnail(size int) *Thumbnail {
	if size <= 0 {
		size = DefaultGridSize
	}
	return &Thumbnail{
		size: size,
		open: func(path string) (image.Image, error) { return imaging.Open(path) },
	}
}

// Embed opens the sample file and returns its feature vector.
func (t *Thumbnail) Embed(ctx context.Context, sample pipeline.Sample) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("embed %s: %w", sample.Name, err)
	}
	img, err := t.open(sample.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sample.Name, err)
	}
	return t.Vector(img), nil
}

// Vector computes the feature vector of an already decoded image.
func (t *Thumbnail) Vector(img image.Image) []float64 {
	small := imaging.Grayscale(imaging.Resize(img, t.size, t.size, imaging.Box))
	vec := make([]float64, 0, t.size*t.size)
	var sum float64
	for y := 0; y < t.size; y++ {
		for x := 0; x < t.size; x++ {
			// grayscale: R == G == B
			v := float64(small.Pix[y*small.Stride+x*4]) / 255
			vec = append(vec, v)
			sum += v
		}
	}
	mean := sum / float64(len(vec))
	for i := range vec {
		vec[i] -= mean
	}
	return vec
}
