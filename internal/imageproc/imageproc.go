// Package imageproc decodes, resizes, encodes and composes listing images.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"io"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // the listing CDN serves webp
)

// Decode reads any registered image format (JPEG, PNG, GIF, TIFF, BMP, WebP).
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Resize scales img to exactly width x height using Lanczos resampling.
// A zero dimension preserves the aspect ratio.
func Resize(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// StorageName returns the file name an image is written under. Names whose
// extension cannot be encoded (WebP among them) get a ".png" suffix.
func StorageName(name string) string {
	if _, err := imaging.FormatFromFilename(name); err != nil {
		return name + ".png"
	}
	return name
}

// Encode writes img in the format implied by name's extension.
func Encode(w io.Writer, img image.Image, name string) error {
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return fmt.Errorf("image format for %q: %w", filepath.Base(name), err)
	}
	if err := imaging.Encode(w, img, format, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}

// EncodePNG returns img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// SideBySide scales both images to height and places them left to right with
// a white gap between them.
func SideBySide(left, right image.Image, height, gap int) *image.NRGBA {
	if height <= 0 {
		height = left.Bounds().Dy()
	}
	l := imaging.Resize(left, 0, height, imaging.Lanczos)
	r := imaging.Resize(right, 0, height, imaging.Lanczos)
	width := l.Bounds().Dx() + gap + r.Bounds().Dx()
	dst := imaging.New(width, height, color.White)
	dst = imaging.Paste(dst, l, image.Pt(0, 0))
	return imaging.Paste(dst, r, image.Pt(l.Bounds().Dx()+gap, 0))
}
