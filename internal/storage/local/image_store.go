package local

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/listing-image-dedup/internal/id/uuid"
	"github.com/JakeFAU/listing-image-dedup/internal/imageproc"
	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// ImageStore keeps one directory of fetched images per run below a root directory.
type ImageStore struct {
	root string
}

// NewImageStore creates the root directory if needed.
func NewImageStore(root string) (*ImageStore, error) {
	if err := ensureWritableDir(root); err != nil {
		return nil, err
	}
	return &ImageStore{root: filepath.Clean(root)}, nil
}

// RunDir returns the directory that holds the run's images.
func (s *ImageStore) RunDir(run string) string {
	return filepath.Join(s.root, run)
}

// ResetRun empties the run's directory and recreates it.
func (s *ImageStore) ResetRun(_ context.Context, run string) error {
	dir, err := within(s.root, run)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove run dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return nil
}

// Put encodes img under the run's directory and returns the file path. An
// existing file with the same name is replaced.
func (s *ImageStore) Put(_ context.Context, run, name string, img image.Image) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid image name %q", name)
	}
	dir, err := within(s.root, run)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	fileName := imageproc.StorageName(name)
	path := filepath.Join(dir, fileName)
	if err := writeFileAtomic(path, func(w io.Writer) error {
		return imageproc.Encode(w, img, fileName)
	}); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the run's images sorted by file name. A missing directory is an empty run.
func (s *ImageStore) List(_ context.Context, run string) ([]pipeline.Sample, error) {
	dir, err := within(s.root, run)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}
	samples := make([]pipeline.Sample, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		samples = append(samples, pipeline.Sample{
			ID:   uuid.SampleID(run, name),
			Name: name,
			Path: filepath.Join(dir, name),
		})
	}
	return samples, nil
}
