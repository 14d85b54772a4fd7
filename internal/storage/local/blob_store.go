// Package local keeps fetched images and comparison artifacts on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local artifact store.
type Config struct {
	// BaseDir is the directory that holds comparison artifacts.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes comparison artifacts to a single shared directory.
type BlobStore struct {
	baseDir string
}

// New creates a local artifact store, creating BaseDir when missing.
func New(cfg Config) (*BlobStore, error) {
	if err := ensureWritableDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject writes data below BaseDir and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath, err := within(s.baseDir, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := writeFileAtomic(fullPath, func(w io.Writer) error {
		_, copyErr := io.Copy(w, data)
		return copyErr
	}); err != nil {
		return "", err
	}
	return "file://" + fullPath, nil
}

// Clear removes every artifact and recreates the empty directory.
func (s *BlobStore) Clear(_ context.Context) error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("remove artifact dir: %w", err)
	}
	if err := os.MkdirAll(s.baseDir, 0o750); err != nil {
		return fmt.Errorf("recreate artifact dir: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("failed to clean up test file: %w", err)
	}
	return nil
}

// within joins rel onto base and rejects results that escape base.
func within(base, rel string) (string, error) {
	full := filepath.Clean(filepath.Join(base, rel))
	if !strings.HasPrefix(full, filepath.Clean(base)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it into place, so readers never observe a partial file.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
