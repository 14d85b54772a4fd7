// Package gcs provides an artifact BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the bucket and object prefix used for artifacts.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes comparison artifacts to a GCS bucket below a prefix.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := s.prefix + path.Clean(strings.TrimPrefix(name, "/"))
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Clear deletes every object below the prefix. An empty prefix is refused so
// a misconfiguration cannot wipe the whole bucket.
func (s *BlobStore) Clear(ctx context.Context) error {
	if s.prefix == "" {
		return fmt.Errorf("refusing to clear bucket %s without a prefix", s.bucket)
	}
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list artifacts: %w", err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete artifact %s: %w", attrs.Name, err)
		}
	}
}
