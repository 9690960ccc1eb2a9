// Package gcs provides an image BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write images to GCS.
type Config struct {
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	CacheControl string `mapstructure:"cache_control" yaml:"cache_control"`
}

// objectWriter is the subset of *storage.Writer the store relies on.
type objectWriter interface {
	io.WriteCloser
	setAttrs(contentType, cacheControl string)
}

type writerFactory func(ctx context.Context, bucket, object string) objectWriter

type gcsWriter struct {
	*storage.Writer
}

func (w gcsWriter) setAttrs(contentType, cacheControl string) {
	if contentType != "" {
		w.ContentType = contentType
	}
	if cacheControl != "" {
		w.CacheControl = cacheControl
	}
}

// BlobStore writes processed images to a configured GCS bucket.
type BlobStore struct {
	newWriter    writerFactory
	bucket       string
	prefix       string
	cacheControl string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newWithFactory(func(ctx context.Context, bucket, object string) objectWriter {
		return gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx)}
	}, cfg)
}

func newWithFactory(factory writerFactory, cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		newWriter:    factory,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		cacheControl: cfg.CacheControl,
	}, nil
}

// ObjectName returns the object name used for the given relative path.
func (s *BlobStore) ObjectName(p string) string {
	p = strings.TrimLeft(p, "/")
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := s.ObjectName(p)
	writer := s.newWriter(ctx, s.bucket, object)
	writer.setAttrs(contentType, s.cacheControl)
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
