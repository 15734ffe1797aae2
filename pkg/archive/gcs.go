//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSWriter puts archive objects into a Google Cloud Storage bucket.
type GCSWriter struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds the GCS writer settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSWriter creates a GCS-backed archive writer using ADC credentials.
func NewGCSWriter(ctx context.Context, cfg GCSConfig) (*GCSWriter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSWriter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSWriter) Put(ctx context.Context, key string, data []byte) error {
	obj := g.client.Bucket(g.bucket).Object(g.prefix + key)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Close closes the GCS client.
func (g *GCSWriter) Close() error {
	return g.client.Close()
}
