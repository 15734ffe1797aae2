//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSWriterFromEnv(ctx context.Context) (ObjectWriter, error) {
	bucket := os.Getenv(EnvGCSBucket)
	if bucket == "" {
		return nil, fmt.Errorf("%s is required for GCS archival", EnvGCSBucket)
	}
	return NewGCSWriter(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv(EnvGCSPrefix),
	})
}
