package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend selects the archive destination.
type Backend string

const (
	BackendNone Backend = ""
	BackendFS   Backend = "fs"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Environment variables read by NewFromEnv.
const (
	EnvBackend    = "OCP_ARCHIVE_BACKEND"
	EnvFSDir      = "OCP_ARCHIVE_FS_DIR"
	EnvS3Bucket   = "OCP_ARCHIVE_S3_BUCKET"
	EnvS3Region   = "OCP_ARCHIVE_S3_REGION"
	EnvS3Endpoint = "OCP_ARCHIVE_S3_ENDPOINT"
	EnvS3Prefix   = "OCP_ARCHIVE_S3_PREFIX"
	EnvGCSBucket  = "OCP_ARCHIVE_GCS_BUCKET"
	EnvGCSPrefix  = "OCP_ARCHIVE_GCS_PREFIX"
)

// NewFromEnv builds a run archiver over the evidence root from the
// environment. An unset OCP_ARCHIVE_BACKEND disables archival and returns
// nil without error.
func NewFromEnv(ctx context.Context, root string) (*RunArchiver, error) {
	backend := Backend(os.Getenv(EnvBackend))

	var (
		w   ObjectWriter
		err error
	)
	switch backend {
	case BackendNone:
		return nil, nil
	case BackendFS:
		w, err = NewFSWriter(os.Getenv(EnvFSDir))
	case BackendS3:
		w, err = newS3WriterFromEnv(ctx)
	case BackendGCS:
		w, err = newGCSWriterFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	return NewRunArchiver(root, w, nil), nil
}

func newS3WriterFromEnv(ctx context.Context) (ObjectWriter, error) {
	bucket := os.Getenv(EnvS3Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%s is required for S3 archival", EnvS3Bucket)
	}
	region := os.Getenv(EnvS3Region)
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Writer(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv(EnvS3Endpoint),
		Prefix:   os.Getenv(EnvS3Prefix),
	})
}
