//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSWriterFromEnv(ctx context.Context) (ObjectWriter, error) {
	return nil, fmt.Errorf("GCS archival is not enabled in this build (use -tags gcp)")
}
