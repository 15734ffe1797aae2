// Package archive ships finished run directories to long-term storage. The
// evidence tree on local disk stays the source of truth; archival is an
// after-the-fact copy, so a failed upload never fails the run that produced
// the evidence.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ObjectWriter puts one named object into a backend.
type ObjectWriter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// RunArchiver uploads every file of a run directory, keyed by its path
// relative to the evidence root so the remote tree mirrors the local one.
type RunArchiver struct {
	root   string
	writer ObjectWriter
	logger *slog.Logger
}

// NewRunArchiver builds an archiver over the evidence root.
func NewRunArchiver(root string, w ObjectWriter, logger *slog.Logger) *RunArchiver {
	if logger == nil {
		logger = slog.Default().With("component", "archive")
	}
	return &RunArchiver{root: root, writer: w, logger: logger}
}

// ArchiveRun walks runDir and uploads each regular file. The first failing
// upload aborts the walk.
func (a *RunArchiver) ArchiveRun(ctx context.Context, runDir string) error {
	return filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		key := a.key(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", path, err)
		}
		if err := a.writer.Put(ctx, key, data); err != nil {
			return fmt.Errorf("archive: put %s: %w", key, err)
		}
		a.logger.Debug("archived artifact", "key", key, "bytes", len(data))
		return nil
	})
}

// key maps a local artifact path onto its archive key. Paths outside the
// evidence root fall back to being keyed by file name.
func (a *RunArchiver) key(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

// FSWriter copies objects under a destination directory, for air-gapped
// deployments that archive to a mounted volume.
type FSWriter struct {
	dir string
}

// NewFSWriter builds a filesystem-backed writer rooted at dir.
func NewFSWriter(dir string) (*FSWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: destination dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create destination: %w", err)
	}
	return &FSWriter{dir: dir}, nil
}

func (w *FSWriter) Put(ctx context.Context, key string, data []byte) error {
	if !filepath.IsLocal(key) {
		return fmt.Errorf("archive: invalid key %q", key)
	}
	dst := filepath.Join(w.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
