// Package evidence creates per-run directory trees and writes JSON artifacts
// atomically with redaction applied at the boundary.
//
// Atomic file-replace (write temp + rename) is the sole transactional
// primitive: a crash never leaves a half-written artifact, and a failed write
// never destroys the previous version.
package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mova-labs/ocp/pkg/redact"
)

// DefaultRoot is the artifact tree root when none is configured.
const DefaultRoot = "artifacts"

// InterpreterNamespace is the verb namespace for plan-interpreter runs.
const InterpreterNamespace = "mova_agent"

// Writer persists run artifacts under a fixed root. Redaction runs exactly
// once here, before serialization.
type Writer struct {
	root   string
	masker *redact.Masker
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithMasker substitutes the redaction masker (per-run redaction_rules).
func WithMasker(m *redact.Masker) Option {
	return func(w *Writer) { w.masker = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithClock overrides time for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter constructs a Writer rooted at root (DefaultRoot when empty).
func NewWriter(root string, opts ...Option) *Writer {
	if root == "" {
		root = DefaultRoot
	}
	w := &Writer{
		root:   root,
		masker: redact.New(),
		logger: slog.Default().With("component", "evidence"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the artifact tree root.
func (w *Writer) Root() string { return w.root }

// WithRules derives a Writer whose masker also treats the given key
// substrings as sensitive. The receiver is unchanged; the interpreter derives
// one per run from the instruction profile's redaction_rules.
func (w *Writer) WithRules(rules ...string) *Writer {
	if len(rules) == 0 {
		return w
	}
	return &Writer{
		root:   w.root,
		masker: w.masker.Extend(rules...),
		logger: w.logger,
		now:    w.now,
	}
}

// NewRunDir creates <root>/<namespace>/<request_id>/runs/<run_id>/ and
// returns its path.
func (w *Writer) NewRunDir(namespace, requestID, runID string) (string, error) {
	for _, part := range []string{namespace, requestID, runID} {
		if part == "" || !filepath.IsLocal(part) {
			return "", fmt.Errorf("evidence: invalid run dir component %q", part)
		}
	}
	dir := filepath.Join(w.root, namespace, requestID, "runs", runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("evidence: create run dir: %w", err)
	}
	return dir, nil
}

// WriteArtifact redacts v, serializes it with two-space indent, and writes it
// to <dir>/<name> atomically. A pre-existing target is copied to
// <dir>/_backup/<unix_ms>_<name>.bak before the rename. On any failure the
// original file remains intact and the temp file is removed.
func (w *Writer) WriteArtifact(dir, name string, v any) error {
	if !filepath.IsLocal(name) {
		return fmt.Errorf("evidence: artifact name %q escapes run dir", name)
	}

	tree, err := toTree(v)
	if err != nil {
		return fmt.Errorf("evidence: marshal %s: %w", name, err)
	}
	data, err := json.MarshalIndent(w.masker.Apply(tree), "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	target := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("evidence: create parent for %s: %w", name, err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("evidence: write temp for %s: %w", name, err)
	}

	if _, err := os.Stat(target); err == nil {
		if err := w.backup(dir, name, target); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("evidence: backup %s: %w", name, err)
		}
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("evidence: commit %s: %w", name, err)
	}
	return nil
}

// AppendLine redacts v and appends it to <dir>/<name> as a single JSON line,
// synced before return. Used for append-only indexes.
func (w *Writer) AppendLine(dir, name string, v any) error {
	if !filepath.IsLocal(name) {
		return fmt.Errorf("evidence: artifact name %q escapes run dir", name)
	}

	tree, err := toTree(v)
	if err != nil {
		return fmt.Errorf("evidence: marshal line for %s: %w", name, err)
	}
	data, err := json.Marshal(w.masker.Apply(tree))
	if err != nil {
		return fmt.Errorf("evidence: marshal line for %s: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	target := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("evidence: create parent for %s: %w", name, err)
	}

	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("evidence: open %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck // best-effort close after sync

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("evidence: append %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("evidence: sync %s: %w", name, err)
	}
	return nil
}

// toTree rebuilds v as the JSON tree the masker walks, so struct-shaped
// artifacts are redacted by their serialized key names like everything else.
// Numbers decode as json.Number and re-render verbatim.
func toTree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// backup copies target into the run's _backup directory. Caller holds the
// lock.
func (w *Writer) backup(dir, name, target string) error {
	backupDir := filepath.Join(dir, "_backup")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}
	flat := strings.ReplaceAll(filepath.ToSlash(name), "/", "_")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%d_%s.bak", w.now().UTC().UnixMilli(), flat))

	src, err := os.Open(target)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck // read-only

	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
