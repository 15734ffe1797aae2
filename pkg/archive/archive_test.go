package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingWriter struct {
	puts map[string][]byte
}

func (r *recordingWriter) Put(_ context.Context, key string, data []byte) error {
	if r.puts == nil {
		r.puts = make(map[string][]byte)
	}
	r.puts[key] = append([]byte(nil), data...)
	return nil
}

func writeRunDir(t *testing.T, root string) string {
	t.Helper()
	runDir := filepath.Join(root, "delivery.v1", "req-1", "runs", "run-1")
	if err := os.MkdirAll(filepath.Join(runDir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"evidence.json":    `{"outcome_code":"DELIVERED"}`,
		"result_core.json": `{"delivered":true}`,
		"logs/s1.log":      `{"ts":"2026-03-01T00:00:00Z"}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(runDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return runDir
}

func TestArchiveRunKeysMirrorEvidenceTree(t *testing.T) {
	root := t.TempDir()
	runDir := writeRunDir(t, root)

	w := &recordingWriter{}
	a := NewRunArchiver(root, w, nil)
	if err := a.ArchiveRun(context.Background(), runDir); err != nil {
		t.Fatalf("ArchiveRun: %v", err)
	}

	for _, key := range []string{
		"delivery.v1/req-1/runs/run-1/evidence.json",
		"delivery.v1/req-1/runs/run-1/result_core.json",
		"delivery.v1/req-1/runs/run-1/logs/s1.log",
	} {
		if _, ok := w.puts[key]; !ok {
			t.Fatalf("missing archived key %q; have %v", key, keys(w.puts))
		}
	}
	if len(w.puts) != 3 {
		t.Fatalf("archived %d objects, want 3", len(w.puts))
	}
}

func TestFSWriterCopiesTree(t *testing.T) {
	root := t.TempDir()
	runDir := writeRunDir(t, root)

	dst := t.TempDir()
	w, err := NewFSWriter(dst)
	if err != nil {
		t.Fatal(err)
	}
	a := NewRunArchiver(root, w, nil)
	if err := a.ArchiveRun(context.Background(), runDir); err != nil {
		t.Fatalf("ArchiveRun: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "delivery.v1", "req-1", "runs", "run-1", "evidence.json"))
	if err != nil {
		t.Fatalf("archived copy missing: %v", err)
	}
	if !strings.Contains(string(data), "DELIVERED") {
		t.Fatalf("archived copy corrupted: %s", data)
	}
}

func TestFSWriterRejectsEscapingKeys(t *testing.T) {
	w, err := NewFSWriter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put(context.Background(), "../outside.json", []byte("{}")); err == nil {
		t.Fatal("expected an invalid key error")
	}
}

func TestNewFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv(EnvBackend, "")
	a, err := NewFromEnv(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	if a != nil {
		t.Fatal("archival should be off when no backend is configured")
	}
}

func TestNewFromEnvFS(t *testing.T) {
	t.Setenv(EnvBackend, string(BackendFS))
	t.Setenv(EnvFSDir, t.TempDir())

	a, err := NewFromEnv(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	if a == nil {
		t.Fatal("expected an archiver")
	}
}

func TestNewFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv(EnvBackend, string(BackendS3))
	t.Setenv(EnvS3Bucket, "")

	_, err := NewFromEnv(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), EnvS3Bucket) {
		t.Fatalf("err = %v, want the bucket var named", err)
	}
}

func TestNewFromEnvUnsupportedBackend(t *testing.T) {
	t.Setenv(EnvBackend, "tape")
	_, err := NewFromEnv(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unsupported archive backend") {
		t.Fatalf("err = %v", err)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
