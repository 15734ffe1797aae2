package delivery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadBuiltinDefaultDeniesAll(t *testing.T) {
	p := NewProfiles("")

	prof, err := p.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if prof.ID != DefaultProfileID {
		t.Fatalf("id = %q", prof.ID)
	}
	if prof.AllowRealSend {
		t.Fatal("default profile must not allow real sends")
	}
	if !prof.RequireHMAC {
		t.Fatal("default profile must require HMAC")
	}
	if prof.TargetAllowed("hooks.example.com") {
		t.Fatal("default profile must not allow any target")
	}
}

func TestLoadJSONProfile(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"allowed_targets": ["hooks.example.com"],
		"require_hmac": true,
		"allow_real_send": true,
		"retry_enabled": true,
		"max_attempts": 3,
		"retry_on_status": [500, 503]
	}`
	if err := os.WriteFile(filepath.Join(dir, "staging.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	prof, err := NewProfiles(dir).Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if prof.ID != "staging" {
		t.Fatalf("id = %q, want the file name as fallback", prof.ID)
	}
	if !prof.TargetAllowed("hooks.example.com") || prof.TargetAllowed("evil.example.com") {
		t.Fatalf("allowed_targets parsed wrong: %v", prof.AllowedTargets)
	}
	if prof.TimeoutMs != defaultTimeoutMs {
		t.Fatalf("timeout_ms = %d, want the default", prof.TimeoutMs)
	}
	if prof.MaxAttempts != 3 || !prof.RetryEnabled {
		t.Fatalf("retry shape = attempts %d enabled %v", prof.MaxAttempts, prof.RetryEnabled)
	}
}

func TestLoadYAMLProfile(t *testing.T) {
	dir := t.TempDir()
	doc := `
allowed_targets:
  - hooks.example.com
require_hmac: true
allow_real_send: true
rate_limit:
  enabled: true
  cooldown_ms: 30000
key_derivation: per_target
`
	if err := os.WriteFile(filepath.Join(dir, "staging.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	prof, err := NewProfiles(dir).Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !prof.TargetAllowed("hooks.example.com") {
		t.Fatalf("allowed_targets parsed wrong: %v", prof.AllowedTargets)
	}
	if !prof.RateLimit.Enabled || prof.RateLimit.CooldownMs != 30000 {
		t.Fatalf("rate_limit = %+v", prof.RateLimit)
	}
	if prof.KeyDerivation != "per_target" {
		t.Fatalf("key_derivation = %q", prof.KeyDerivation)
	}
}

func TestLoadFileOverridesBuiltinDefault(t *testing.T) {
	dir := t.TempDir()
	doc := `{"allowed_targets": ["hooks.example.com"], "allow_real_send": true}`
	if err := os.WriteFile(filepath.Join(dir, "default.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	prof, err := NewProfiles(dir).Load(DefaultProfileID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !prof.AllowRealSend {
		t.Fatal("file-backed default profile was not used")
	}
}

func TestLoadUnknownProfileFails(t *testing.T) {
	_, err := NewProfiles(t.TempDir()).Load("ghost")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), `"ghost" not found`) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsMalformedProfile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewProfiles(dir).Load("broken"); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadCachesProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.json")
	if err := os.WriteFile(path, []byte(`{"allowed_targets": ["a.example.com"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProfiles(dir)
	first, err := p.Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A rewrite after the first load is invisible; the cache serves the run.
	if err := os.WriteFile(path, []byte(`{"allowed_targets": ["b.example.com"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := p.Load("staging")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !second.TargetAllowed("a.example.com") || second.TargetAllowed("b.example.com") {
		t.Fatalf("cache not used: first %v second %v", first.AllowedTargets, second.AllowedTargets)
	}
}
