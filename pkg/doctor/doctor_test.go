package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/delivery"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/schemareg"
)

var testRegistry *schemareg.Registry

func registry(t *testing.T) *schemareg.Registry {
	t.Helper()
	if testRegistry == nil {
		reg := schemareg.New()
		if err := reg.LoadAll(); err != nil {
			t.Fatalf("load schemas: %v", err)
		}
		testRegistry = reg
	}
	return testRegistry
}

// harness bundles a doctor with the env map its checks read.
type harness struct {
	doctor *Doctor
	root   string
	env    map[string]string
}

func newHarness(t *testing.T, profile *contracts.PolicyProfile, opts ...Option) *harness {
	t.Helper()

	profDir := t.TempDir()
	root := t.TempDir()
	env := map[string]string{}

	if profile != nil {
		data, err := json.Marshal(profile)
		if err != nil {
			t.Fatalf("marshal profile: %v", err)
		}
		path := filepath.Join(profDir, profile.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write profile: %v", err)
		}
		env[delivery.EnvProfileID] = profile.ID
	}

	base := []Option{
		WithEnv(func(k string) string { return env[k] }),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	}
	d := New(delivery.NewProfiles(profDir), evidence.NewWriter(root), registry(t), append(base, opts...)...)
	return &harness{doctor: d, root: root, env: env}
}

func stagingProfile() *contracts.PolicyProfile {
	return &contracts.PolicyProfile{
		ID:              "staging",
		AllowedTargets:  []string{"hooks.internal.example"},
		RequireHMAC:     true,
		TimeoutMs:       5000,
		MaxPayloadBytes: 1 << 20,
		AllowRealSend:   true,
		MaxAttempts:     1,
	}
}

func checkByName(t *testing.T, rep *Report, name string) Check {
	t.Helper()
	for _, c := range rep.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from report", name)
	return Check{}
}

func TestDoctorHealthyArmedStaging(t *testing.T) {
	h := newHarness(t, stagingProfile())
	h.env[delivery.EnvEnableRealSend] = "1"
	h.env[delivery.EnvSigningSecret] = "k_staging_7f3a91"

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != StatusOK {
		t.Fatalf("status = %q, want ok; checks: %+v", rep.Status, rep.Checks)
	}
	if len(rep.Checks) != 8 {
		t.Fatalf("got %d checks, want 8", len(rep.Checks))
	}
	for _, c := range rep.Checks {
		if c.Status != StatusOK {
			t.Errorf("check %s = %s (%s), want ok", c.Name, c.Status, c.Detail)
		}
	}
}

func TestDoctorPersistsReport(t *testing.T) {
	h := newHarness(t, stagingProfile())

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Path == "" {
		t.Fatal("report path not set")
	}
	data, err := os.ReadFile(rep.Path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var onDisk Report
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if onDisk.GeneratedAt == "" || onDisk.Status != rep.Status || len(onDisk.Checks) != len(rep.Checks) {
		t.Fatalf("persisted report diverges: %+v", onDisk)
	}
	if want := filepath.Join(h.root, "doctor") + string(filepath.Separator); !strings.HasPrefix(rep.Path, want) {
		t.Fatalf("report at %s, want under %s", rep.Path, want)
	}
}

func TestDoctorUnarmedDefaultsWarn(t *testing.T) {
	// No profile file, no env: the builtin deny-all default loads, real sends
	// stay off, and the empty allowlist plus missing secret warn.
	h := newHarness(t, nil)

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != StatusWarn {
		t.Fatalf("status = %q, want warn; checks: %+v", rep.Status, rep.Checks)
	}
	if c := checkByName(t, rep, "policy_loaded"); c.Status != StatusOK {
		t.Errorf("policy_loaded = %s (%s)", c.Status, c.Detail)
	}
	if c := checkByName(t, rep, "real_send_policy"); c.Status != StatusOK {
		t.Errorf("real_send_policy = %s (%s)", c.Status, c.Detail)
	}
	if c := checkByName(t, rep, "staging_allowlist"); c.Status != StatusWarn {
		t.Errorf("staging_allowlist = %s, want warn", c.Status)
	}
	if c := checkByName(t, rep, "staging_env"); c.Status != StatusWarn {
		t.Errorf("staging_env = %s, want warn", c.Status)
	}
}

func TestDoctorArmedMisconfiguredFails(t *testing.T) {
	profile := stagingProfile()
	profile.AllowRealSend = false
	profile.AllowedTargets = nil

	h := newHarness(t, profile)
	h.env[delivery.EnvEnableRealSend] = "1"
	h.env[delivery.EnvSigningSecret] = wellKnownTestSecret

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != StatusFail {
		t.Fatalf("status = %q, want fail", rep.Status)
	}
	for _, name := range []string{"real_send_policy", "staging_allowlist", "staging_env"} {
		if c := checkByName(t, rep, name); c.Status != StatusFail {
			t.Errorf("%s = %s, want fail", name, c.Status)
		}
	}
}

func TestDoctorNeverPrintsSecretValues(t *testing.T) {
	h := newHarness(t, stagingProfile())
	h.env[delivery.EnvEnableRealSend] = "1"
	h.env[delivery.EnvSigningSecret] = wellKnownTestSecret

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := checkByName(t, rep, "staging_env")
	if c.Status != StatusFail {
		t.Fatalf("staging_env = %s, want fail", c.Status)
	}
	data, err := os.ReadFile(rep.Path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if bytes.Contains(data, []byte(wellKnownTestSecret)) {
		t.Fatal("report reproduces the secret value")
	}
}

func TestDoctorReceiptStoreConnectivity(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		idx := delivery.NewMemoryReceiptIndex()
		_ = idx.Insert(context.Background(), delivery.ReceiptRow{
			RequestID: "req-1", RunID: "run-1", Outcome: "DELIVERED", CreatedAt: time.Now(),
		})
		h := newHarness(t, stagingProfile(), WithReceiptReader(idx))
		h.env[delivery.EnvReceiptStore] = "memory"

		rep, err := h.doctor.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		c := checkByName(t, rep, "receipt_store")
		if c.Status != StatusOK {
			t.Fatalf("receipt_store = %s (%s)", c.Status, c.Detail)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		h := newHarness(t, stagingProfile(), WithReceiptReader(failingReceipts{}))

		rep, err := h.doctor.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		c := checkByName(t, rep, "receipt_store")
		if c.Status != StatusFail {
			t.Fatalf("receipt_store = %s, want fail", c.Status)
		}
	})

	t.Run("configured but unwired", func(t *testing.T) {
		h := newHarness(t, stagingProfile())
		h.env[delivery.EnvReceiptStore] = "sqlite"

		rep, err := h.doctor.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		c := checkByName(t, rep, "receipt_store")
		if c.Status != StatusWarn {
			t.Fatalf("receipt_store = %s, want warn", c.Status)
		}
	})
}

type failingReceipts struct{}

func (failingReceipts) Recent(context.Context, int) ([]delivery.ReceiptRow, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestDoctorFlagsForeignRunSummaries(t *testing.T) {
	h := newHarness(t, stagingProfile())

	runDir := filepath.Join(h.root, "mova_agent", "req-9", "runs", "run-9")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	summary := []byte(`{"run_id":"run-9","mova_version":"3.0.0","status":"completed"}`)
	if err := os.WriteFile(filepath.Join(runDir, "run_summary.json"), summary, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := checkByName(t, rep, "mova_version")
	if c.Status != StatusWarn {
		t.Fatalf("mova_version = %s (%s), want warn", c.Status, c.Detail)
	}
}

func TestDoctorStoresWritable(t *testing.T) {
	h := newHarness(t, stagingProfile())
	storeDir := t.TempDir()
	h.env["OCP_IDEMPOTENCY_STORE_PATH"] = filepath.Join(storeDir, "idem.json")
	h.env["OCP_RATE_LIMIT_STORE_PATH"] = filepath.Join(storeDir, "last_sent.json")

	rep, err := h.doctor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c := checkByName(t, rep, "stores_writable")
	if c.Status != StatusOK {
		t.Fatalf("stores_writable = %s (%s)", c.Status, c.Detail)
	}
}
