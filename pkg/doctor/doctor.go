// Package doctor runs operational hygiene checks over an OCP deployment and
// scans evidence artifacts for leaked secrets.
//
// Doctor inspects, never repairs: checks report ok, warn, or fail and the
// worst status wins. The report is persisted through the evidence writer so
// the redaction boundary applies to it as well.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mova-labs/ocp/pkg/audit"
	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/delivery"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/idempotency"
	"github.com/mova-labs/ocp/pkg/schemareg"
	"github.com/mova-labs/ocp/pkg/throttle"
	"github.com/mova-labs/ocp/pkg/version"
)

// Check status values, ordered by severity.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// wellKnownTestSecret is the signing secret used by conformance fixtures. It
// must never reach an armed deployment or a stored artifact.
const wellKnownTestSecret = "test_secret_v1"

// Check is one named probe with its verdict.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Report is the doctor_report.json artifact.
type Report struct {
	GeneratedAt string  `json:"generated_at"`
	Status      string  `json:"status"`
	Checks      []Check `json:"checks"`

	// Path is where the report was persisted; not part of the artifact.
	Path string `json:"-"`
}

// ProfileLoader resolves policy profiles by id. *delivery.Profiles satisfies
// it.
type ProfileLoader interface {
	Load(id string) (contracts.PolicyProfile, error)
}

// ReceiptReader is the read side of the delivery receipt index.
type ReceiptReader interface {
	Recent(ctx context.Context, limit int) ([]delivery.ReceiptRow, error)
}

// Doctor inspects the active profile, arming state, schema registry, store
// paths, receipt index, and dialect version.
type Doctor struct {
	profiles ProfileLoader
	ev       *evidence.Writer
	reg      *schemareg.Registry
	receipts ReceiptReader
	auditLog audit.Logger
	logger   *slog.Logger
	env      func(string) string
	now      func() time.Time
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithReceiptReader enables the receipt_store connectivity check.
func WithReceiptReader(r ReceiptReader) Option {
	return func(d *Doctor) { d.receipts = r }
}

// WithAudit attaches an audit logger.
func WithAudit(l audit.Logger) Option {
	return func(d *Doctor) { d.auditLog = l }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Doctor) { d.logger = l }
}

// WithEnv overrides environment lookup for tests.
func WithEnv(f func(string) string) Option {
	return func(d *Doctor) { d.env = f }
}

// WithClock overrides time for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Doctor) { d.now = now }
}

// New wires a Doctor. profiles, ev, and reg may be nil; the corresponding
// checks then fail rather than panic.
func New(profiles ProfileLoader, ev *evidence.Writer, reg *schemareg.Registry, opts ...Option) *Doctor {
	d := &Doctor{
		profiles: profiles,
		ev:       ev,
		reg:      reg,
		auditLog: audit.Nop(),
		logger:   slog.Default().With("component", "doctor"),
		env:      os.Getenv,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ev == nil {
		d.ev = evidence.NewWriter("")
	}
	return d
}

// Run executes every check and persists the redacted report to
// <root>/doctor/<unix_ms>/doctor_report.json. The returned error covers only
// report persistence; check failures live in the report itself.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	profile, perr := d.loadProfile()
	armed := d.env(delivery.EnvEnableRealSend) == "1"

	checks := []Check{
		d.checkPolicyLoaded(profile, perr),
		d.checkRealSendPolicy(profile, perr, armed),
		d.checkStagingAllowlist(profile, perr, armed),
		d.checkStagingEnv(profile, perr, armed),
		d.checkSchemaRegistry(),
		d.checkStoresWritable(),
		d.checkReceiptStore(ctx),
		d.checkMOVAVersion(),
	}

	report := &Report{
		GeneratedAt: d.now().UTC().Format(time.RFC3339),
		Status:      worst(checks),
		Checks:      checks,
	}

	dir := filepath.Join(d.ev.Root(), "doctor", strconv.FormatInt(d.now().UTC().UnixMilli(), 10))
	if err := d.ev.WriteArtifact(dir, "doctor_report.json", report); err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	report.Path = filepath.Join(dir, "doctor_report.json")

	failed := 0
	for _, c := range checks {
		if c.Status == StatusFail {
			failed++
		}
	}
	_ = d.auditLog.Record(ctx, audit.EventSystem, "doctor.run", report.Path, map[string]any{
		"status":       report.Status,
		"checks_total": len(checks),
		"checks_fail":  failed,
	})
	return report, nil
}

func (d *Doctor) loadProfile() (contracts.PolicyProfile, error) {
	if d.profiles == nil {
		return contracts.PolicyProfile{}, fmt.Errorf("no profile loader wired")
	}
	id := d.env(delivery.EnvProfileID)
	return d.profiles.Load(id)
}

func (d *Doctor) checkPolicyLoaded(profile contracts.PolicyProfile, perr error) Check {
	if perr != nil {
		return Check{Name: "policy_loaded", Status: StatusFail, Detail: perr.Error()}
	}
	return Check{
		Name:   "policy_loaded",
		Status: StatusOK,
		Detail: fmt.Sprintf("profile %q loaded (%d allowed targets)", profile.ID, len(profile.AllowedTargets)),
	}
}

func (d *Doctor) checkRealSendPolicy(profile contracts.PolicyProfile, perr error, armed bool) Check {
	if !armed {
		return Check{
			Name:   "real_send_policy",
			Status: StatusOK,
			Detail: fmt.Sprintf("real sends disabled (%s is not \"1\")", delivery.EnvEnableRealSend),
		}
	}
	if perr != nil {
		return Check{Name: "real_send_policy", Status: StatusFail, Detail: "armed but the active profile failed to load"}
	}
	if !profile.AllowRealSend {
		return Check{
			Name:   "real_send_policy",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s=1 but profile %q does not allow real sends", delivery.EnvEnableRealSend, profile.ID),
		}
	}
	return Check{
		Name:   "real_send_policy",
		Status: StatusOK,
		Detail: fmt.Sprintf("armed; profile %q allows real sends", profile.ID),
	}
}

func (d *Doctor) checkStagingAllowlist(profile contracts.PolicyProfile, perr error, armed bool) Check {
	if perr != nil {
		return Check{Name: "staging_allowlist", Status: StatusFail, Detail: "active profile failed to load"}
	}
	if len(profile.AllowedTargets) == 0 {
		status := StatusWarn
		if armed {
			status = StatusFail
		}
		return Check{
			Name:   "staging_allowlist",
			Status: status,
			Detail: fmt.Sprintf("profile %q allowlists no hosts; every delivery target will be denied", profile.ID),
		}
	}
	return Check{
		Name:   "staging_allowlist",
		Status: StatusOK,
		Detail: fmt.Sprintf("profile %q allowlists %d hosts", profile.ID, len(profile.AllowedTargets)),
	}
}

// checkStagingEnv verifies signing-secret hygiene. The detail reports
// presence and length only, never the value.
func (d *Doctor) checkStagingEnv(profile contracts.PolicyProfile, perr error, armed bool) Check {
	secret := d.env(delivery.EnvSigningSecret)

	if secret == wellKnownTestSecret {
		status := StatusWarn
		if armed {
			status = StatusFail
		}
		return Check{
			Name:   "staging_env",
			Status: status,
			Detail: fmt.Sprintf("%s matches the well-known conformance test secret", delivery.EnvSigningSecret),
		}
	}
	if secret == "" {
		switch {
		case perr != nil:
			return Check{
				Name:   "staging_env",
				Status: StatusWarn,
				Detail: fmt.Sprintf("%s is empty and the active profile could not be loaded", delivery.EnvSigningSecret),
			}
		case profile.RequireHMAC:
			status := StatusWarn
			if armed {
				status = StatusFail
			}
			return Check{
				Name:   "staging_env",
				Status: status,
				Detail: fmt.Sprintf("%s is empty but profile %q requires HMAC signing", delivery.EnvSigningSecret, profile.ID),
			}
		default:
			return Check{
				Name:   "staging_env",
				Status: StatusOK,
				Detail: fmt.Sprintf("%s is empty; profile %q does not require HMAC", delivery.EnvSigningSecret, profile.ID),
			}
		}
	}
	return Check{
		Name:   "staging_env",
		Status: StatusOK,
		Detail: fmt.Sprintf("signing secret present (%d bytes)", len(secret)),
	}
}

func (d *Doctor) checkSchemaRegistry() Check {
	if d.reg == nil {
		return Check{Name: "schema_registry", Status: StatusFail, Detail: "schema registry not wired"}
	}
	required := []string{
		contracts.ExecutionEpisodeSchemaID,
		contracts.SecurityEventSchemaID,
		"plan_envelope",
		"tool_pool",
		"instruction_profile",
		"delivery_receipt",
		"run_summary",
	}
	var missing []string
	for _, id := range required {
		if !d.reg.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return Check{
			Name:   "schema_registry",
			Status: StatusFail,
			Detail: fmt.Sprintf("missing schemas: %s", strings.Join(missing, ", ")),
		}
	}
	return Check{
		Name:   "schema_registry",
		Status: StatusOK,
		Detail: fmt.Sprintf("%d schemas loaded", len(d.reg.IDs())),
	}
}

// checkStoresWritable probes the evidence root and the configured store
// files. Probe files are created and removed; nothing else is touched.
func (d *Doctor) checkStoresWritable() Check {
	var parts []string

	if err := probeDir(d.ev.Root()); err != nil {
		return Check{
			Name:   "stores_writable",
			Status: StatusFail,
			Detail: fmt.Sprintf("evidence root %s not writable: %v", d.ev.Root(), err),
		}
	}
	parts = append(parts, "evidence root writable")

	stores := []struct {
		label string
		path  string
	}{
		{"idempotency store", d.env(idempotency.EnvStorePath)},
		{"rate-limit store", d.env(throttle.EnvStorePath)},
	}
	defaults := []string{
		filepath.Join(d.ev.Root(), idempotency.DefaultStoreFile),
		filepath.Join(d.ev.Root(), throttle.DefaultStoreFile),
	}
	for i, s := range stores {
		if s.path == "" {
			s.path = defaults[i]
		}
		if err := probeStorePath(s.path); err != nil {
			return Check{
				Name:   "stores_writable",
				Status: StatusFail,
				Detail: fmt.Sprintf("%s %s not writable: %v", s.label, s.path, err),
			}
		}
		parts = append(parts, s.label+" writable")
	}
	if addr := d.env(throttle.EnvRedisAddr); addr != "" {
		parts = append(parts, "rate-limit store redis configured")
	}

	return Check{Name: "stores_writable", Status: StatusOK, Detail: strings.Join(parts, "; ")}
}

func (d *Doctor) checkReceiptStore(ctx context.Context) Check {
	backend := d.env(delivery.EnvReceiptStore)
	if d.receipts == nil {
		if backend == "" {
			return Check{Name: "receipt_store", Status: StatusOK, Detail: "receipt index disabled"}
		}
		return Check{
			Name:   "receipt_store",
			Status: StatusWarn,
			Detail: fmt.Sprintf("%s=%s but no receipt index is wired", delivery.EnvReceiptStore, backend),
		}
	}
	rows, err := d.receipts.Recent(ctx, 5)
	if err != nil {
		return Check{Name: "receipt_store", Status: StatusFail, Detail: fmt.Sprintf("receipt index unreachable: %v", err)}
	}
	detail := fmt.Sprintf("receipt index reachable (%d recent rows)", len(rows))
	if len(rows) > 0 {
		detail += fmt.Sprintf("; latest outcome %s", rows[0].Outcome)
	}
	return Check{Name: "receipt_store", Status: StatusOK, Detail: detail}
}

// checkMOVAVersion verifies the runtime dialect and every stored
// run_summary.json against the compatibility constraint.
func (d *Doctor) checkMOVAVersion() Check {
	if err := version.CheckCompatible(version.MOVA); err != nil {
		return Check{Name: "mova_version", Status: StatusFail, Detail: err.Error()}
	}

	compatible, foreign := d.scanRunSummaries()
	if foreign > 0 {
		return Check{
			Name:   "mova_version",
			Status: StatusWarn,
			Detail: fmt.Sprintf("dialect %s satisfies %s, but %d stored run summaries carry an incompatible version", version.MOVA, version.Constraint, foreign),
		}
	}
	return Check{
		Name:   "mova_version",
		Status: StatusOK,
		Detail: fmt.Sprintf("dialect %s satisfies %s (%d stored run summaries compatible)", version.MOVA, version.Constraint, compatible),
	}
}

// scanRunSummaries samples run_summary.json files under the evidence root.
// Best effort: unreadable files are skipped, and the walk stops after 100
// summaries.
func (d *Doctor) scanRunSummaries() (compatible, foreign int) {
	seen := 0
	_ = filepath.WalkDir(d.ev.Root(), func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() || entry.Name() != "run_summary.json" {
			return nil //nolint:nilerr // best-effort sample
		}
		if seen >= 100 {
			return filepath.SkipAll
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		var summary struct {
			MOVAVersion string `json:"mova_version"`
		}
		if json.Unmarshal(data, &summary) != nil || summary.MOVAVersion == "" {
			return nil
		}
		seen++
		if version.CheckCompatible(summary.MOVAVersion) != nil {
			foreign++
			return nil
		}
		compatible++
		return nil
	})
	return compatible, foreign
}

// worst folds check statuses: any fail wins, then any warn.
func worst(checks []Check) string {
	status := StatusOK
	for _, c := range checks {
		switch {
		case c.Status == StatusFail:
			return StatusFail
		case c.Status == StatusWarn:
			status = StatusWarn
		}
	}
	return status
}

// probeDir verifies a directory accepts new files.
func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor_probe_*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// probeStorePath verifies a store file either exists and opens for writing,
// or could be created in its parent directory.
func probeStorePath(path string) error {
	if _, err := os.Stat(path); err == nil {
		f, oerr := os.OpenFile(path, os.O_WRONLY, 0)
		if oerr != nil {
			return oerr
		}
		return f.Close()
	}
	return probeDir(filepath.Dir(path))
}
