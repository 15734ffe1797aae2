// Package episode emits schema-validated episode records, execution and
// security-event variants, to a run's evidence directory with an append-only
// index.
//
// Episodes are never mutated after write. Unknown fields are relocated into
// meta_episode rather than deleted: auditable data is preserved even when the
// schema refuses it at the top level.
package episode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/schemareg"
	"github.com/mova-labs/ocp/pkg/version"
)

// maxStripPasses bounds the relocation loop for additionalProperties
// violations.
const maxStripPasses = 10

// Writer is run-scoped: one writer per run, bound to that run's evidence
// directory.
type Writer struct {
	reg       *schemareg.Registry
	ev        *evidence.Writer
	dir       string
	requestID string
	runID     string
	profileID string
	logger    *slog.Logger
	now       func() time.Time

	executions     int
	securityEvents int
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides time for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithPolicyProfileID stamps security events with the active profile.
func WithPolicyProfileID(id string) Option {
	return func(w *Writer) { w.profileID = id }
}

// NewWriter binds a writer to a run's evidence directory.
func NewWriter(reg *schemareg.Registry, ev *evidence.Writer, dir, requestID, runID string, opts ...Option) *Writer {
	w := &Writer{
		reg:       reg,
		ev:        ev,
		dir:       dir,
		requestID: requestID,
		runID:     runID,
		logger:    slog.Default().With("component", "episode"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Executions returns how many execution episodes this writer persisted.
func (w *Writer) Executions() int { return w.executions }

// SecurityEvents returns how many security events this writer persisted.
func (w *Writer) SecurityEvents() int { return w.securityEvents }

// WriteExecution fills defaults on partial, validates it as an execution
// episode, and persists it. Returns the final episode object as written.
func (w *Writer) WriteExecution(partial map[string]any) (map[string]any, error) {
	ep, err := w.assemble(partial, "exec", contracts.EpisodeTypeExecutionStep,
		contracts.StatusCompleted, contracts.ExecutionEpisodeKeys)
	if err != nil {
		return nil, err
	}
	out, err := w.persist(ep, contracts.ExecutionEpisodeSchemaID)
	if err != nil {
		return nil, err
	}
	w.executions++
	return out, nil
}

// WriteSecurityEvent is WriteExecution for the security variant: "sec_" ids,
// security defaults, and the security-event schema. The caller must supply
// security_event_type, security_event_category, and severity.
func (w *Writer) WriteSecurityEvent(partial map[string]any) (map[string]any, error) {
	ep, err := w.assemble(partial, "sec", contracts.EpisodeTypeSecurityEvent,
		contracts.StatusFailed, contracts.SecurityEpisodeKeys)
	if err != nil {
		return nil, err
	}
	if _, ok := ep["security_model_version"]; !ok {
		ep["security_model_version"] = contracts.SecurityModelVersionCurrent
	}
	if _, ok := ep["detection_source"]; !ok {
		ep["detection_source"] = "policy_engine"
	}
	if w.profileID != "" {
		if _, ok := ep["policy_profile_id"]; !ok {
			ep["policy_profile_id"] = w.profileID
		}
	}
	out, err := w.persist(ep, contracts.SecurityEventSchemaID)
	if err != nil {
		return nil, err
	}
	w.securityEvents++
	return out, nil
}

// assemble merges partial with defaults and relocates keys outside the
// variant's allow-list into meta_episode.
func (w *Writer) assemble(partial map[string]any, prefix, defaultType, defaultStatus string, allowed map[string]bool) (map[string]any, error) {
	meta := map[string]any{
		"request_id":   w.requestID,
		"run_id":       w.runID,
		"evidence_dir": w.dir,
	}
	ep := make(map[string]any, len(allowed))

	if pm, ok := partial["meta_episode"].(map[string]any); ok {
		for k, v := range pm {
			meta[k] = v
		}
	}
	for k, v := range partial {
		if k == "meta_episode" {
			continue
		}
		if allowed[k] {
			ep[k] = v
			continue
		}
		// Unknown top-level fields are preserved, not dropped.
		meta[k] = v
	}

	if v, ok := ep["mova_version"].(string); ok {
		if err := version.CheckCompatible(v); err != nil {
			return nil, fmt.Errorf("episode: %w", err)
		}
	} else {
		ep["mova_version"] = version.MOVA
	}

	id, err := w.newID(prefix)
	if err != nil {
		return nil, err
	}
	ep["episode_id"] = id
	if _, ok := ep["episode_type"]; !ok {
		ep["episode_type"] = defaultType
	}
	if _, ok := ep["recorded_at"]; !ok {
		ep["recorded_at"] = w.now().UTC().Format(time.RFC3339)
	}
	if _, ok := ep["executor"]; !ok {
		ep["executor"] = map[string]any{
			"kind":    "runtime",
			"id":      "ocp-interpreter",
			"version": version.MOVA,
		}
	}
	if _, ok := ep["result_status"]; !ok {
		ep["result_status"] = defaultStatus
	}
	ep["meta_episode"] = meta
	return ep, nil
}

// persist validates with the strip protocol, writes the per-episode file,
// then appends to the index. The index append happens strictly after the
// episode file is committed.
func (w *Writer) persist(ep map[string]any, schemaID string) (map[string]any, error) {
	res, ok := w.strip(ep, schemaID)
	if !ok {
		id, _ := ep["episode_id"].(string)
		w.dump(id, ep, res)
		return nil, fmt.Errorf("episode %s failed %s validation after %d passes: %v",
			id, schemaID, maxStripPasses, res.Strings())
	}

	id := ep["episode_id"].(string)
	if err := w.ev.WriteArtifact(w.dir, filepath.Join("episodes", id+".json"), ep); err != nil {
		return nil, fmt.Errorf("episode %s: %w", id, err)
	}
	if err := w.ev.AppendLine(w.dir, filepath.Join("episodes", "index.jsonl"), ep); err != nil {
		return nil, fmt.Errorf("episode %s index: %w", id, err)
	}
	return ep, nil
}

// strip relocates schema-flagged additionalProperties into meta_episode and
// re-validates, bounded by maxStripPasses. Only root-level violations are
// candidates; nested ones indicate malformed payloads, not relocatable keys.
func (w *Writer) strip(ep map[string]any, schemaID string) (schemareg.Result, bool) {
	meta := ep["meta_episode"].(map[string]any)

	var res schemareg.Result
	for pass := 0; pass < maxStripPasses; pass++ {
		res = w.reg.Validate(schemaID, ep)
		if res.OK {
			return res, true
		}
		moved := 0
		for _, name := range res.AdditionalProperties()[""] {
			if name == "meta_episode" {
				continue
			}
			if v, ok := ep[name]; ok {
				meta[name] = v
				delete(ep, name)
				moved++
			}
		}
		if moved == 0 {
			// Remaining errors are not relocatable.
			return res, false
		}
	}
	res = w.reg.Validate(schemaID, ep)
	return res, res.OK
}

// dump persists diagnostics next to the episodes directory when an episode
// cannot be made valid.
func (w *Writer) dump(id string, ep map[string]any, res schemareg.Result) {
	if id == "" {
		id = "unknown"
	}
	if err := w.ev.WriteArtifact(w.dir, id+"_episode_dump.json", ep); err != nil {
		w.logger.Error("episode dump write failed", "episode_id", id, "error", err)
	}
	if err := w.ev.WriteArtifact(w.dir, id+"_validation_errors.json", res.Errors); err != nil {
		w.logger.Error("episode diagnostics write failed", "episode_id", id, "error", err)
	}
}

// newID generates "<prefix>_<unix_ms>_<6 hex>".
func (w *Writer) newID(prefix string) (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("episode id entropy: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", prefix, w.now().UTC().UnixMilli(), hex.EncodeToString(b[:])), nil
}
