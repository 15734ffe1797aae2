// Package delivery implements the outbound delivery pipeline: policy profile
// enforcement, idempotent suppression, cooldown throttling, retried signed
// webhook sends, and an evidence trail for every outcome.
//
// Every call, including refused ones, leaves request.json, result_core.json,
// and evidence.json in its own run directory. result_core.json holds only
// deterministic fields; timestamps, hashes, and timings live in
// evidence.json.
package delivery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mova-labs/ocp/pkg/audit"
	"github.com/mova-labs/ocp/pkg/canonical"
	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/driver"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/idempotency"
	"github.com/mova-labs/ocp/pkg/observability"
	"github.com/mova-labs/ocp/pkg/policy"
	"github.com/mova-labs/ocp/pkg/retry"
	"github.com/mova-labs/ocp/pkg/schemareg"
	"github.com/mova-labs/ocp/pkg/throttle"
	"github.com/mova-labs/ocp/pkg/webhook"
)

// Verb is the evidence namespace for delivery runs.
const Verb = "delivery.v1"

// Environment variables read at Deliver entry.
const (
	EnvProfileID          = "OCP_POLICY_PROFILE_ID"
	EnvEnableRealSend     = "OCP_ENABLE_REAL_SEND"
	EnvSigningSecret      = "WEBHOOK_SIGNING_SECRET"
	EnvRequireIdempotency = "OCP_REQUIRE_IDEMPOTENCY"
)

// Request is one delivery order.
type Request struct {
	TargetURL      string
	Payload        any
	IdempotencyKey string

	// ProfileID overrides the OCP_POLICY_PROFILE_ID selection.
	ProfileID string

	// RequestID is honored when set; otherwise one is generated.
	RequestID string

	// DryRun routes through the no-send delivery driver: policy (minus the
	// arming switch), idempotency, and evidence all behave as in a real send,
	// but nothing leaves the process and no store is updated.
	DryRun bool
}

// Orchestrator runs deliveries. All collaborators are injected.
type Orchestrator struct {
	profiles *Profiles
	ev       *evidence.Writer
	drivers  *driver.Registry
	idem     *idempotency.Store
	lastSent throttle.LastSentStore

	receipts ReceiptIndex
	retry    *retry.Engine
	rps      *throttle.RPSGate
	reg      *schemareg.Registry
	auditLog audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	env      func(string) string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReceiptIndex records terminal outcomes in an index store.
func WithReceiptIndex(idx ReceiptIndex) Option {
	return func(o *Orchestrator) { o.receipts = idx }
}

// WithRetryEngine overrides the retry engine (tests inject fake sleepers).
func WithRetryEngine(e *retry.Engine) Option {
	return func(o *Orchestrator) { o.retry = e }
}

// WithRPSGate caps process-wide outbound sends per derived key.
func WithRPSGate(g *throttle.RPSGate) Option {
	return func(o *Orchestrator) { o.rps = g }
}

// WithSchemaRegistry enables receipt validation before return.
func WithSchemaRegistry(reg *schemareg.Registry) Option {
	return func(o *Orchestrator) { o.reg = reg }
}

// WithAudit attaches an audit logger.
func WithAudit(l audit.Logger) Option {
	return func(o *Orchestrator) { o.auditLog = l }
}

// WithObservability attaches a telemetry provider; the default is a no-op.
func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides id generation for tests.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithEnv overrides environment lookup for tests.
func WithEnv(f func(string) string) Option {
	return func(o *Orchestrator) { o.env = f }
}

// NewOrchestrator wires an Orchestrator from its required collaborators.
func NewOrchestrator(profiles *Profiles, ev *evidence.Writer, drivers *driver.Registry, idem *idempotency.Store, lastSent throttle.LastSentStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		profiles: profiles,
		ev:       ev,
		drivers:  drivers,
		idem:     idem,
		lastSent: lastSent,
		retry:    retry.New(),
		auditLog: audit.Nop(),
		obs:      observability.Nop(),
		logger:   slog.Default().With("component", "delivery"),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		env:      os.Getenv,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// deliveryState accumulates everything finish needs to assemble the trail.
type deliveryState struct {
	req       Request
	profileID string
	profile   contracts.PolicyProfile
	requestID string
	runID     string
	dir       string
	host      string
	bodySHA   string
	started   time.Time

	policyDecision string
	policyReason   string
	remainingMs    int64
	suppressed     bool
	originalPath   string
	attempts       []contracts.DeliveryAttempt
	statusCode     int
	responseSHA    string
	delivered      bool
	throttleKey    string
}

// Deliver executes one delivery order end to end. The receipt is non-nil for
// every orchestrated outcome, refusals included; a non-nil error alongside a
// nil receipt means the evidence trail itself could not be produced. Both may
// be non-nil when the send succeeded but post-delivery bookkeeping failed.
func (o *Orchestrator) Deliver(ctx context.Context, req Request) (*contracts.Receipt, error) {
	ctx, end := o.obs.TrackOperation(ctx, observability.SpanDelivery)
	rcpt, err := o.deliver(ctx, req)
	if rcpt == nil {
		end(err)
		return nil, err
	}
	observability.SetSpanOutcome(ctx, string(rcpt.Outcome), rcpt.OK)
	end(err)
	return rcpt, err
}

func (o *Orchestrator) deliver(ctx context.Context, req Request) (*contracts.Receipt, error) {
	st := &deliveryState{
		req:       req,
		requestID: req.RequestID,
		runID:     o.newID(),
		started:   o.now().UTC(),
	}
	if st.requestID == "" {
		st.requestID = o.newID()
	}

	// The run directory exists before any check can refuse, so every outcome
	// has somewhere to record its evidence.
	dir, err := o.ev.NewRunDir(Verb, st.requestID, st.runID)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	st.dir = dir

	// 1. Policy profile.
	st.profileID = req.ProfileID
	if st.profileID == "" {
		st.profileID = o.env(EnvProfileID)
	}
	profile, err := o.profiles.Load(st.profileID)
	if err != nil {
		return o.finish(ctx, st, contracts.OutcomeBadRequest, false, err.Error())
	}
	st.profile = profile
	st.profileID = profile.ID

	// 2. Request shape.
	if req.TargetURL == "" {
		return o.finish(ctx, st, contracts.OutcomeBadRequest, false, "target_url is required")
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || u.Hostname() == "" {
		return o.finish(ctx, st, contracts.OutcomeBadRequest, false, "target_url is not a valid URL")
	}
	st.host = u.Hostname()

	body, err := canonical.Bytes(req.Payload)
	if err != nil {
		return o.finish(ctx, st, contracts.OutcomeBadRequest, false, "payload is not JSON-serializable")
	}
	if profile.MaxPayloadBytes > 0 && len(body) > profile.MaxPayloadBytes {
		return o.finish(ctx, st, contracts.OutcomeBadRequest, false,
			fmt.Sprintf("payload is %d bytes, profile caps it at %d", len(body), profile.MaxPayloadBytes))
	}

	secret := o.env(EnvSigningSecret)
	if profile.RequireHMAC && secret == "" && !req.DryRun {
		return o.finish(ctx, st, contracts.OutcomeUnauthorized, false,
			fmt.Sprintf("profile %s requires HMAC signing but %s is empty", profile.ID, EnvSigningSecret))
	}

	// 3. In-line policy: three rules over the default deny.
	dec := o.evaluatePolicy(st, secret)
	st.policyDecision = string(dec.Action)
	st.policyReason = dec.Reason
	if !dec.Allowed {
		return o.finish(ctx, st, contracts.OutcomePolicyDenied, false, dec.Reason)
	}

	// 4. Hashes and derived keys.
	st.bodySHA = canonical.HashBytes(body)
	st.throttleKey = throttle.Key(req.TargetURL, contracts.DriverKindWebhookV1)

	// 5. Idempotency.
	if req.IdempotencyKey == "" && o.env(EnvRequireIdempotency) == "1" {
		return o.finish(ctx, st, contracts.OutcomeMissingIdemKey, false, "idempotency key required but none supplied")
	}
	switch idec := o.idem.Check(req.IdempotencyKey, st.bodySHA); idec.Status {
	case idempotency.Suppressed:
		st.suppressed = true
		st.originalPath = idec.OriginalEvidencePath
		st.delivered = true
		return o.finish(ctx, st, contracts.OutcomeSuppressedDuplicate, true, "")
	case idempotency.Conflict:
		return o.finish(ctx, st, contracts.OutcomeIdempotencyConflict, false,
			fmt.Sprintf("idempotency key %q was first used with a different payload", req.IdempotencyKey))
	}

	// 6. Rate limit.
	if profile.RateLimit.Enabled && !req.DryRun {
		lastMs, has, err := o.lastSent.GetLastSent(ctx, st.throttleKey)
		if err != nil {
			return nil, fmt.Errorf("delivery: rate limit store: %w", err)
		}
		tdec := throttle.Evaluate(o.now().UnixMilli(), profile.RateLimit.CooldownMs, lastMs, has)
		if !tdec.Allowed {
			st.remainingMs = tdec.RemainingMs
			reason := fmt.Sprintf("target in cooldown for another %dms", tdec.RemainingMs)
			if profile.RateLimit.Strict {
				return o.finish(ctx, st, contracts.OutcomeThrottledStrict, false, reason)
			}
			return o.finish(ctx, st, contracts.OutcomeThrottled, true, reason)
		}
	}
	if o.rps != nil && profile.RateLimit.MaxRPS > 0 && !req.DryRun {
		if err := o.rps.Wait(ctx, st.throttleKey); err != nil {
			return nil, fmt.Errorf("delivery: rps gate: %w", err)
		}
	}

	// 7. Send, with retries when the profile enables them.
	outcome, ferr := o.send(ctx, st, secret)
	if ferr != nil {
		return o.finishDriverRefusal(ctx, st, ferr)
	}
	st.attempts = outcome.Attempts
	if outcome.Result != nil {
		st.statusCode = outcome.Result.Status
		st.responseSHA = outcome.Result.BodySHA256
	}

	// Delivered means bytes actually reached the target; a dry run succeeds
	// without delivering.
	ok := outcome.Code == contracts.OutcomeDelivered
	st.delivered = ok && !req.DryRun

	reason := ""
	if outcome.LastError != nil {
		reason = outcome.LastError.Error()
	} else if !ok && outcome.Result != nil {
		reason = fmt.Sprintf("target answered %d", outcome.Result.Status)
	}
	return o.finish(ctx, st, outcome.Code, ok, reason)
}

// evaluatePolicy builds the three-rule real-send gate. Anything the rules do
// not explicitly allow falls through to the engine's default deny.
func (o *Orchestrator) evaluatePolicy(st *deliveryState, secret string) policy.Decision {
	profile := st.profile
	host := st.host
	armed := o.env(EnvEnableRealSend) == "1"
	dryRun := st.req.DryRun

	eng := policy.NewEngine(policy.WithLogger(o.logger))
	_ = eng.AddRules([]policy.Rule{
		{
			ID:          "allow-real-send",
			Priority:    30,
			Action:      policy.ActionAllow,
			Description: "send armed and target allowed",
			Predicate: func(*policy.Context) bool {
				if !profile.TargetAllowed(host) {
					return false
				}
				if dryRun {
					return true
				}
				return armed && profile.AllowRealSend
			},
		},
		{
			ID:          "deny-target-not-allowed",
			Priority:    20,
			Action:      policy.ActionDeny,
			Description: fmt.Sprintf("host %q is not in allowed_targets", host),
			Kind:        contracts.ErrDestinationNotAllowlisted,
			Predicate: func(*policy.Context) bool {
				return !profile.TargetAllowed(host)
			},
		},
		{
			ID:          "deny-secret-missing",
			Priority:    10,
			Action:      policy.ActionDeny,
			Description: "profile requires HMAC but no signing secret is present",
			Kind:        contracts.ErrValidationFailed,
			Predicate: func(*policy.Context) bool {
				return profile.RequireHMAC && secret == "" && !dryRun
			},
		},
	})
	return eng.Evaluate(&policy.Context{})
}

// send resolves the driver and runs it under the profile's retry policy. The
// returned error is a driver-resolution refusal; transport failures are
// encoded in the Outcome.
func (o *Orchestrator) send(ctx context.Context, st *deliveryState, secret string) (retry.Outcome, error) {
	profile := st.profile

	name := contracts.DriverKindWebhookV1
	if st.req.DryRun {
		name = driver.NameNoopDeliveryV0
	}
	drv, err := o.drivers.Get(name)
	if err != nil {
		return retry.Outcome{}, err
	}

	sendSecret := secret
	if profile.KeyDerivation == contracts.KeyDerivationPerTarget && secret != "" {
		derived, err := webhook.DeriveTargetKey([]byte(secret), st.host)
		if err != nil {
			return retry.Outcome{}, err
		}
		sendSecret = hex.EncodeToString(derived)
	}

	input := map[string]any{
		"target_url": st.req.TargetURL,
		"payload":    st.req.Payload,
		"timeout_ms": int64(profile.TimeoutMs),
	}
	if !st.req.DryRun {
		input["signing_secret"] = sendSecret
		input["request_id"] = st.requestID
		if profile.AuthMode != contracts.AuthModeNone {
			input["auth_mode"] = profile.AuthMode
		}
	}
	ec := driver.ExecContext{
		DriverName: name,
		Allowlist:  profile.AllowedTargets,
		Limits:     contracts.Limits{TimeoutMs: profile.TimeoutMs},
		Binding: contracts.Binding{
			DriverKind:           name,
			DestinationAllowlist: profile.AllowedTargets,
			Limits:               contracts.Limits{TimeoutMs: profile.TimeoutMs},
		},
	}

	if st.req.DryRun {
		// One pass, no retries, nothing on the wire.
		if _, err := drv.Execute(ctx, input, ec); err != nil {
			return retry.Outcome{}, err
		}
		return retry.Outcome{Code: contracts.OutcomeDelivered}, nil
	}

	op := func(ctx context.Context) (retry.Result, error) {
		out, err := drv.Execute(ctx, input, ec)
		if err != nil {
			return retry.Result{}, err
		}
		return resultFromDriverOutput(out), nil
	}
	return o.retry.Run(ctx, op, retry.Policy{
		Enabled:       profile.RetryEnabled,
		MaxAttempts:   profile.MaxAttempts,
		RetryOnStatus: profile.RetryOnStatus,
		BaseBackoffMs: int64(profile.BaseBackoffMs),
		MaxBackoffMs:  int64(profile.MaxBackoffMs),
	}), nil
}

// finishDriverRefusal maps driver-resolution failures: a gated driver is a
// policy denial, an unknown driver is a deployment defect.
func (o *Orchestrator) finishDriverRefusal(ctx context.Context, st *deliveryState, err error) (*contracts.Receipt, error) {
	if errors.Is(err, driver.ErrDriverNotFound) {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	st.policyDecision = string(policy.ActionDeny)
	st.policyReason = err.Error()
	return o.finish(ctx, st, contracts.OutcomePolicyDenied, false, err.Error())
}

// finish persists the evidence trio, updates the idempotency and rate-limit
// stores on successful real sends, indexes the receipt, and emits the audit
// event. Every delivery path ends here exactly once.
func (o *Orchestrator) finish(ctx context.Context, st *deliveryState, outcome contracts.OutcomeCode, ok bool, reason string) (*contracts.Receipt, error) {
	finished := o.now().UTC()
	observability.SpanFromContext(ctx).SetAttributes(
		observability.DeliveryAttrs(st.requestID, st.runID, st.profileID, st.host)...)

	core := contracts.ResultCore{
		RequestID:  st.requestID,
		RunID:      st.runID,
		DriverKind: contracts.DriverKindWebhookV1,
		TargetURL:  st.req.TargetURL,
		Delivered:  st.delivered,
		StatusCode: st.statusCode,
		DryRun:     st.req.DryRun,
	}
	ev := contracts.DeliveryEvidence{
		ProfileID:            st.profileID,
		TargetHost:           st.host,
		PolicyDecision:       st.policyDecision,
		PolicyReason:         st.policyReason,
		BodySHA256:           st.bodySHA,
		ResponseBodySHA256:   st.responseSHA,
		DurationMs:           finished.Sub(st.started).Milliseconds(),
		Timestamp:            finished.Format(time.RFC3339),
		Suppressed:           st.suppressed,
		OriginalEvidencePath: st.originalPath,
		Attempts:             st.attempts,
		AttemptsTotal:        len(st.attempts),
		OutcomeCode:          outcome,
		RateLimitRemainingMs: st.remainingMs,
	}
	reqArtifact := map[string]any{
		"request_id":      st.requestID,
		"run_id":          st.runID,
		"profile_id":      st.profileID,
		"target_url":      st.req.TargetURL,
		"payload":         st.req.Payload,
		"idempotency_key": st.req.IdempotencyKey,
		"dry_run":         st.req.DryRun,
	}

	artifacts := []struct {
		name string
		v    any
	}{
		{"request.json", reqArtifact},
		{"result_core.json", core},
		{"evidence.json", ev},
	}
	for _, a := range artifacts {
		if err := o.ev.WriteArtifact(st.dir, a.name, a.v); err != nil {
			return nil, fmt.Errorf("delivery: %w", err)
		}
	}
	evidencePath := filepath.Join(st.dir, "evidence.json")

	rcpt := &contracts.Receipt{
		OK:           ok,
		Outcome:      outcome,
		Core:         core,
		EvidencePath: evidencePath,
		Reason:       reason,
	}

	if o.receipts != nil {
		row := ReceiptRow{
			RequestID:  st.requestID,
			RunID:      st.runID,
			ProfileID:  st.profileID,
			TargetHost: st.host,
			Outcome:    string(outcome),
			StatusCode: st.statusCode,
			DurationMs: ev.DurationMs,
			CreatedAt:  finished,
		}
		if err := o.receipts.Insert(ctx, row); err != nil {
			o.logger.Error("receipt index insert failed", "run_id", st.runID, "error", err)
		}
	}

	_ = o.auditLog.Record(ctx, audit.EventDelivery,
		"delivery."+strings.ToLower(string(outcome)), st.runID, map[string]any{
			"request_id":  st.requestID,
			"profile_id":  st.profileID,
			"target_host": st.host,
			"outcome":     string(outcome),
		})

	if o.reg != nil {
		if vres := o.reg.Validate("delivery_receipt", rcpt); !vres.OK {
			o.logger.Error("receipt failed schema validation", "run_id", st.runID, "errors", vres.Strings())
		}
	}

	// Post-delivery bookkeeping, only for real successful sends. A store
	// failure here must be loud: forgetting a delivered key would re-send on
	// the next call.
	if outcome == contracts.OutcomeDelivered && !st.req.DryRun {
		nowMs := finished.UnixMilli()
		if err := o.idem.Record(st.req.IdempotencyKey, st.bodySHA, evidencePath, nowMs); err != nil {
			return rcpt, fmt.Errorf("delivery bookkeeping: idempotency record: %w", err)
		}
		if err := o.lastSent.SetLastSent(ctx, st.throttleKey, nowMs); err != nil {
			return rcpt, fmt.Errorf("delivery bookkeeping: rate limit store: %w", err)
		}
	}

	return rcpt, nil
}

// resultFromDriverOutput maps the webhook driver's output bag onto the retry
// engine's result type.
func resultFromDriverOutput(out map[string]any) retry.Result {
	r := retry.Result{}
	switch v := out["status"].(type) {
	case int:
		r.Status = v
	case int64:
		r.Status = int(v)
	case float64:
		r.Status = int(v)
	}
	switch v := out["duration_ms"].(type) {
	case int64:
		r.DurationMs = v
	case float64:
		r.DurationMs = int64(v)
	}
	if s, ok := out["response_body"].(string); ok {
		r.ResponseBody = s
	}
	if s, ok := out["response_body_sha256"].(string); ok {
		r.BodySHA256 = s
	}
	return r
}
