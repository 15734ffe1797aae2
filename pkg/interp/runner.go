// Package interp executes validated plans step by step and leaves a complete
// evidence trail behind: resolved input artifacts, per-step logs, execution
// episodes, security events for every refusal, and a final run summary.
//
// Runs are single-threaded and deterministic: step N observes all writes of
// steps 0..N-1, and steps never execute concurrently.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mova-labs/ocp/pkg/audit"
	"github.com/mova-labs/ocp/pkg/budget"
	"github.com/mova-labs/ocp/pkg/canonical"
	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/driver"
	"github.com/mova-labs/ocp/pkg/episode"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/observability"
	"github.com/mova-labs/ocp/pkg/policy"
	"github.com/mova-labs/ocp/pkg/schemareg"
	"github.com/mova-labs/ocp/pkg/version"
)

// Archiver uploads a finished run directory to long-term storage. Archival is
// best-effort: a failed upload never fails the run.
type Archiver interface {
	ArchiveRun(ctx context.Context, runDir string) error
}

// RunInput carries the four boundary documents of one run.
type RunInput struct {
	Request  contracts.RequestEnvelope
	Plan     contracts.Plan
	ToolPool contracts.ToolPool
	Profile  contracts.InstructionProfile

	// TokenBudgetPath optionally points at a token budget contract. When set,
	// the resolved contract and final usage counters are persisted with the
	// run.
	TokenBudgetPath string
}

// RunSummary is the run_summary.json artifact.
type RunSummary struct {
	RunID          string `json:"run_id"`
	RequestID      string `json:"request_id"`
	Status         string `json:"status"`
	MOVAVersion    string `json:"mova_version"`
	StepsTotal     int    `json:"steps_total"`
	StepsCompleted int    `json:"steps_completed"`
	StepsFailed    int    `json:"steps_failed"`
	SecurityEvents int    `json:"security_events"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at"`
	Error          string `json:"error,omitempty"`
}

// RunResult is what RunPlan hands back to the caller.
type RunResult struct {
	Success     bool
	RunID       string
	RequestID   string
	EvidenceDir string
	Summary     RunSummary
}

// Runner executes plans. All collaborators are injected; the zero value is
// not usable.
type Runner struct {
	reg       *schemareg.Registry
	ev        *evidence.Writer
	drivers   *driver.Registry
	engine    *policy.Engine
	auditLog  audit.Logger
	archiver  Archiver
	obs       *observability.Provider
	profileID string
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithAudit attaches an audit logger; the default discards events.
func WithAudit(l audit.Logger) Option {
	return func(r *Runner) { r.auditLog = l }
}

// WithArchiver attaches a run-directory archiver.
func WithArchiver(a Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithObservability attaches a telemetry provider; the default is a no-op.
func WithObservability(p *observability.Provider) Option {
	return func(r *Runner) { r.obs = p }
}

// WithPolicyProfileID stamps security events with the active policy profile.
func WithPolicyProfileID(id string) Option {
	return func(r *Runner) { r.profileID = id }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides time for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithIDGenerator overrides run/request id generation for tests.
func WithIDGenerator(f func() string) Option {
	return func(r *Runner) { r.newID = f }
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(reg *schemareg.Registry, ev *evidence.Writer, drivers *driver.Registry, engine *policy.Engine, opts ...Option) *Runner {
	r := &Runner{
		reg:      reg,
		ev:       ev,
		drivers:  drivers,
		engine:   engine,
		auditLog: audit.Nop(),
		obs:      observability.Nop(),
		logger:   slog.Default().With("component", "interp"),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stepFailure classifies one failed step. force marks failures that stop the
// run regardless of the step's on_error policy: broken step wiring and
// missing drivers.
type stepFailure struct {
	kind      contracts.ErrorKind
	detail    string
	force     bool
	execError bool
}

// runState carries one run's collaborators and loop counters for the final
// summary.
type runState struct {
	stepsTotal int
	completed  int
	failed     int
	fatal      bool
	execError  bool
	errMsg     string

	ev           *evidence.Writer
	enforcer     *budget.Enforcer
	budgetLoaded bool
}

func (st *runState) note(msg string) {
	if st.errMsg == "" {
		st.errMsg = msg
	}
}

// RunPlan executes one plan end to end. Policy and validation refusals are
// recorded in the result, not returned as errors; a non-nil error means the
// evidence trail itself could not be produced.
func (r *Runner) RunPlan(ctx context.Context, in RunInput) (*RunResult, error) {
	ctx, end := r.obs.TrackOperation(ctx, observability.SpanRunPlan)
	res, err := r.runPlan(ctx, in)
	if err != nil {
		end(err)
		return nil, err
	}
	observability.SetSpanOutcome(ctx, res.Summary.Status, res.Success)
	end(nil)
	return res, nil
}

func (r *Runner) runPlan(ctx context.Context, in RunInput) (*RunResult, error) {
	// 1. Registry readiness. Running without the episode schemas would mean
	// unvalidated evidence, so this fails closed.
	if !r.reg.Has(contracts.ExecutionEpisodeSchemaID) || !r.reg.Has(contracts.SecurityEventSchemaID) {
		return nil, errors.New("interp: schema registry not loaded")
	}

	started := r.now().UTC()
	requestID := requestIDFrom(in.Request, r.newID)
	runID := r.newID()
	observability.SpanFromContext(ctx).SetAttributes(
		observability.RunAttrs(requestID, runID, len(in.Plan.Payload.Steps))...)

	// The profile's redaction_rules widen the masker for every artifact this
	// run persists, episodes included.
	ev := r.ev.WithRules(in.Profile.RedactionRules...)

	dir, err := ev.NewRunDir(evidence.InterpreterNamespace, requestID, runID)
	if err != nil {
		return nil, fmt.Errorf("interp: %w", err)
	}

	epOpts := []episode.Option{episode.WithClock(r.now), episode.WithLogger(r.logger)}
	if r.profileID != "" {
		epOpts = append(epOpts, episode.WithPolicyProfileID(r.profileID))
	}
	epw := episode.NewWriter(r.reg, ev, dir, requestID, runID, epOpts...)

	res := &RunResult{RunID: runID, RequestID: requestID, EvidenceDir: dir}
	st := runState{stepsTotal: len(in.Plan.Payload.Steps), ev: ev}

	// 2. Persist the resolved inputs before anything can refuse them: the
	// evidence trail must exist even for rejected plans.
	req := in.Request
	if req == nil {
		req = contracts.RequestEnvelope{}
	}
	resolved := []struct {
		name string
		v    any
	}{
		{"request.envelope.json", req},
		{"plan.envelope.json", in.Plan},
		{"tool_pool.resolved.json", in.ToolPool},
		{"instruction_profile.resolved.json", in.Profile},
	}
	for _, a := range resolved {
		if err := ev.WriteArtifact(dir, a.name, a.v); err != nil {
			return nil, fmt.Errorf("interp: %w", err)
		}
	}

	// 3. Validate the boundary documents. Any failure is a policy violation,
	// not a transport error.
	checks := []struct {
		id    string
		doc   any
		label string
	}{
		{"plan_envelope", in.Plan, "plan"},
		{"tool_pool", in.ToolPool, "tool pool"},
		{"instruction_profile", in.Profile, "instruction profile"},
	}
	for _, c := range checks {
		if vres := r.reg.Validate(c.id, c.doc); !vres.OK {
			reason := fmt.Sprintf("%s failed validation: %s", c.label, strings.Join(vres.Strings(), "; "))
			r.securityEvent(epw, contracts.ErrValidationFailed, reason, map[string]any{"document": c.label})
			st.fatal = true
			st.note(reason)
			return r.finalize(ctx, res, epw, dir, started, st)
		}
	}

	// 4. Token budget. A malformed contract fails closed before any step
	// executes.
	st.enforcer = budget.NewEnforcer(nil, r.logger)
	if in.TokenBudgetPath != "" {
		contract, err := budget.Load(in.TokenBudgetPath)
		if err != nil {
			reason := fmt.Sprintf("token budget contract: %v", err)
			r.securityEvent(epw, contracts.ErrValidationFailed, reason, map[string]any{"path": in.TokenBudgetPath})
			st.fatal = true
			st.note(reason)
			return r.finalize(ctx, res, epw, dir, started, st)
		}
		if err := ev.WriteArtifact(dir, "token_budget.resolved.json", contract); err != nil {
			return nil, fmt.Errorf("interp: %w", err)
		}
		st.enforcer = budget.NewEnforcer(contract, r.logger)
		st.budgetLoaded = true
	}

	// 5. Execute steps in order.
	outputs := make(map[string]map[string]any, st.stepsTotal)
	for _, s := range in.Plan.Payload.Steps {
		if err := ctx.Err(); err != nil {
			st.fatal = true
			st.note(fmt.Sprintf("run cancelled before step %s: %v", s.ID, err))
			break
		}

		out, sf := r.runStep(ctx, epw, dir, in, s, outputs, &st)
		if sf == nil {
			outputs[s.ID] = out
			st.completed++
			continue
		}

		st.failed++
		st.note(sf.detail)
		if sf.kind.Fatal() || sf.force {
			st.fatal = true
		}
		if sf.execError {
			st.execError = true
		}
		r.recordStepFailure(epw, s, sf)
		if sf.force || s.EffectiveOnError() == contracts.OnErrorFatal {
			break
		}
	}

	return r.finalize(ctx, res, epw, dir, started, st)
}

// runStep runs the per-step pipeline: resolve input, validate it, enforce
// policy and budget, execute the driver, bound and validate its output, then
// persist the step log and episode. A nil stepFailure means success.
func (r *Runner) runStep(ctx context.Context, epw *episode.Writer, dir string, in RunInput, s contracts.Step, outputs map[string]map[string]any, st *runState) (out map[string]any, sf *stepFailure) {
	ctx, span := r.obs.StartSpan(ctx, observability.SpanStep,
		trace.WithAttributes(observability.AttrStepID.String(s.ID)))
	defer func() {
		if sf == nil {
			observability.SetSpanOutcome(ctx, contracts.StatusCompleted, true)
		} else {
			observability.SetSpanOutcome(ctx, string(sf.kind), false)
		}
		span.End()
	}()

	// a. Resolve input. Broken wiring stops the run no matter the step's
	// on_error policy.
	input, err := resolveInput(s, outputs)
	if err != nil {
		return nil, &stepFailure{kind: contracts.ErrValidationFailed, detail: err.Error(), force: true}
	}

	// b. Input contract, when the step declares one.
	if s.ExpectedOutputSchemaRef != "" {
		if vres := r.reg.Validate(s.ExpectedOutputSchemaRef, input); !vres.OK {
			return nil, &stepFailure{
				kind:   contracts.ErrInputValidationFailed,
				detail: fmt.Sprintf("step %s input: %s", s.ID, strings.Join(vres.Strings(), "; ")),
			}
		}
	}

	// c. Policy.
	pctx := &policy.Context{
		Step:       s,
		Pool:       in.ToolPool,
		Profile:    in.Profile,
		Input:      input,
		StepsTotal: len(in.Plan.Payload.Steps),
	}
	if tool, ok := in.ToolPool.Find(s.ConnectorID); ok {
		pctx.Tool = &tool
	}
	if dec := r.engine.Evaluate(pctx); !dec.Allowed {
		return nil, &stepFailure{
			kind:   dec.Kind,
			detail: fmt.Sprintf("step %s denied by %s: %s", s.ID, dec.RuleID, dec.Reason),
		}
	}

	// d. Budget allowance for the model call this step represents.
	if v := st.enforcer.CheckModelCall(); !v.Allowed {
		return nil, &stepFailure{
			kind:   contracts.ErrResourceBudgetExceeded,
			detail: fmt.Sprintf("step %s: %s", s.ID, v.Reason),
		}
	}

	// e. Driver resolution. Policy already rejected steps whose connector is
	// not in the pool, so the tool is present here.
	binding := pctx.Tool.Binding
	span.SetAttributes(observability.AttrDriverKind.String(binding.DriverKind))
	drv, err := r.drivers.Get(binding.DriverKind)
	if err != nil {
		return nil, &stepFailure{
			kind:   contracts.ErrHandlerNotFound,
			detail: fmt.Sprintf("step %s: %v", s.ID, err),
			force:  true,
		}
	}

	// f. Execute.
	stepStart := r.now()
	output, err := drv.Execute(ctx, input, driver.ExecContext{
		DriverName: binding.DriverKind,
		Allowlist:  binding.DestinationAllowlist,
		Limits:     binding.Limits,
		Binding:    binding,
	})
	durationMs := r.now().Sub(stepStart).Milliseconds()
	if err != nil {
		kind := contracts.ErrExecutionError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = contracts.ErrTimeout
		}
		return nil, &stepFailure{
			kind:      kind,
			detail:    fmt.Sprintf("step %s: %v", s.ID, err),
			execError: true,
		}
	}

	// g. Output byte cap; the call is accounted only once the output is in
	// bounds.
	outBytes, err := canonical.Bytes(output)
	if err != nil {
		return nil, &stepFailure{
			kind:      contracts.ErrExecutionError,
			detail:    fmt.Sprintf("step %s output not serializable: %v", s.ID, err),
			execError: true,
		}
	}
	if v := st.enforcer.EnforceToolOutput(int64(len(outBytes))); !v.Allowed {
		return nil, &stepFailure{
			kind:   contracts.ErrResourceBudgetExceeded,
			detail: fmt.Sprintf("step %s: %s", s.ID, v.Reason),
		}
	}
	st.enforcer.RecordToolCall()

	// h. Output contract.
	if ref := binding.SchemaRefs.Output; ref != "" {
		if vres := r.reg.Validate(ref, output); !vres.OK {
			return nil, &stepFailure{
				kind:   contracts.ErrOutputValidationFailed,
				detail: fmt.Sprintf("step %s output: %s", s.ID, strings.Join(vres.Strings(), "; ")),
			}
		}
	}

	// i. Step log first, then the completed episode.
	logEntry := map[string]any{
		"input":  input,
		"output": output,
		"ts":     r.now().UTC().Format(time.RFC3339),
	}
	if err := st.ev.WriteArtifact(dir, filepath.Join("logs", s.ID+".log"), logEntry); err != nil {
		return nil, &stepFailure{
			kind:      contracts.ErrExecutionError,
			detail:    fmt.Sprintf("step %s log: %v", s.ID, err),
			execError: true,
		}
	}
	if _, err := epw.WriteExecution(map[string]any{
		"result_status":  contracts.StatusCompleted,
		"result_summary": fmt.Sprintf("step %s (%s) completed", s.ID, binding.DriverKind),
		"meta_episode": map[string]any{
			"step_id":      s.ID,
			"connector_id": s.ConnectorID,
			"verb":         s.Verb,
			"duration_ms":  durationMs,
			"output_bytes": len(outBytes),
		},
	}); err != nil {
		return nil, &stepFailure{
			kind:      contracts.ErrExecutionError,
			detail:    fmt.Sprintf("step %s episode: %v", s.ID, err),
			execError: true,
		}
	}
	return output, nil
}

// recordStepFailure emits the security event and the failed execution episode
// for one step.
func (r *Runner) recordStepFailure(epw *episode.Writer, s contracts.Step, sf *stepFailure) {
	r.securityEvent(epw, sf.kind, sf.detail, map[string]any{
		"step_id":      s.ID,
		"connector_id": s.ConnectorID,
		"verb":         s.Verb,
	})
	if _, err := epw.WriteExecution(map[string]any{
		"result_status":  contracts.StatusFailed,
		"result_summary": sf.detail,
		"meta_episode": map[string]any{
			"step_id":    s.ID,
			"error_kind": string(sf.kind),
		},
	}); err != nil {
		r.logger.Error("failed episode write failed", "step_id", s.ID, "error", err)
	}
}

// securityEvent classifies kind through the taxonomy and persists the event.
// Episode write failures are logged, never raised: a broken trail must not
// mask the original refusal.
func (r *Runner) securityEvent(epw *episode.Writer, kind contracts.ErrorKind, detail string, meta map[string]any) {
	category, severity := kind.Classify()
	if _, err := epw.WriteSecurityEvent(map[string]any{
		"security_event_type":     string(kind),
		"security_event_category": category,
		"severity":                severity,
		"result_summary":          detail,
		"meta_episode":            meta,
	}); err != nil {
		r.logger.Error("security event write failed", "kind", string(kind), "error", err)
	}
}

// finalize emits the run-summary episode, writes run_summary.json and the
// token usage counters, archives the run directory, and assembles the result.
func (r *Runner) finalize(ctx context.Context, res *RunResult, epw *episode.Writer, dir string, started time.Time, st runState) (*RunResult, error) {
	success := !st.fatal && !st.execError
	status := contracts.StatusCompleted
	if !success {
		status = contracts.StatusFailed
	}

	if st.budgetLoaded {
		if err := st.ev.WriteArtifact(dir, "token_usage.json", st.enforcer.Usage()); err != nil {
			r.logger.Error("token usage write failed", "run_id", res.RunID, "error", err)
		}
	}

	// 6. Summary episode first, then the artifact.
	if _, err := epw.WriteExecution(map[string]any{
		"episode_type":   contracts.EpisodeTypeRunSummary,
		"result_status":  status,
		"result_summary": fmt.Sprintf("%d/%d steps completed, %d failed", st.completed, st.stepsTotal, st.failed),
		"meta_episode": map[string]any{
			"steps_total":     st.stepsTotal,
			"steps_completed": st.completed,
			"steps_failed":    st.failed,
			"security_events": epw.SecurityEvents(),
		},
	}); err != nil {
		return nil, fmt.Errorf("interp: run summary episode: %w", err)
	}

	summary := RunSummary{
		RunID:          res.RunID,
		RequestID:      res.RequestID,
		Status:         status,
		MOVAVersion:    version.MOVA,
		StepsTotal:     st.stepsTotal,
		StepsCompleted: st.completed,
		StepsFailed:    st.failed,
		SecurityEvents: epw.SecurityEvents(),
		StartedAt:      started.Format(time.RFC3339),
		FinishedAt:     r.now().UTC().Format(time.RFC3339),
		Error:          st.errMsg,
	}
	if err := st.ev.WriteArtifact(dir, "run_summary.json", summary); err != nil {
		return nil, fmt.Errorf("interp: run summary: %w", err)
	}

	if r.archiver != nil {
		if err := r.archiver.ArchiveRun(ctx, dir); err != nil {
			r.logger.Error("run archive failed", "run_id", res.RunID, "error", err)
		}
	}

	_ = r.auditLog.Record(ctx, audit.EventRun, "plan_run_"+status, res.RunID, map[string]any{
		"request_id":      res.RequestID,
		"steps_total":     st.stepsTotal,
		"steps_completed": st.completed,
		"steps_failed":    st.failed,
	})

	res.Success = success
	res.Summary = summary
	return res, nil
}

// resolveInput yields the step's effective input: the inline literal, or a
// prior step's output optionally narrowed by a dotted path. A projection that
// lands on a non-object is wrapped as {"value": v} so drivers always receive
// an object.
func resolveInput(s contracts.Step, outputs map[string]map[string]any) (map[string]any, error) {
	if s.InputFrom != nil {
		prev, ok := outputs[s.InputFrom.StepID]
		if !ok {
			return nil, fmt.Errorf("step %s: input_from references step %q which has not executed", s.ID, s.InputFrom.StepID)
		}
		v, ok := project(prev, s.InputFrom.Path)
		if !ok {
			return nil, fmt.Errorf("step %s: path %q not found in output of step %q", s.ID, s.InputFrom.Path, s.InputFrom.StepID)
		}
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"value": v}, nil
	}
	if s.Input != nil {
		return s.Input, nil
	}
	return map[string]any{}, nil
}

// project walks a dotted path ("a.b.c") through nested objects.
func project(v map[string]any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	var cur any = v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// requestIDFrom honors a caller-supplied request_id; anything else gets a
// fresh id.
func requestIDFrom(req contracts.RequestEnvelope, newID func() string) string {
	if v, ok := req["request_id"].(string); ok && v != "" {
		return v
	}
	return newID()
}
