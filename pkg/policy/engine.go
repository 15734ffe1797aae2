// Package policy is the single point of truth for step-level allow/deny
// decisions. Rules are evaluated highest priority first; the first matching
// rule wins, log rules fire and continue, and an always-true default-deny at
// priority 0 backstops every evaluation.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// Action of a matched rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionLog   Action = "log"
)

// Context is the evaluation input for one step.
type Context struct {
	Step    contracts.Step
	Tool    *contracts.Tool
	Pool    contracts.ToolPool
	Profile contracts.InstructionProfile

	// Input is the resolved step input (literal or projected).
	Input map[string]any

	// StepsTotal is the plan's step count, checked against caps.max_steps.
	StepsTotal int
}

// Rule is one prioritized predicate. Higher priority evaluates first.
type Rule struct {
	ID          string
	Priority    int
	Action      Action
	Description string
	Predicate   func(*Context) bool

	// Kind classifies a denial for the security-event taxonomy. Only
	// meaningful on deny rules.
	Kind contracts.ErrorKind
}

// Decision is the evaluation result. Denials carry the matched rule's
// description as the reason.
type Decision struct {
	Allowed bool
	Action  Action
	RuleID  string
	Reason  string
	Kind    contracts.ErrorKind
}

// Engine evaluates rules against step contexts.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine pre-seeded with the default-deny base rule.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger: slog.Default().With("component", "policy_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = []Rule{{
		ID:          "default-deny",
		Priority:    0,
		Action:      ActionDeny,
		Description: "no rule matched",
		Predicate:   func(*Context) bool { return true },
		Kind:        contracts.ErrValidationFailed,
	}}
	return e
}

// AddRule registers a rule. Rules with equal priority keep insertion order.
func (e *Engine) AddRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("policy rule requires an id")
	}
	if r.Predicate == nil {
		return fmt.Errorf("policy rule %q: predicate must not be nil", r.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	return nil
}

// AddRules registers several rules, stopping on the first failure.
func (e *Engine) AddRules(rules []Rule) error {
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate walks rules from highest priority to lowest and returns the first
// matching allow or deny. Log rules record and continue.
func (e *Engine) Evaluate(ctx *Context) Decision {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.Predicate(ctx) {
			continue
		}
		switch r.Action {
		case ActionLog:
			e.logger.Info("policy rule matched",
				"rule", r.ID,
				"step", ctx.Step.ID,
				"description", r.Description)
			continue
		case ActionAllow:
			return Decision{Allowed: true, Action: ActionAllow, RuleID: r.ID, Reason: r.Description}
		default:
			kind := r.Kind
			if kind == "" {
				kind = contracts.ErrValidationFailed
			}
			return Decision{Allowed: false, Action: ActionDeny, RuleID: r.ID, Reason: r.Description, Kind: kind}
		}
	}
	// The seeded base rule makes this unreachable; deny anyway.
	return Decision{Allowed: false, Action: ActionDeny, RuleID: "default-deny", Reason: "no rule matched", Kind: contracts.ErrValidationFailed}
}
