// Package budget enforces the optional token-budget contract of a run:
// a cap on model-call allowance and on tool output size, with a configured
// action when a cap is hit.
package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Actions applied when a limit is exceeded.
const (
	ActionContinue = "continue"
	ActionWarn     = "warn"
	ActionFail     = "fail"
)

// Contract is the token budget document (token_budget_contract schema).
type Contract struct {
	Version  string         `json:"version" yaml:"version"`
	Limits   ContractLimits `json:"limits" yaml:"limits"`
	OnExceed string         `json:"on_exceed" yaml:"on_exceed"`
}

// ContractLimits caps run consumption. Zero means uncapped.
type ContractLimits struct {
	MaxModelCalls      int   `json:"max_model_calls" yaml:"max_model_calls"`
	MaxToolOutputBytes int64 `json:"max_tool_output_bytes" yaml:"max_tool_output_bytes"`
}

// Load reads a contract from a JSON or YAML file, by extension. A missing
// on_exceed fails closed to "fail".
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token budget contract: %w", err)
	}
	var c Contract
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse token budget contract %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse token budget contract %s: %w", path, err)
		}
	}
	switch c.OnExceed {
	case ActionContinue, ActionWarn, ActionFail:
	case "":
		c.OnExceed = ActionFail
	default:
		return nil, fmt.Errorf("token budget contract %s: unknown on_exceed %q", path, c.OnExceed)
	}
	return &c, nil
}

// Verdict is the outcome of a budget check.
type Verdict struct {
	Allowed bool
	Warned  bool
	Reason  string
}

// Usage is the run's consumption so far, persisted as token_usage.json.
type Usage struct {
	ModelCalls      int   `json:"model_calls"`
	ToolCalls       int   `json:"tool_calls"`
	ToolOutputBytes int64 `json:"tool_output_bytes"`
}

// Enforcer tracks one run's counters against a contract. A nil contract
// counts usage but never limits.
type Enforcer struct {
	mu       sync.Mutex
	contract *Contract
	usage    Usage
	logger   *slog.Logger
}

// NewEnforcer creates a run-scoped enforcer.
func NewEnforcer(c *Contract, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default().With("component", "budget_enforcer")
	}
	return &Enforcer{contract: c, logger: logger}
}

// CheckModelCall consumes one unit of model-call allowance and applies the
// contract action when the cap is exceeded.
func (e *Enforcer) CheckModelCall() Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage.ModelCalls++
	if e.contract == nil || e.contract.Limits.MaxModelCalls <= 0 {
		return Verdict{Allowed: true}
	}
	if e.usage.ModelCalls <= e.contract.Limits.MaxModelCalls {
		return Verdict{Allowed: true}
	}
	reason := fmt.Sprintf("model calls exceeded: %d > %d", e.usage.ModelCalls, e.contract.Limits.MaxModelCalls)
	return e.apply(reason)
}

// EnforceToolOutput checks one tool output against the byte cap and adds it
// to the cumulative count.
func (e *Enforcer) EnforceToolOutput(n int64) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usage.ToolOutputBytes += n
	if e.contract == nil || e.contract.Limits.MaxToolOutputBytes <= 0 {
		return Verdict{Allowed: true}
	}
	if n <= e.contract.Limits.MaxToolOutputBytes {
		return Verdict{Allowed: true}
	}
	reason := fmt.Sprintf("tool output exceeded: %d > %d bytes", n, e.contract.Limits.MaxToolOutputBytes)
	return e.apply(reason)
}

// RecordToolCall counts a successful tool invocation.
func (e *Enforcer) RecordToolCall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.ToolCalls++
}

// Usage returns a copy of the counters.
func (e *Enforcer) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// Contract returns the loaded contract, nil when the run has none.
func (e *Enforcer) Contract() *Contract {
	return e.contract
}

func (e *Enforcer) apply(reason string) Verdict {
	switch e.contract.OnExceed {
	case ActionContinue:
		return Verdict{Allowed: true, Reason: reason}
	case ActionWarn:
		e.logger.Warn("budget exceeded", "action", ActionWarn, "reason", reason)
		return Verdict{Allowed: true, Warned: true, Reason: reason}
	default:
		e.logger.Warn("budget exceeded", "action", ActionFail, "reason", reason)
		return Verdict{Allowed: false, Reason: reason}
	}
}
