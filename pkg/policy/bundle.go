package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// BundleRule is one CEL rule inside a bundle. The expression evaluates
// against {verb, connector_id, driver_kind, input, steps_total} and matches
// when it yields true.
type BundleRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Action      string `json:"action"` // "BLOCK", "WARN", "LOG", "ALLOW"
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
}

// Bundle is a versioned collection of CEL rules, loadable from JSON files so
// policy changes ship without code deployments.
type Bundle struct {
	Version   string       `json:"version"`
	Name      string       `json:"name"`
	Rules     []BundleRule `json:"rules"`
	CreatedAt time.Time    `json:"created_at"`
}

// LoadBundleDir reads every .json bundle in dir. A missing directory yields
// no bundles; a malformed bundle is an error.
func LoadBundleDir(dir string) ([]Bundle, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle dir %s: %w", dir, err)
	}

	var bundles []Bundle
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bundle %s: %w", entry.Name(), err)
		}
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("parse bundle %s: %w", entry.Name(), err)
		}
		if b.Name == "" {
			b.Name = entry.Name()
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// CompileBundles turns enabled bundle rules into engine rules. Expressions
// are compiled once; an expression that fails to compile fails the whole
// load. At evaluation time an erroring expression fails closed: deny rules
// fire, everything else stays silent.
func CompileBundles(bundles []Bundle) ([]Rule, error) {
	env, err := celEnv()
	if err != nil {
		return nil, err
	}

	var rules []Rule
	for _, b := range bundles {
		for _, br := range b.Rules {
			if !br.Enabled {
				continue
			}
			action, err := bundleAction(br.Action)
			if err != nil {
				return nil, fmt.Errorf("bundle %s rule %s: %w", b.Name, br.ID, err)
			}

			ast, issues := env.Compile(br.Expression)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("bundle %s rule %s: compile: %w", b.Name, br.ID, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("bundle %s rule %s: program: %w", b.Name, br.ID, err)
			}

			failClosed := action == ActionDeny
			rules = append(rules, Rule{
				ID:          br.ID,
				Priority:    br.Priority,
				Action:      action,
				Description: br.Description,
				Kind:        contracts.ErrValidationFailed,
				Predicate:   celPredicate(prg, failClosed),
			})
		}
	}
	return rules, nil
}

func celEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("verb", types.StringType),
			decls.NewVariable("connector_id", types.StringType),
			decls.NewVariable("driver_kind", types.StringType),
			decls.NewVariable("input", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("steps_total", types.IntType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return env, nil
}

func celPredicate(prg cel.Program, failClosed bool) func(*Context) bool {
	return func(ctx *Context) bool {
		driverKind := ""
		if ctx.Tool != nil {
			driverKind = ctx.Tool.Binding.DriverKind
		}
		input := ctx.Input
		if input == nil {
			input = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"verb":         ctx.Step.Verb,
			"connector_id": ctx.Step.ConnectorID,
			"driver_kind":  driverKind,
			"input":        input,
			"steps_total":  ctx.StepsTotal,
		})
		if err != nil {
			return failClosed
		}
		matched, ok := out.Value().(bool)
		return ok && matched
	}
}

func bundleAction(s string) (Action, error) {
	switch s {
	case "BLOCK":
		return ActionDeny, nil
	case "WARN", "LOG":
		return ActionLog, nil
	case "ALLOW":
		return ActionAllow, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}
