package policy

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// Dangerous content guards. Path sequences match case-sensitively; command
// tokens match case-insensitively. Both match after NFKC folding so
// compatibility characters (fullwidth latin and friends) cannot smuggle a
// token past the guard.
var (
	dangerousPathSequences = []string{
		"..",
		"/etc/",
		"/root/",
		"/proc/",
		"/sys/",
	}

	dangerousCommandTokens = []string{
		"rm -rf",
		"rm ",
		"chmod",
		"chown",
		"mv /",
		"cp /etc/",
		"cat /etc/",
		"echo > /etc/",
		"sudo ",
		"su ",
		"eval ",
		"exec(",
		"exec ",
		"shell_exec",
		"system(",
		"passthru",
	}
)

// StandardStepRules returns the step admission checks, ordered by priority:
// tool-in-pool, driver-kind agreement, destination allowlist, limits
// present, content guards, instruction-profile caps, then a terminal allow.
// The engine's seeded default-deny stays underneath as the backstop.
func StandardStepRules() []Rule {
	return []Rule{
		{
			ID:          "step-tool-in-pool",
			Priority:    70,
			Action:      ActionDeny,
			Description: "step connector is not present in the active tool pool",
			Kind:        contracts.ErrToolNotAllowlisted,
			Predicate:   func(ctx *Context) bool { return ctx.Tool == nil },
		},
		{
			ID:          "step-driver-kind",
			Priority:    60,
			Action:      ActionDeny,
			Description: "step verb does not match the bound driver kind",
			Kind:        contracts.ErrToolNotAllowlisted,
			Predicate: func(ctx *Context) bool {
				return ctx.Tool != nil && ctx.Step.Verb != ctx.Tool.Binding.DriverKind
			},
		},
		{
			ID:          "step-destination-allowlist",
			Priority:    50,
			Action:      ActionDeny,
			Description: "step destination is not covered by the tool's allowlist",
			Kind:        contracts.ErrDestinationNotAllowlisted,
			Predicate:   destinationViolated,
		},
		{
			ID:          "step-limits-present",
			Priority:    40,
			Action:      ActionDeny,
			Description: "tool binding does not specify limits.timeout_ms",
			Kind:        contracts.ErrLimitsNotSpecified,
			Predicate: func(ctx *Context) bool {
				return ctx.Tool != nil && ctx.Tool.Binding.Limits.TimeoutMs <= 0
			},
		},
		{
			ID:          "step-content-guard",
			Priority:    30,
			Action:      ActionDeny,
			Description: "step input contains a dangerous path sequence or command token",
			Kind:        contracts.ErrValidationFailed,
			Predicate: func(ctx *Context) bool {
				return containsDangerousContent(ctx.Input)
			},
		},
		{
			ID:          "step-profile-caps",
			Priority:    20,
			Action:      ActionDeny,
			Description: "step exceeds an instruction profile cap",
			Kind:        contracts.ErrResourceBudgetExceeded,
			Predicate:   capsViolated,
		},
		{
			ID:          "step-allow",
			Priority:    10,
			Action:      ActionAllow,
			Description: "all step checks passed",
			Predicate:   func(*Context) bool { return true },
		},
	}
}

// destinationViolated checks the step's target (input url or endpoint)
// against the tool's destination allowlist. A target with no covering
// allowlist entry denies; an http-kind tool with no allowlist at all denies
// even without a target.
func destinationViolated(ctx *Context) bool {
	if ctx.Tool == nil {
		return false // tool-in-pool already denied
	}
	allowlist := ctx.Tool.Binding.DestinationAllowlist

	if ctx.Tool.Binding.DriverKind == "http" && len(allowlist) == 0 {
		return true
	}

	target := stringField(ctx.Input, "url")
	if target == "" {
		target = stringField(ctx.Input, "endpoint")
	}
	if target == "" {
		return false
	}
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if destinationMatches(entry, target) {
			return false
		}
	}
	return true
}

// destinationMatches compares protocol, host, and port. An entry without a
// port covers any port; an entry with one requires an exact match after
// scheme-default normalization.
func destinationMatches(entry, target string) bool {
	eu, err := url.Parse(entry)
	if err != nil || eu.Host == "" {
		return false
	}
	tu, err := url.Parse(target)
	if err != nil || tu.Host == "" {
		return false
	}
	if eu.Scheme != tu.Scheme {
		return false
	}
	if eu.Hostname() != tu.Hostname() {
		return false
	}
	if eu.Port() == "" {
		return true
	}
	return effectivePort(eu) == effectivePort(tu)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch u.Scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

func capsViolated(ctx *Context) bool {
	caps := ctx.Profile.Caps
	if caps.MaxTimeoutMs > 0 && ctx.Tool != nil && ctx.Tool.Binding.Limits.TimeoutMs > caps.MaxTimeoutMs {
		return true
	}
	if caps.MaxDataSize > 0 && ctx.Tool != nil && ctx.Tool.Binding.Limits.MaxDataSize > caps.MaxDataSize {
		return true
	}
	if caps.MaxSteps > 0 && ctx.StepsTotal > caps.MaxSteps {
		return true
	}
	return false
}

// containsDangerousContent folds every string in the input (keys and values,
// recursively) and matches it against the guard lists.
func containsDangerousContent(input map[string]any) bool {
	found := false
	walkStrings(input, func(s string) {
		if found {
			return
		}
		folded := norm.NFKC.String(s)
		for _, seq := range dangerousPathSequences {
			if strings.Contains(folded, seq) {
				found = true
				return
			}
		}
		lower := strings.ToLower(folded)
		for _, tok := range dangerousCommandTokens {
			if strings.Contains(lower, tok) {
				found = true
				return
			}
		}
	})
	return found
}

func walkStrings(v any, visit func(string)) {
	switch t := v.(type) {
	case string:
		visit(t)
	case map[string]any:
		for k, val := range t {
			visit(k)
			walkStrings(val, visit)
		}
	case []any:
		for _, item := range t {
			walkStrings(item, visit)
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
