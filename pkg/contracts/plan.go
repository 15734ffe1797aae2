// Package contracts defines the boundary artifacts of the runtime: plans,
// tool pools, instruction profiles, episodes, policy profiles, and delivery
// results. Every type here crosses a validation boundary and is immutable for
// the life of a run once validated.
package contracts

// Plan is a declarative, ordered sequence of side-effecting steps. Plans
// carry no control flow: no loops, conditions, expressions, or embedded code.
// A plan is immutable after validation.
type Plan struct {
	Verb       string      `json:"verb"`
	SubjectRef string      `json:"subject_ref,omitempty"`
	ObjectRef  string      `json:"object_ref,omitempty"`
	Payload    PlanPayload `json:"payload"`
}

// PlanPayload holds the ordered steps.
type PlanPayload struct {
	Steps []Step `json:"steps"`
}

// Step is one unit of execution referencing one Tool from the active pool.
// Input is either inline (Input) or projected from a prior step's output
// (InputFrom); exactly one of the two may be set.
type Step struct {
	ID          string         `json:"id"`
	Verb        string         `json:"verb"`
	ConnectorID string         `json:"connector_id"`
	Input       map[string]any `json:"input,omitempty"`
	InputFrom   *InputFrom     `json:"input_from,omitempty"`

	// ExpectedOutputSchemaRef validates the resolved input when present.
	ExpectedOutputSchemaRef string `json:"expected_output_schema_ref,omitempty"`

	// OnError is "fatal" (default) or "soft". Soft failures record the
	// episode and continue; fatal failures stop the run.
	OnError string `json:"on_error,omitempty"`
}

// InputFrom projects a prior step's output, optionally narrowed by a dotted
// path ("a.b.c").
type InputFrom struct {
	StepID string `json:"step_id"`
	Path   string `json:"path,omitempty"`
}

// OnError values.
const (
	OnErrorFatal = "fatal"
	OnErrorSoft  = "soft"
)

// EffectiveOnError returns the step's error policy with the default applied.
func (s Step) EffectiveOnError() string {
	if s.OnError == OnErrorSoft {
		return OnErrorSoft
	}
	return OnErrorFatal
}

// ToolPool is the set of tools a plan may reference.
type ToolPool struct {
	Tools []Tool `json:"tools"`
}

// Find resolves a tool by id. The second return is false when absent.
func (p ToolPool) Find(id string) (Tool, bool) {
	for _, t := range p.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return Tool{}, false
}

// Tool is a pool-scoped capability: a connector contract plus its runtime
// binding.
type Tool struct {
	ID        string  `json:"id"`
	Connector string  `json:"connector"`
	Binding   Binding `json:"binding"`
}

// Binding configures how a tool executes: which driver, where it may reach,
// and under what limits.
type Binding struct {
	DriverKind           string     `json:"driver_kind"`
	DestinationAllowlist []string   `json:"destination_allowlist,omitempty"`
	Limits               Limits     `json:"limits"`
	SchemaRefs           SchemaRefs `json:"schema_refs,omitempty"`
}

// Limits bound a single tool invocation. TimeoutMs is required; a binding
// without it fails policy with limits_not_specified.
type Limits struct {
	TimeoutMs   int `json:"timeout_ms"`
	MaxDataSize int `json:"max_data_size,omitempty"`
}

// SchemaRefs names the schemas a tool's input/output must satisfy.
type SchemaRefs struct {
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// InstructionProfile caps what any plan may ask for in a run.
type InstructionProfile struct {
	Caps           Caps     `json:"caps"`
	RedactionRules []string `json:"redaction_rules,omitempty"`
}

// Caps are informational upper bounds; exceeding one is a policy denial.
type Caps struct {
	MaxTimeoutMs int `json:"max_timeout_ms,omitempty"`
	MaxDataSize  int `json:"max_data_size,omitempty"`
	MaxSteps     int `json:"max_steps,omitempty"`
}

// RequestEnvelope is the caller's opaque bag, preserved verbatim (after
// redaction) as request.envelope.json.
type RequestEnvelope map[string]any
