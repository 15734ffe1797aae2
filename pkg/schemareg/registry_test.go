package schemareg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(opts...)
	require.NoError(t, r.LoadAll())
	return r
}

func validEpisode() map[string]any {
	return map[string]any{
		"episode_id":    "exec_1724580000000_a1b2c3",
		"episode_type":  "execution_step",
		"mova_version":  "4.1.1",
		"recorded_at":   "2026-08-25T10:00:00Z",
		"executor":      map[string]any{"kind": "runtime", "id": "ocp-interpreter", "version": "4.1.1"},
		"result_status": "completed",
	}
}

func TestLoadAll_RegistersCanonicalSchemas(t *testing.T) {
	r := loadedRegistry(t)

	for _, id := range []string{
		"episode", "security_event_episode", "executor",
		"plan_envelope", "tool_pool", "instruction_profile",
		"request_envelope", "run_summary", "token_budget_contract",
		"policy_profile", "delivery_receipt",
	} {
		assert.True(t, r.Has(id), "schema %s must be registered", id)
	}
}

func TestValidate_PlanEnvelope(t *testing.T) {
	r := loadedRegistry(t)

	plan := map[string]any{
		"verb": "mova_agent",
		"payload": map[string]any{
			"steps": []any{
				map[string]any{
					"id":           "s1",
					"verb":         "noop",
					"connector_id": "noop_connector_1",
					"input":        map[string]any{"message": "hi"},
				},
			},
		},
	}

	res := r.Validate("plan_envelope", plan)
	assert.True(t, res.OK, "errors: %v", res.Strings())
}

func TestValidate_PlanStepInputXORInputFrom(t *testing.T) {
	r := loadedRegistry(t)

	step := map[string]any{
		"id":           "s1",
		"verb":         "noop",
		"connector_id": "c1",
		"input":        map[string]any{},
		"input_from":   map[string]any{"step_id": "s0"},
	}
	plan := map[string]any{
		"verb":    "mova_agent",
		"payload": map[string]any{"steps": []any{step}},
	}

	res := r.Validate("plan_envelope", plan)
	assert.False(t, res.OK, "a step with both input and input_from must fail")

	delete(step, "input")
	delete(step, "input_from")
	res = r.Validate("plan_envelope", plan)
	assert.False(t, res.OK, "a step with neither input nor input_from must fail")
}

func TestValidate_EpisodeCrossFileRef(t *testing.T) {
	r := loadedRegistry(t)

	res := r.Validate("episode", validEpisode())
	assert.True(t, res.OK, "errors: %v", res.Strings())

	// executor.schema.json requires kind and id.
	bad := validEpisode()
	bad["executor"] = map[string]any{"version": "4.1.1"}
	res = r.Validate("episode", bad)
	assert.False(t, res.OK)
}

func TestValidate_AdditionalPropertiesSurfaced(t *testing.T) {
	r := loadedRegistry(t)

	ep := validEpisode()
	ep["rogue_field"] = "x"
	ep["another"] = 1

	res := r.Validate("episode", ep)
	require.False(t, res.OK)

	extras := res.AdditionalProperties()
	names := extras[""]
	assert.ElementsMatch(t, []string{"rogue_field", "another"}, names)
}

func TestValidate_MissingSchemaIsAValue(t *testing.T) {
	r := loadedRegistry(t)

	res := r.Validate("no_such_schema", map[string]any{})
	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "unavailable")
}

func TestValidate_SecurityEventEpisode(t *testing.T) {
	r := loadedRegistry(t)

	ev := map[string]any{
		"episode_id":              "sec_1724580000000_0a1b2c",
		"episode_type":            "security_event/policy_violation",
		"mova_version":            "4.1.1",
		"recorded_at":             "2026-08-25T10:00:00Z",
		"executor":                map[string]any{"kind": "runtime", "id": "ocp-interpreter"},
		"result_status":           "failed",
		"security_event_type":     "destination_not_allowlisted",
		"security_event_category": "authorization",
		"severity":                "high",
	}

	res := r.Validate("security_event_episode", ev)
	assert.True(t, res.OK, "errors: %v", res.Strings())

	ev["severity"] = "catastrophic"
	res = r.Validate("security_event_episode", ev)
	assert.False(t, res.OK)
}

func TestLocalRoot_OverridesAndExtends(t *testing.T) {
	dir := t.TempDir()

	// New schema only present locally.
	custom := `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom_thing.schema.json"), []byte(custom), 0644))

	// Foreign-host ref must resolve by trailing id.
	reffy := `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {"who": {"$ref": "https://some.other.host/schemas/executor.schema.json"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reffy.schema.json"), []byte(reffy), 0644))

	r := loadedRegistry(t, WithLocalRoot(dir))

	res := r.Validate("custom_thing", map[string]any{"name": "ok"})
	assert.True(t, res.OK)
	res = r.Validate("custom_thing", map[string]any{})
	assert.False(t, res.OK)

	res = r.Validate("reffy", map[string]any{"who": map[string]any{"kind": "runtime", "id": "x"}})
	assert.True(t, res.OK, "errors: %v", res.Strings())
	res = r.Validate("reffy", map[string]any{"who": map[string]any{"version": "only"}})
	assert.False(t, res.OK)
}

func TestLocalRoot_MissingDirIsFine(t *testing.T) {
	r := New(WithLocalRoot(filepath.Join(t.TempDir(), "absent")))
	assert.NoError(t, r.LoadAll())
	assert.True(t, r.Has("episode"))
}

func TestValidate_TypedValueNormalized(t *testing.T) {
	r := loadedRegistry(t)

	type caps struct {
		MaxTimeoutMs int `json:"max_timeout_ms,omitempty"`
		MaxSteps     int `json:"max_steps,omitempty"`
	}
	type profile struct {
		Caps caps `json:"caps"`
	}

	res := r.Validate("instruction_profile", profile{Caps: caps{MaxTimeoutMs: 10000, MaxSteps: 10}})
	assert.True(t, res.OK, "errors: %v", res.Strings())
}

func TestIDs_Sorted(t *testing.T) {
	r := loadedRegistry(t)
	ids := r.IDs()
	require.NotEmpty(t, ids)
	for i := 1; i < len(ids); i++ {
		assert.LessOrEqual(t, ids[i-1], ids[i])
	}
}
