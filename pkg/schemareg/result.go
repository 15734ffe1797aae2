package schemareg

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the outcome of a validation. Errors carry JSON Pointers into the
// offending instance subtrees.
type Result struct {
	OK     bool    `json:"ok"`
	Errors []Error `json:"errors,omitempty"`
}

// Error is a single validation finding.
type Error struct {
	InstancePointer string `json:"instance_pointer"`
	KeywordPointer  string `json:"keyword_pointer"`
	Message         string `json:"message"`

	// Properties holds the offending property names for
	// additionalProperties violations.
	Properties []string `json:"properties,omitempty"`
}

// Strings renders the findings for logs and diagnostics.
func (r Result) Strings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		ptr := e.InstancePointer
		if ptr == "" {
			ptr = "/"
		}
		out = append(out, ptr+": "+e.Message)
	}
	return out
}

// AdditionalProperties maps instance pointers to the property names flagged
// by additionalProperties violations. The episode writer's strip pass feeds
// on this.
func (r Result) AdditionalProperties() map[string][]string {
	out := make(map[string][]string)
	for _, e := range r.Errors {
		if len(e.Properties) == 0 {
			continue
		}
		out[e.InstancePointer] = append(out[e.InstancePointer], e.Properties...)
	}
	return out
}

// flatten walks the validator's error tree and keeps the leaves; interior
// nodes repeat what their causes already say.
func flatten(ve *jsonschema.ValidationError) []Error {
	var out []Error
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			entry := Error{
				InstancePointer: e.InstanceLocation,
				KeywordPointer:  e.KeywordLocation,
				Message:         e.Message,
			}
			if strings.HasSuffix(e.KeywordLocation, "additionalProperties") {
				entry.Properties = quotedTokens(e.Message)
			}
			out = append(out, entry)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// quotedTokens extracts 'single-quoted' names from a validator message like
// "additionalProperties 'a', 'b' not allowed".
func quotedTokens(msg string) []string {
	var out []string
	for {
		i := strings.IndexByte(msg, '\'')
		if i < 0 {
			break
		}
		rest := msg[i+1:]
		j := strings.IndexByte(rest, '\'')
		if j < 0 {
			break
		}
		out = append(out, rest[:j])
		msg = rest[j+1:]
	}
	return out
}
