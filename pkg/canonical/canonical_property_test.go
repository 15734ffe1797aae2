//go:build property
// +build property

// Package canonical_test contains property-based tests for canonical-form
// determinism.
package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mova-labs/ocp/pkg/canonical"
)

// TestCanonicalDeterminism verifies canonical encoding is deterministic.
// Property: Bytes(obj) == Bytes(obj) for any obj.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical encoding is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonical.Bytes(obj)
			b2, err2 := canonical.Bytes(obj)

			if err1 != nil && err2 != nil {
				return true // Both fail consistently
			}
			if err1 != nil || err2 != nil {
				return false
			}

			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashAgreesWithBytes verifies Hash(v) is always the digest of Bytes(v).
func TestHashAgreesWithBytes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Hash(v) == HashBytes(Bytes(v))", prop.ForAll(
		func(a, b string, n int) bool {
			obj := map[string]any{"a": a, "b": b, "n": n}

			h, err := canonical.Hash(obj)
			if err != nil {
				return true
			}
			raw, err := canonical.Bytes(obj)
			if err != nil {
				return false
			}
			return h == canonical.HashBytes(raw)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.Int(),
	))

	properties.TestingRun(t)
}
