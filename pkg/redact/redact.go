// Package redact removes secret material from JSON-like values before they
// are persisted as evidence or logged.
//
// Redaction is structural: any map entry whose key contains a sensitive
// substring has its value replaced with a marker, recursively. Values are
// never inspected for secret-ness; the key decides. URL-shaped strings get
// their query component masked since query params routinely carry tokens.
package redact

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/mova-labs/ocp/pkg/canonical"
)

// Mode selects the marker emitted in place of a sensitive value.
type Mode int

const (
	// ModeRedacted replaces values with the plain "[REDACTED]" marker.
	ModeRedacted Mode = iota
	// ModeHash replaces values with "***REDACTED:<hash12>***" where hash12 is
	// the first 12 hex chars of the SHA-256 of the original JSON-serialized
	// value. Lets operators correlate identical secrets without exposure.
	ModeHash
)

// Marker is the plain replacement string.
const Marker = "[REDACTED]"

// CycleMarker replaces any value already being visited further up the walk.
const CycleMarker = "[CYCLE]"

// defaultSensitive are the built-in key substrings, matched case-insensitively.
var defaultSensitive = []string{
	"token",
	"secret",
	"key",
	"auth",
	"password",
	"authorization",
}

// Masker performs recursive redaction with a fixed rule set.
// The zero value is usable: ModeRedacted with built-in rules only.
type Masker struct {
	mode  Mode
	extra []string
}

// Option configures a Masker.
type Option func(*Masker)

// WithMode selects the replacement marker form.
func WithMode(m Mode) Option {
	return func(mk *Masker) { mk.mode = m }
}

// WithRules appends extra sensitive key substrings (matched the same way as
// the built-ins). Used to honor per-run redaction_rules from the
// instruction profile.
func WithRules(rules ...string) Option {
	return func(mk *Masker) {
		for _, r := range rules {
			r = strings.ToLower(strings.TrimSpace(r))
			if r != "" {
				mk.extra = append(mk.extra, r)
			}
		}
	}
}

// New constructs a Masker.
func New(opts ...Option) *Masker {
	mk := &Masker{}
	for _, opt := range opts {
		opt(mk)
	}
	return mk
}

// Extend returns a copy of the masker with additional sensitive key
// substrings. The receiver keeps its mode and rules unchanged.
func (mk *Masker) Extend(rules ...string) *Masker {
	out := &Masker{mode: mk.mode, extra: append([]string(nil), mk.extra...)}
	WithRules(rules...)(out)
	return out
}

// Apply returns a redacted deep copy of v. The input is never mutated.
// Cyclic structures terminate with CycleMarker in place of the repeated node.
func (mk *Masker) Apply(v any) any {
	return mk.walk(v, make(map[uintptr]bool))
}

// Value redacts with the default masker. Convenience for call sites that
// carry no per-run rules.
func Value(v any) any {
	return New().Apply(v)
}

func (mk *Masker) walk(v any, seen map[uintptr]bool) any {
	switch t := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return CycleMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, len(t))
		for k, val := range t {
			if mk.sensitiveKey(k) {
				out[k] = mk.marker(val)
				continue
			}
			out[k] = mk.walk(val, seen)
		}
		return out

	case []any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return CycleMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make([]any, len(t))
		for i, val := range t {
			out[i] = mk.walk(val, seen)
		}
		return out

	case string:
		return maskURL(t)

	default:
		// Scalars (numbers, bools, nil) and anything non-JSON pass through.
		return v
	}
}

// sensitiveKey reports whether a map key should have its value replaced.
func (mk *Masker) sensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range defaultSensitive {
		if strings.Contains(lk, s) {
			return true
		}
	}
	for _, s := range mk.extra {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

// marker produces the replacement value for a redacted entry.
func (mk *Masker) marker(original any) string {
	if mk.mode != ModeHash {
		return Marker
	}
	b, err := json.Marshal(original)
	if err != nil {
		// Unhashable value gets the plain marker rather than leaking anything.
		return Marker
	}
	return fmt.Sprintf("***REDACTED:%s***", canonical.HashBytes(b)[:12])
}

// maskURL masks the query component of URL-shaped strings and drops the
// fragment. Non-URL strings are returned unchanged.
func maskURL(s string) any {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	if u.RawQuery == "" && u.Fragment == "" {
		return s
	}
	base := u.Scheme + "://" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		return base + "?" + Marker
	}
	return base
}
