// Package schemareg loads JSON Schema documents from a canonical embedded
// root plus an optional local root, resolves cross-file $refs by logical id,
// and validates boundary artifacts.
//
// Refs are logical: "https://<any-host>/schemas/episode.schema.json" and the
// bare "episode.schema.json" both resolve to the registered "episode"
// document. Decoupling ids from publication URLs keeps validation offline.
package schemareg

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var canonicalFS embed.FS

// baseURL is the canonical resource namespace. Hostname is insignificant;
// resolution is by trailing id.
const baseURL = "https://schemas.mova.dev/schemas/"

// coreSchemas are registered before everything else so cross-references
// resolve regardless of directory scan order.
var coreSchemas = []string{"episode", "security_event_episode"}

const suffix = ".schema.json"

// Registry compiles and caches validators. Load once at startup; read-heavy
// and effectively immutable afterwards.
type Registry struct {
	mu        sync.RWMutex
	compiler  *jsonschema.Compiler
	compiled  map[string]*jsonschema.Schema
	loaded    map[string]bool
	localRoot string
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLocalRoot adds a directory of *.schema.json files that override or
// extend the canonical set.
func WithLocalRoot(dir string) Option {
	return func(r *Registry) { r.localRoot = dir }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New constructs an empty registry. Call LoadAll before Validate.
func New(opts ...Option) *Registry {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	r := &Registry{
		compiler: c,
		compiled: make(map[string]*jsonschema.Schema),
		loaded:   make(map[string]bool),
		logger:   slog.Default().With("component", "schemareg"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadAll scans the canonical root and the local root, rewrites refs, and
// registers every document. Core schemas register first. A malformed
// document is logged and skipped; consumers see the failure as a validation
// error when they ask for that id.
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs := make(map[string][]byte)

	entries, err := fs.ReadDir(canonicalFS, "schemas")
	if err != nil {
		return fmt.Errorf("schemareg: canonical root unreadable: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		data, err := canonicalFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return fmt.Errorf("schemareg: read %s: %w", e.Name(), err)
		}
		docs[strings.TrimSuffix(e.Name(), suffix)] = data
	}

	if r.localRoot != "" {
		local, err := os.ReadDir(r.localRoot)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("schemareg: local root unreadable: %w", err)
			}
		} else {
			for _, e := range local {
				if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
					continue
				}
				data, err := os.ReadFile(filepath.Join(r.localRoot, e.Name()))
				if err != nil {
					return fmt.Errorf("schemareg: read %s: %w", e.Name(), err)
				}
				// Local documents shadow canonical ones by id.
				docs[strings.TrimSuffix(e.Name(), suffix)] = data
			}
		}
	}

	order := make([]string, 0, len(docs))
	for _, id := range coreSchemas {
		if _, ok := docs[id]; ok {
			order = append(order, id)
		}
	}
	rest := make([]string, 0, len(docs))
	for id := range docs {
		if !isCore(id) {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	for _, id := range order {
		if err := r.addResource(id, docs[id]); err != nil {
			r.logger.Warn("schema document skipped", "id", id, "error", err)
			continue
		}
		r.loaded[id] = true
	}
	return nil
}

func isCore(id string) bool {
	for _, c := range coreSchemas {
		if c == id {
			return true
		}
	}
	return false
}

// addResource rewrites refs and ids to the canonical namespace and registers
// the document with the compiler. Caller holds the lock.
func (r *Registry) addResource(id string, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	doc = rewriteRefs(doc)
	if m, ok := doc.(map[string]any); ok {
		// The registration URL is authoritative; a stale $id inside the
		// document must not win.
		m["$id"] = CanonicalURL(id)
	}
	rewritten, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}
	if err := r.compiler.AddResource(CanonicalURL(id), strings.NewReader(string(rewritten))); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// CanonicalURL maps a logical schema id to its resource URL.
func CanonicalURL(id string) string {
	return baseURL + id + suffix
}

// Has reports whether a schema id was registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[id]
}

// IDs lists registered schema ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaded))
	for id := range r.loaded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks v against the schema registered under id. Validation
// failures are values, never process failures: a missing or broken schema
// yields a Result with OK=false.
func (r *Registry) Validate(id string, v any) Result {
	schema, err := r.schemaFor(id)
	if err != nil {
		return Result{OK: false, Errors: []Error{{
			Message: fmt.Sprintf("schema %q unavailable: %v", id, err),
		}}}
	}

	value, err := normalize(v)
	if err != nil {
		return Result{OK: false, Errors: []Error{{
			Message: fmt.Sprintf("value not JSON-encodable: %v", err),
		}}}
	}

	if err := schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Result{OK: false, Errors: flatten(ve)}
		}
		return Result{OK: false, Errors: []Error{{Message: err.Error()}}}
	}
	return Result{OK: true}
}

// schemaFor compiles on first use and caches.
func (r *Registry) schemaFor(id string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	if s, ok := r.compiled[id]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	loaded := r.loaded[id]
	r.mu.RUnlock()

	if !loaded {
		return nil, fmt.Errorf("not registered")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.compiled[id]; ok {
		return s, nil
	}
	s, err := r.compiler.Compile(CanonicalURL(id))
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	r.compiled[id] = s
	return s, nil
}

// normalize round-trips v through encoding/json so the validator sees plain
// decoded values regardless of the caller's Go types.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// rewriteRefs replaces every $ref ending in ".schema.json" with its canonical
// resource URL, keyed by the trailing id. Fragment-only refs pass through.
func rewriteRefs(doc any) any {
	switch t := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			if k == "$ref" {
				if s, ok := v.(string); ok {
					out[k] = canonicalRef(s)
					continue
				}
			}
			out[k] = rewriteRefs(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = rewriteRefs(v)
		}
		return out
	default:
		return doc
	}
}

func canonicalRef(ref string) string {
	if strings.HasPrefix(ref, "#") {
		return ref
	}
	base, frag := ref, ""
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		base, frag = ref[:i], ref[i:]
	}
	if !strings.HasSuffix(base, suffix) {
		return ref
	}
	return baseURL + path.Base(base) + frag
}
