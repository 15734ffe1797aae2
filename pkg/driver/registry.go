// Package driver maps driver-kind names to side-effect executors. Nothing
// registers itself at import time; callers wire the built-ins explicitly at
// startup so a process only ever carries the drivers it was configured for.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mova-labs/ocp/pkg/contracts"
)

// ErrDriverNotFound is returned by Get for unregistered names.
var ErrDriverNotFound = errors.New("driver not found")

// ExecContext carries the tool binding details into a driver invocation.
type ExecContext struct {
	DriverName string
	Allowlist  []string
	Limits     contracts.Limits
	Binding    contracts.Binding
}

// Driver executes one side-effecting step.
type Driver interface {
	Execute(ctx context.Context, input map[string]any, ec ExecContext) (map[string]any, error)
}

// Factory builds a driver. Construction is deferred to the first Get so
// registering a driver whose dependencies are absent costs nothing until it
// is actually used.
type Factory func() (Driver, error)

// Registry holds named driver factories.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Driver
	noopOnly  bool
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNoopOnly restricts Get to noop-prefixed drivers. Wired from the
// ALLOW_NOOP_ONLY environment switch for dev-safe deployments.
func WithNoopOnly(v bool) RegistryOption {
	return func(r *Registry) { r.noopOnly = v }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Driver),
		logger:    slog.Default().With("component", "driver_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a named factory. Re-registering a name is an error; a
// deployment must not silently swap a driver's semantics.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("driver name must not be empty")
	}
	if f == nil {
		return fmt.Errorf("driver %q: factory must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("driver %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Get resolves a driver, constructing it on first use and caching the
// instance.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.noopOnly && !strings.HasPrefix(name, "noop") {
		return nil, fmt.Errorf("driver %q blocked: ALLOW_NOOP_ONLY is set", name)
	}
	if d, ok := r.instances[name]; ok {
		return d, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotFound, name)
	}
	d, err := f()
	if err != nil {
		return nil, fmt.Errorf("construct driver %q: %w", name, err)
	}
	r.instances[name] = d
	r.logger.Debug("driver constructed", "driver", name)
	return d, nil
}

// List returns registered names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
