package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mova-labs/ocp/pkg/archive"
	"github.com/mova-labs/ocp/pkg/audit"
	"github.com/mova-labs/ocp/pkg/delivery"
	"github.com/mova-labs/ocp/pkg/driver"
	"github.com/mova-labs/ocp/pkg/evidence"
	"github.com/mova-labs/ocp/pkg/idempotency"
	"github.com/mova-labs/ocp/pkg/interp"
	"github.com/mova-labs/ocp/pkg/observability"
	"github.com/mova-labs/ocp/pkg/policy"
	"github.com/mova-labs/ocp/pkg/schemareg"
	"github.com/mova-labs/ocp/pkg/throttle"
)

// Environment switches owned by the CLI. Each is read once, here; packages
// receive explicit values.
const (
	envProfileDir      = "OCP_POLICY_PROFILE_DIR"
	envPolicyBundleDir = "OCP_POLICY_BUNDLE_DIR"
	envAllowNoopOnly   = "ALLOW_NOOP_ONLY"
)

// subsystems holds the collaborators every subcommand wires the same way.
// close releases them in reverse wiring order.
type subsystems struct {
	registry *schemareg.Registry
	evidence *evidence.Writer
	profiles *delivery.Profiles
	drivers  *driver.Registry
	obs      *observability.Provider
	auditLog audit.Logger

	closers []func()
}

func (s *subsystems) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildSubsystems(ctx context.Context, stderr io.Writer) (*subsystems, error) {
	reg := schemareg.New()
	if err := reg.LoadAll(); err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	drivers := driver.NewRegistry(driver.WithNoopOnly(os.Getenv(envAllowNoopOnly) == "1"))
	if err := driver.RegisterBuiltins(drivers, driver.BuiltinConfig{}); err != nil {
		return nil, fmt.Errorf("register drivers: %w", err)
	}

	obs, err := observability.FromEnv(ctx)
	if err != nil {
		return nil, err
	}

	s := &subsystems{
		registry: reg,
		evidence: evidence.NewWriter(""),
		profiles: delivery.NewProfiles(os.Getenv(envProfileDir)),
		drivers:  drivers,
		obs:      obs,
		auditLog: audit.NewLoggerWithWriter(stderr),
	}
	s.closers = append(s.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	})
	return s, nil
}

// buildRunner assembles the plan interpreter: standard step rules plus any
// CEL bundles from OCP_POLICY_BUNDLE_DIR, and the archive backend when one
// is configured.
func buildRunner(ctx context.Context, s *subsystems) (*interp.Runner, error) {
	engine := policy.NewEngine()
	if err := engine.AddRules(policy.StandardStepRules()); err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	if dir := os.Getenv(envPolicyBundleDir); dir != "" {
		bundles, err := policy.LoadBundleDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load policy bundles: %w", err)
		}
		rules, err := policy.CompileBundles(bundles)
		if err != nil {
			return nil, fmt.Errorf("compile policy bundles: %w", err)
		}
		if err := engine.AddRules(rules); err != nil {
			return nil, fmt.Errorf("policy bundles: %w", err)
		}
	}

	opts := []interp.Option{
		interp.WithAudit(s.auditLog),
		interp.WithObservability(s.obs),
	}
	arch, err := archive.NewFromEnv(ctx, s.evidence.Root())
	if err != nil {
		return nil, fmt.Errorf("archive backend: %w", err)
	}
	if arch != nil {
		opts = append(opts, interp.WithArchiver(arch))
	}
	if id := os.Getenv(delivery.EnvProfileID); id != "" {
		opts = append(opts, interp.WithPolicyProfileID(id))
	}
	return interp.NewRunner(s.registry, s.evidence, s.drivers, engine, opts...), nil
}

// buildOrchestrator assembles the delivery pipeline with its stores resolved
// from the environment. A receipt index, when configured, is registered on
// the subsystems closer list. profileID is the -profile flag value; it only
// sizes the RPS gate here, Deliver resolves the profile for real.
func buildOrchestrator(s *subsystems, profileID string) (*delivery.Orchestrator, error) {
	idemPath := os.Getenv(idempotency.EnvStorePath)
	if idemPath == "" {
		idemPath = filepath.Join(s.evidence.Root(), idempotency.DefaultStoreFile)
	}
	idem, err := idempotency.Open(idemPath)
	if err != nil {
		return nil, err
	}

	var lastSent throttle.LastSentStore
	if addr := os.Getenv(throttle.EnvRedisAddr); addr != "" {
		lastSent = throttle.NewRedisStore(addr, "", 0)
	} else {
		path := os.Getenv(throttle.EnvStorePath)
		if path == "" {
			path = filepath.Join(s.evidence.Root(), throttle.DefaultStoreFile)
		}
		lastSent = throttle.NewFileStore(path)
	}

	opts := []delivery.Option{
		delivery.WithSchemaRegistry(s.registry),
		delivery.WithAudit(s.auditLog),
		delivery.WithObservability(s.obs),
	}
	if profileID == "" {
		profileID = os.Getenv(delivery.EnvProfileID)
	}
	// A profile that cannot load is not a wiring error: Deliver reports it
	// with an evidence trail instead.
	if prof, err := s.profiles.Load(profileID); err == nil && prof.RateLimit.MaxRPS > 0 {
		opts = append(opts, delivery.WithRPSGate(throttle.NewRPSGate(prof.RateLimit.MaxRPS)))
	}
	idx, err := delivery.NewReceiptIndexFromEnv()
	if err != nil {
		return nil, err
	}
	if idx != nil {
		opts = append(opts, delivery.WithReceiptIndex(idx))
		s.closers = append(s.closers, func() { _ = idx.Close() })
	}
	return delivery.NewOrchestrator(s.profiles, s.evidence, s.drivers, idem, lastSent, opts...), nil
}
