// Package version pins the MOVA artifact dialect emitted by this runtime and
// checks artifacts read back from disk against it.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MOVA is the dialect version stamped into every episode and run summary.
const MOVA = "4.1.1"

// Constraint accepted when re-reading artifacts. Minor/patch drift within the
// 4.1 line is tolerated; anything else is a different dialect.
const Constraint = "^4.1"

// CheckCompatible reports whether an artifact's mova_version can be consumed
// by this runtime. Empty versions are rejected: artifacts without a dialect
// stamp are not trusted.
func CheckCompatible(v string) error {
	if v == "" {
		return fmt.Errorf("mova_version missing")
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("mova_version %q not semver: %w", v, err)
	}
	c, err := semver.NewConstraint(Constraint)
	if err != nil {
		return fmt.Errorf("version constraint: %w", err)
	}
	if !c.Check(sv) {
		return fmt.Errorf("mova_version %q outside supported range %s", v, Constraint)
	}
	return nil
}
