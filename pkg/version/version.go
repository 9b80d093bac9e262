// Package version negotiates the semver triple exchanged during
// bootstrap: two versions are
// compatible iff their major numbers are equal and the runtime's
// (minor, patch) is greater than or equal to the requested one.
//
// This replaces a hand-rolled versioning.Version (regex parse + manual
// int comparison) with Masterminds/semver/v3, already used elsewhere
// for governance's canary rollout checks.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/cccs-substrate/cccs/pkg/taxonomy"
)

// Parse parses a semver string ("v" prefix optional).
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("version: parse %q: %w", s, err)
	}
	return v, nil
}

// Compatible reports whether runtimeVersion can serve a caller that
// requested requestedVersion: same major, and runtime's (minor, patch)
// is at least the requested one.
func Compatible(runtimeVersion, requestedVersion *semver.Version) bool {
	if runtimeVersion.Major() != requestedVersion.Major() {
		return false
	}
	if runtimeVersion.Minor() != requestedVersion.Minor() {
		return runtimeVersion.Minor() > requestedVersion.Minor()
	}
	return runtimeVersion.Patch() >= requestedVersion.Patch()
}

// Negotiate parses both strings and checks compatibility, wrapping
// taxonomy.ErrVersionMismatch on any parse failure or incompatibility
// so callers can fold it straight into the canonical error taxonomy.
func Negotiate(runtimeVersion, requestedVersion string) error {
	rt, err := Parse(runtimeVersion)
	if err != nil {
		return fmt.Errorf("%w: runtime version: %v", taxonomy.ErrVersionMismatch, err)
	}
	req, err := Parse(requestedVersion)
	if err != nil {
		return fmt.Errorf("%w: requested version: %v", taxonomy.ErrVersionMismatch, err)
	}
	if !Compatible(rt, req) {
		return fmt.Errorf("%w: runtime %s cannot serve requested %s", taxonomy.ErrVersionMismatch, rt, req)
	}
	return nil
}
