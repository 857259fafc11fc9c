// Package version implements the update gate: the policy deciding whether a
// resolved release differs enough from the installed version to apply it.
package version

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Mode selects the comparison policy for the gate.
type Mode string

const (
	// ModeExact treats any version string different from the installed one as
	// an update. This matches the historical behavior and is the default.
	ModeExact Mode = "exact"
	// ModeSemver only updates when the candidate orders strictly greater than
	// the installed version under semantic versioning.
	ModeSemver Mode = "semver"
)

// ErrInvalidMode is returned for gate modes other than exact or semver.
var ErrInvalidMode = errors.New("invalid version gate mode")

// ParseError reports a version string the semver gate could not parse.
type ParseError struct {
	Version string
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse version %q: %v", e.Version, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ParseMode validates a mode string, defaulting empty input to ModeExact.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeExact, nil
	case ModeExact:
		return ModeExact, nil
	case ModeSemver:
		return ModeSemver, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Gate decides whether an update from current to candidate is warranted.
type Gate struct {
	Mode Mode
}

// ShouldUpdate reports whether the candidate version warrants an update over
// the current one. In ModeExact the decision is plain string inequality; in
// ModeSemver the candidate must parse and order strictly greater.
func (g Gate) ShouldUpdate(current, candidate string) (bool, error) {
	switch g.Mode {
	case ModeExact, "":
		return current != candidate, nil
	case ModeSemver:
		cur, err := semver.NewVersion(current)
		if err != nil {
			return false, &ParseError{Version: current, Cause: err}
		}
		cand, err := semver.NewVersion(candidate)
		if err != nil {
			return false, &ParseError{Version: candidate, Cause: err}
		}
		return cand.GreaterThan(cur), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidMode, string(g.Mode))
	}
}
