// Package platform resolves target identifiers and executable naming for the
// host system.
package platform

import (
	"runtime"
	"strings"
)

// Target returns the default target identifier for the current build,
// e.g. "linux-amd64" or "windows-arm64".
func Target() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// ExeSuffix returns the platform's native executable file suffix
// (".exe" on Windows, empty elsewhere).
func ExeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// NormalizeBinName appends the executable suffix to name exactly once.
// Normalizing an already-normalized name is a no-op.
func NormalizeBinName(name string) string {
	suffix := ExeSuffix()
	if suffix == "" {
		return name
	}
	return strings.TrimSuffix(name, suffix) + suffix
}
