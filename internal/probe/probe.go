// Package probe determines the installed binary's self-reported version by
// invoking it and extracting a version-looking token from its output.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
)

// ErrNoVersionToken is returned when the binary's output contains nothing
// that looks like a version.
var ErrNoVersionToken = errors.New("no version token found in output")

// versionPattern matches the first digit-led token, e.g. "1.2.3" in
// "agent version 1.2.3 (linux/amd64)".
var versionPattern = regexp.MustCompile(`\d+\S*`)

// BinaryVersion runs the binary at binPath with --version and returns its
// reported version. Some binaries print the version to stderr and exit
// non-zero, so stderr is consulted when the invocation fails with an exit
// status.
func BinaryVersion(ctx context.Context, binPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath, "--version")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to run %s --version: %w", binPath, err)
		}
		output = stderr.String()
	}

	return ExtractVersionToken(output)
}

// ExtractVersionToken pulls the first version-looking token out of command
// output.
func ExtractVersionToken(output string) (string, error) {
	token := versionPattern.FindString(output)
	if token == "" {
		return "", fmt.Errorf("%w: %q", ErrNoVersionToken, output)
	}
	return token, nil
}
