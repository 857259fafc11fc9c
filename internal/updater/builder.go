// Package updater configures and orchestrates a single update attempt against
// an installed binary.
package updater

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloud-agent-project/agentup/internal/platform"
	"github.com/cloud-agent-project/agentup/internal/version"
)

// Sentinel errors for plan validation. These fields have no safe default.
var (
	ErrNameRequired           = errors.New("name is required")
	ErrBinNameRequired        = errors.New("bin_name is required")
	ErrBinPathRequired        = errors.New("bin_path_in_archive is required")
	ErrCurrentVersionRequired = errors.New("current_version is required")
)

// Plan is the validated, immutable configuration for one update attempt.
// It is produced by Builder.Build and consumed exactly once by an Updater.
type Plan struct {
	Name             string
	Target           string
	BinName          string
	BinInstallPath   string // directory holding the installed binary
	BinPathInArchive string
	CurrentVersion   string
	TargetVersion    string // explicit version tag; empty means latest

	IgnoreVersionCompare   bool
	GateMode               version.Mode
	IdentifyTargetPlatform bool

	ShowProgress bool
	ShowOutput   bool
	NoConfirm    bool

	AuthToken string
	APIRoot   string

	BeforeCmd string
	AfterCmd  string

	RetryCount int
}

// Builder accumulates update parameters through chained setter calls. Setters
// are order-independent, except that BinName derives BinPathInArchive unless
// one was set explicitly.
type Builder struct {
	plan Plan
}

// Configure returns a fresh Builder with defaults: output shown, version
// gating enabled, no confirmation prompt suppression.
func Configure() *Builder {
	return &Builder{plan: Plan{ShowOutput: true, GateMode: version.ModeExact}}
}

// Name sets the logical name of the managed binary.
func (b *Builder) Name(name string) *Builder {
	b.plan.Name = name
	return b
}

// APIRoot sets the release API root URL, e.g. "http://updates.example.com".
func (b *Builder) APIRoot(url string) *Builder {
	b.plan.APIRoot = url
	return b
}

// Target sets the target platform identifier used to filter release assets.
// If unset, the build's own platform identifier is used.
func (b *Builder) Target(target string) *Builder {
	b.plan.Target = target
	return b
}

// BinName sets the executable's name, appending the platform suffix if it is
// missing. Also derives BinPathInArchive when that has not been set yet.
func (b *Builder) BinName(name string) *Builder {
	normalized := platform.NormalizeBinName(name)
	b.plan.BinName = normalized
	if b.plan.BinPathInArchive == "" {
		b.plan.BinPathInArchive = normalized
	}
	return b
}

// BinInstallPath sets the directory holding the installed binary. Defaults to
// the running executable's directory.
func (b *Builder) BinInstallPath(path string) *Builder {
	b.plan.BinInstallPath = path
	return b
}

// BinPathInArchive sets the executable's location inside a packaged asset,
// relative to the archive root. Defaults to the binary name.
func (b *Builder) BinPathInArchive(path string) *Builder {
	b.plan.BinPathInArchive = path
	return b
}

// CurrentVersion sets the installed binary's version, used by the gate.
func (b *Builder) CurrentVersion(ver string) *Builder {
	b.plan.CurrentVersion = ver
	return b
}

// TargetVersionTag pins the update to a specific release tag instead of the
// latest available release.
func (b *Builder) TargetVersionTag(tag string) *Builder {
	b.plan.TargetVersion = tag
	return b
}

// IgnoreVersionCompare disables the version gate so the update is applied
// even when the resolved version equals the installed one.
func (b *Builder) IgnoreVersionCompare(ignore bool) *Builder {
	b.plan.IgnoreVersionCompare = ignore
	return b
}

// GateMode selects the version comparison policy.
func (b *Builder) GateMode(mode version.Mode) *Builder {
	b.plan.GateMode = mode
	return b
}

// IdentifyTargetPlatform enables filtering releases and assets by the target
// platform identifier. Off by default: the cloud API publishes one asset per
// release and does not encode platforms into asset names.
func (b *Builder) IdentifyTargetPlatform(identify bool) *Builder {
	b.plan.IdentifyTargetPlatform = identify
	return b
}

// ShowDownloadProgress toggles download progress reporting, defaults to off.
func (b *Builder) ShowDownloadProgress(show bool) *Builder {
	b.plan.ShowProgress = show
	return b
}

// ShowOutput toggles logging of hook command output, defaults to on.
func (b *Builder) ShowOutput(show bool) *Builder {
	b.plan.ShowOutput = show
	return b
}

// NoConfirm suppresses the confirmation prompt, defaults to off.
func (b *Builder) NoConfirm(noConfirm bool) *Builder {
	b.plan.NoConfirm = noConfirm
	return b
}

// AuthToken sets the bearer token sent to the release API and the download
// endpoint.
func (b *Builder) AuthToken(token string) *Builder {
	b.plan.AuthToken = token
	return b
}

// BeforeCommand sets the shell command run before the binary swap, typically
// stopping the managed service.
func (b *Builder) BeforeCommand(cmd string) *Builder {
	b.plan.BeforeCmd = cmd
	return b
}

// AfterCommand sets the shell command run after the binary swap, typically
// restarting the managed service. It runs whether or not the swap succeeded.
func (b *Builder) AfterCommand(cmd string) *Builder {
	b.plan.AfterCmd = cmd
	return b
}

// RetryCount sets how many times transient resolution failures are retried.
func (b *Builder) RetryCount(count int) *Builder {
	if count > 0 {
		b.plan.RetryCount = count
	}
	return b
}

// Build validates the accumulated configuration and returns an immutable
// Plan, or a configuration error naming the first missing required field.
func (b *Builder) Build() (*Plan, error) {
	if b.plan.Name == "" {
		return nil, ErrNameRequired
	}
	if b.plan.BinName == "" {
		return nil, ErrBinNameRequired
	}
	if b.plan.BinPathInArchive == "" {
		return nil, ErrBinPathRequired
	}
	if b.plan.CurrentVersion == "" {
		return nil, ErrCurrentVersionRequired
	}

	plan := b.plan
	if plan.Target == "" {
		plan.Target = platform.Target()
	}
	if plan.BinInstallPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current executable path: %w", err)
		}
		plan.BinInstallPath = filepath.Dir(exe)
	}
	return &plan, nil
}
