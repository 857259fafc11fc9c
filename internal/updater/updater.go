package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloud-agent-project/agentup/internal/apply"
	"github.com/cloud-agent-project/agentup/internal/hook"
	"github.com/cloud-agent-project/agentup/internal/release"
	"github.com/cloud-agent-project/agentup/internal/storage"
	"github.com/cloud-agent-project/agentup/internal/version"
)

// retryDelay is the pause between release resolution attempts.
var retryDelay = 2 * time.Second

// Sentinel errors for updater construction.
var (
	ErrPlanRequired    = errors.New("update plan is required")
	ErrSourceRequired  = errors.New("release source is required")
	ErrApplierRequired = errors.New("applier is required")
)

// ReleaseSource resolves releases from a backend such as the cloud release
// API or GitHub.
type ReleaseSource interface {
	ListReleases(ctx context.Context) ([]release.Release, error)
	GetRelease(ctx context.Context, tag string) (release.Release, error)
}

// Applier downloads an asset and swaps it over the installed binary.
type Applier interface {
	Apply(ctx context.Context, opts apply.Options) error
}

// HookRunner executes the before/after shell commands.
type HookRunner interface {
	Run(ctx context.Context, command string) (hook.Result, error)
}

// ConfirmFunc asks whether the update to the given version should proceed.
type ConfirmFunc func(toVersion string) (bool, error)

// Status reports the outcome of one update attempt.
type Status struct {
	Version string // resolved release version, when resolution succeeded
	Updated bool   // true only when a new binary was installed
}

// Config wires an Updater. Store, Confirm and Logger are optional.
type Config struct {
	Plan    *Plan
	Source  ReleaseSource
	Applier Applier
	Hooks   HookRunner
	Store   storage.Store
	Confirm ConfirmFunc
	Logger  *slog.Logger
}

// Updater drives a single update attempt through resolution, gating, the
// hook bracket and the binary swap.
type Updater struct {
	plan    *Plan
	source  ReleaseSource
	applier Applier
	hooks   HookRunner
	store   storage.Store
	confirm ConfirmFunc
	gate    version.Gate
	logger  *slog.Logger
}

// New validates the configuration and returns an Updater.
func New(cfg Config) (*Updater, error) {
	if cfg.Plan == nil {
		return nil, ErrPlanRequired
	}
	if cfg.Source == nil {
		return nil, ErrSourceRequired
	}
	if cfg.Applier == nil {
		return nil, ErrApplierRequired
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = &hook.Runner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Updater{
		plan:    cfg.Plan,
		source:  cfg.Source,
		applier: cfg.Applier,
		hooks:   hooks,
		store:   cfg.Store,
		confirm: cfg.Confirm,
		gate:    version.Gate{Mode: cfg.Plan.GateMode},
		logger:  logger,
	}, nil
}

// Run performs one update attempt: resolve the release, gate on the version,
// run the before hook, apply the new binary, and run the after hook. The
// after hook runs even when the apply fails, so a service stopped by the
// before hook is restarted either way.
func (u *Updater) Run(ctx context.Context) (Status, error) {
	start := time.Now()
	plan := u.plan

	rel, err := u.resolveRelease(ctx)
	if err != nil {
		u.record("", "", storage.OutcomeFailed, err, start)
		return Status{}, err
	}
	u.logger.Info("resolved release",
		"name", rel.Name,
		"version", rel.Version,
		"date", rel.Date)

	if !plan.IgnoreVersionCompare {
		newer, err := u.gate.ShouldUpdate(plan.CurrentVersion, rel.Version)
		if err != nil {
			u.record(rel.Version, "", storage.OutcomeFailed, err, start)
			return Status{Version: rel.Version}, err
		}
		if !newer {
			u.logger.Info("already up to date", "version", plan.CurrentVersion)
			u.record(rel.Version, "", storage.OutcomeSkipped, nil, start)
			return Status{Version: rel.Version}, nil
		}
	}

	asset, ok := rel.AssetForTarget(u.assetTarget())
	if !ok {
		err := fmt.Errorf("%w: release %s has no asset for target %s",
			release.ErrNoAssets, rel.Version, plan.Target)
		u.record(rel.Version, "", storage.OutcomeFailed, err, start)
		return Status{Version: rel.Version}, err
	}

	if !plan.NoConfirm && u.confirm != nil {
		proceed, err := u.confirm(rel.Version)
		if err != nil {
			return Status{Version: rel.Version}, fmt.Errorf("confirmation failed: %w", err)
		}
		if !proceed {
			u.logger.Info("update declined", "version", rel.Version)
			u.record(rel.Version, asset.DownloadURL, storage.OutcomeSkipped, nil, start)
			return Status{Version: rel.Version}, nil
		}
	}

	u.runHook(ctx, "before", plan.BeforeCmd)

	applyErr := u.applier.Apply(ctx, apply.Options{
		URL:           asset.DownloadURL,
		InstallPath:   plan.BinInstallPath,
		BinName:       plan.BinName,
		PathInArchive: plan.BinPathInArchive,
		ExpectedHash:  asset.Hash,
		AuthToken:     plan.AuthToken,
		ShowProgress:  plan.ShowProgress,
	})

	// The after hook restarts whatever the before hook stopped, so it must run
	// even when the apply failed or the update context has been cancelled.
	u.runHook(context.WithoutCancel(ctx), "after", plan.AfterCmd)

	if applyErr != nil {
		u.record(rel.Version, asset.DownloadURL, storage.OutcomeFailed, applyErr, start)
		return Status{Version: rel.Version}, fmt.Errorf("failed to apply update to %s: %w", rel.Version, applyErr)
	}

	u.logger.Info("update applied",
		"name", plan.Name,
		"from", plan.CurrentVersion,
		"to", rel.Version)
	u.record(rel.Version, asset.DownloadURL, storage.OutcomeUpdated, nil, start)
	return Status{Version: rel.Version, Updated: true}, nil
}

// resolveRelease fetches the release to install, retrying transient failures
// up to the plan's retry count. A not-found answer is definitive and is never
// retried.
func (u *Updater) resolveRelease(ctx context.Context) (release.Release, error) {
	var lastErr error
	for attempt := 0; attempt <= u.plan.RetryCount; attempt++ {
		if attempt > 0 {
			u.logger.Warn("retrying release resolution",
				"attempt", attempt+1,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return release.Release{}, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		rel, err := u.fetchRelease(ctx)
		if err == nil {
			return rel, nil
		}
		if errors.Is(err, release.ErrNotFound) {
			return release.Release{}, err
		}
		lastErr = err
	}
	return release.Release{}, lastErr
}

// fetchRelease resolves a single release: the pinned tag when one is set,
// otherwise the newest release matching the target platform.
func (u *Updater) fetchRelease(ctx context.Context) (release.Release, error) {
	if u.plan.TargetVersion != "" {
		return u.source.GetRelease(ctx, u.plan.TargetVersion)
	}

	releases, err := u.source.ListReleases(ctx)
	if err != nil {
		return release.Release{}, err
	}

	matching := release.FilterByTarget(releases, u.assetTarget())
	if len(matching) == 0 {
		return release.Release{}, fmt.Errorf("%w: no release for target %s",
			release.ErrNotFound, u.plan.Target)
	}
	// The source returns releases newest first.
	return matching[0], nil
}

// assetTarget returns the platform identifier used for release and asset
// filtering, or empty when platform identification is disabled.
func (u *Updater) assetTarget() string {
	if u.plan.IdentifyTargetPlatform {
		return u.plan.Target
	}
	return ""
}

// runHook executes a shell command around the binary swap. Hook failures are
// logged and swallowed: a broken service-control command must not abort the
// update or mask an apply error.
func (u *Updater) runHook(ctx context.Context, stage, command string) {
	if command == "" {
		return
	}

	res, err := u.hooks.Run(ctx, command)
	if err != nil {
		u.logger.Warn("hook command failed",
			"stage", stage,
			"command", command,
			"exit_code", res.ExitCode,
			"output", res.Output,
			"error", err)
		return
	}

	if u.plan.ShowOutput && res.Output != "" {
		u.logger.Info("hook command output",
			"stage", stage,
			"command", command,
			"output", res.Output)
	}
	u.logger.Info("hook command completed",
		"stage", stage,
		"command", command,
		"duration", res.Duration)
}

// record persists the attempt outcome when a store is configured. History is
// best effort: a storage failure is logged, never propagated.
func (u *Updater) record(toVersion, assetURL, outcome string, cause error, start time.Time) {
	if u.store == nil {
		return
	}

	rec := &storage.UpdateRecord{
		Name:        u.plan.Name,
		FromVersion: u.plan.CurrentVersion,
		ToVersion:   toVersion,
		Target:      u.plan.Target,
		AssetURL:    assetURL,
		Outcome:     outcome,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}

	if err := u.store.RecordAttempt(rec); err != nil {
		u.logger.Warn("failed to record update attempt", "error", err)
	}
}
