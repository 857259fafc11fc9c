// Package cli provides the command-line interface for the update agent.
// It supports YAML settings files and integrates the release sources, the
// update orchestrator and the history store.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cloud-agent-project/agentup/internal/apply"
	"github.com/cloud-agent-project/agentup/internal/cloudapi"
	"github.com/cloud-agent-project/agentup/internal/config"
	gh "github.com/cloud-agent-project/agentup/internal/github"
	"github.com/cloud-agent-project/agentup/internal/hook"
	"github.com/cloud-agent-project/agentup/internal/platform"
	"github.com/cloud-agent-project/agentup/internal/probe"
	"github.com/cloud-agent-project/agentup/internal/storage"
	"github.com/cloud-agent-project/agentup/internal/updater"
	"github.com/cloud-agent-project/agentup/internal/version"
)

// titleCaser renders report and history headings.
var titleCaser = cases.Title(language.English)

// UpdateReport represents an update attempt result for JSON output
type UpdateReport struct {
	Name        string `json:"name"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version,omitempty"`
	Updated     bool   `json:"updated"`
	Skipped     bool   `json:"skipped"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// CheckReport represents a check command result for JSON output
type CheckReport struct {
	Name            string `json:"name"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	ReleaseDate     string `json:"release_date,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:     "agentup",
		Usage:    "Keep an installed agent binary up to date",
		Version:  "1.0.0",
		Compiled: time.Now(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "setting.yaml",
				Usage:   "path to agent settings file",
				EnvVars: []string{"AGENTUP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level for structured JSON output (debug, info, warn, error); overrides the settings file",
				EnvVars: []string{"AGENTUP_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "update",
				Usage: "Resolve the newest release and replace the installed binary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "version",
						Aliases: []string{"v"},
						Usage:   "update to this exact release tag instead of the latest",
					},
					&cli.StringFlag{
						Name:  "current-version",
						Usage: "installed version; skips probing the binary with --version",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "apply the update without asking for confirmation",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
				},
				Action: updateCommand,
			},
			{
				Name:  "check",
				Usage: "Check for a newer release without applying it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "current-version",
						Usage: "installed version; skips probing the binary with --version",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
				},
				Action: checkCommand,
			},
			{
				Name:  "history",
				Usage: "Show recorded update attempts",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Value:   10,
						Usage:   "number of attempts to show (0 for all)",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: "text",
						Usage: "output format (text, json)",
					},
				},
				Action: historyCommand,
			},
		},
	}
}

// newLoggersFromContext creates the loggers, letting the --log-level flag
// override the settings file.
func newLoggersFromContext(c *cli.Context, settings *config.Settings) (*slog.Logger, *slog.Logger) {
	levelStr := c.String("log-level")
	if levelStr == "" {
		levelStr = settings.LogLevel
	}
	return NewLoggersWithOutputFormat(ParseLogLevelOrDefault(levelStr), c.String("output"))
}

// newSource selects the release source backend from the settings.
func newSource(settings *config.Settings) (updater.ReleaseSource, error) {
	switch settings.Source {
	case config.SourceGitHub:
		client, err := gh.NewClient(settings.AuthToken, settings.GitHubRepository)
		if err != nil {
			return nil, fmt.Errorf("failed to create github client: %w", err)
		}
		return client, nil
	default:
		client, err := cloudapi.NewClient(settings.APIRoot, settings.AuthToken, settings.GetRequestTimeout())
		if err != nil {
			return nil, fmt.Errorf("failed to create release client: %w", err)
		}
		return client, nil
	}
}

// installedBinaryPath returns the full path of the managed binary.
func installedBinaryPath(settings *config.Settings) (string, error) {
	binName := settings.InstallBin
	if binName == "" {
		binName = settings.Name
	}
	binName = platform.NormalizeBinName(binName)

	dir := settings.InstallPath
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to resolve current executable path: %w", err)
		}
		dir = filepath.Dir(exe)
	}
	return filepath.Join(dir, binName), nil
}

// resolveCurrentVersion returns the installed version: the --current-version
// flag when given, otherwise the output of probing the binary. A probe
// failure is fatal unless version comparison is disabled, in which case the
// update proceeds with a placeholder version.
func resolveCurrentVersion(c *cli.Context, settings *config.Settings, stderr *slog.Logger) (string, error) {
	if v := c.String("current-version"); v != "" {
		return v, nil
	}

	binPath, err := installedBinaryPath(settings)
	if err != nil {
		return "", err
	}

	ver, err := probe.BinaryVersion(c.Context, binPath)
	if err != nil {
		if settings.IgnoreVersionCompare {
			stderr.Warn("failed to probe installed binary version, continuing without it",
				"path", binPath,
				"error", err)
			return "0.0.0", nil
		}
		return "", fmt.Errorf("failed to probe installed binary version at %s: %w", binPath, err)
	}
	return ver, nil
}

// buildPlan translates the settings and command flags into an update plan.
func buildPlan(settings *config.Settings, currentVersion, targetTag string, noConfirm bool) (*updater.Plan, error) {
	mode, err := version.ParseMode(settings.VersionGate)
	if err != nil {
		return nil, err
	}

	binName := settings.InstallBin
	if binName == "" {
		binName = settings.Name
	}

	b := updater.Configure().
		Name(settings.Name).
		APIRoot(settings.APIRoot).
		BinName(binName).
		CurrentVersion(currentVersion).
		GateMode(mode).
		IgnoreVersionCompare(settings.IgnoreVersionCompare).
		RetryCount(settings.RetryCount).
		AuthToken(settings.AuthToken).
		BeforeCommand(settings.BeforeCmd).
		AfterCommand(settings.AfterCmd).
		ShowDownloadProgress(settings.ShowProgress).
		NoConfirm(noConfirm || settings.NoConfirm)

	if settings.InstallPath != "" {
		b.BinInstallPath(settings.InstallPath)
	}
	if settings.BinPathInArchive != "" {
		b.BinPathInArchive(settings.BinPathInArchive)
	}
	if settings.Target != "" {
		// An explicit target opts in to platform filtering of releases and
		// assets; the cloud API publishes one platform-agnostic asset.
		b.Target(settings.Target).IdentifyTargetPlatform(true)
	}
	if targetTag == "" {
		targetTag = settings.TargetVersion
	}
	if targetTag != "" {
		b.TargetVersionTag(targetTag)
	}
	return b.Build()
}

// openStore opens the history database when one is configured. History is
// best effort for updates, so failures are logged and the update continues
// without recording.
func openStore(settings *config.Settings, stderr *slog.Logger) storage.Store {
	if settings.Storage.DatabasePath == "" {
		return nil
	}
	db, err := storage.InitDB(storage.Config{
		DatabasePath: settings.Storage.DatabasePath,
		LogLevel:     "silent", // Database logs are verbose, suppress them
	})
	if err != nil {
		stderr.Warn("failed to open history database, continuing without history",
			"path", settings.Storage.DatabasePath,
			"error", err)
		return nil
	}
	return db
}

// promptConfirm asks on the terminal whether to proceed with the update.
func promptConfirm(toVersion string) (bool, error) {
	fmt.Printf("Update to version %s? [y/N] ", toVersion)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// updateCommand implements the update command.
func updateCommand(c *cli.Context) error {
	start := time.Now()
	outputFormat := c.String("output")

	settings, err := config.LoadSettings(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	stdout, stderr := newLoggersFromContext(c, settings)

	currentVersion, err := resolveCurrentVersion(c, settings, stderr)
	if err != nil {
		stderr.Error("failed to resolve installed version", "error", err)
		return err
	}

	source, err := newSource(settings)
	if err != nil {
		stderr.Error("failed to create release source", "error", err)
		return err
	}

	plan, err := buildPlan(settings, currentVersion, c.String("version"), c.Bool("yes"))
	if err != nil {
		stderr.Error("invalid update configuration", "error", err)
		return fmt.Errorf("invalid update configuration: %w", err)
	}

	store := openStore(settings, stderr)
	if store != nil {
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				stderr.Warn("failed to close history database", "error", closeErr)
			}
		}()
	}

	u, err := updater.New(updater.Config{
		Plan:    plan,
		Source:  source,
		Applier: apply.New(stdout, settings.GetRequestTimeout()),
		Hooks:   &hook.Runner{Timeout: settings.GetHookTimeout()},
		Store:   store,
		Confirm: promptConfirm,
		Logger:  stdout,
	})
	if err != nil {
		stderr.Error("failed to initialize updater", "error", err)
		return err
	}

	status, runErr := u.Run(c.Context)

	report := UpdateReport{
		Name:        plan.Name,
		FromVersion: plan.CurrentVersion,
		ToVersion:   status.Version,
		Updated:     status.Updated,
		Skipped:     runErr == nil && !status.Updated,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	if err := printUpdateReport(outputFormat, report); err != nil {
		return err
	}
	return runErr
}

// printUpdateReport writes the update outcome to stdout.
func printUpdateReport(format string, report UpdateReport) error {
	if format == "json" {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(titleCaser.String(report.Name + " update report"))
	switch {
	case report.Updated:
		fmt.Printf("  updated %s -> %s in %dms\n", report.FromVersion, report.ToVersion, report.DurationMs)
	case report.Error != "":
		fmt.Printf("  failed: %s\n", report.Error)
	default:
		fmt.Printf("  skipped, installed version %s is current\n", report.FromVersion)
	}
	return nil
}

// checkCommand implements the check command.
func checkCommand(c *cli.Context) error {
	settings, err := config.LoadSettings(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	_, stderr := newLoggersFromContext(c, settings)

	currentVersion, err := resolveCurrentVersion(c, settings, stderr)
	if err != nil {
		stderr.Error("failed to resolve installed version", "error", err)
		return err
	}

	source, err := newSource(settings)
	if err != nil {
		stderr.Error("failed to create release source", "error", err)
		return err
	}

	rel, err := source.GetRelease(c.Context, settings.TargetVersion)
	if err != nil {
		stderr.Error("failed to resolve release", "error", err)
		return err
	}

	mode, err := version.ParseMode(settings.VersionGate)
	if err != nil {
		return err
	}
	available, err := version.Gate{Mode: mode}.ShouldUpdate(currentVersion, rel.Version)
	if err != nil {
		stderr.Error("failed to compare versions", "error", err)
		return err
	}

	report := CheckReport{
		Name:            settings.Name,
		CurrentVersion:  currentVersion,
		LatestVersion:   rel.Version,
		ReleaseDate:     rel.Date,
		UpdateAvailable: available,
	}
	return printCheckReport(c.String("output"), report)
}

// printCheckReport writes the check outcome to stdout.
func printCheckReport(format string, report CheckReport) error {
	if format == "json" {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(titleCaser.String(report.Name + " release check"))
	fmt.Printf("  installed: %s\n", report.CurrentVersion)
	fmt.Printf("  latest:    %s\n", report.LatestVersion)
	if report.UpdateAvailable {
		fmt.Println("  update available")
	} else {
		fmt.Println("  up to date")
	}
	return nil
}

// historyCommand implements the history command.
func historyCommand(c *cli.Context) error {
	settings, err := config.LoadSettings(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	_, stderr := newLoggersFromContext(c, settings)

	if settings.Storage.DatabasePath == "" {
		return fmt.Errorf("history requires storage.database_path in the settings file")
	}
	db, err := storage.InitDB(storage.Config{
		DatabasePath: settings.Storage.DatabasePath,
		LogLevel:     "silent",
	})
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			stderr.Warn("failed to close history database", "error", closeErr)
		}
	}()

	records, err := db.ListAttempts(settings.Name, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list update attempts: %w", err)
	}

	if c.String("output") == "json" {
		output, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Println(titleCaser.String("update history for " + settings.Name))
	if len(records) == 0 {
		fmt.Println("  no recorded attempts")
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("  %s  %-7s  %s -> %s",
			rec.CreatedAt.Format(time.RFC3339), rec.Outcome, rec.FromVersion, rec.ToVersion)
		if rec.ErrorMessage != "" {
			line += "  (" + rec.ErrorMessage + ")"
		}
		fmt.Println(line)
	}
	return nil
}
