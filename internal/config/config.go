// Package config provides configuration management for the update agent.
// It handles YAML-based settings including the release source, install
// layout, version gating and hook commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloud-agent-project/agentup/internal/version"
)

// Release source identifiers.
const (
	SourceCloud  = "cloud"
	SourceGitHub = "github"
)

// Sentinel errors for configuration validation
var (
	ErrNameRequired       = errors.New("name is required")
	ErrAPIRootRequired    = errors.New("api_root is required for the cloud source")
	ErrRepositoryRequired = errors.New("github_repository is required for the github source")
	ErrUnknownSource      = errors.New("source must be cloud or github")
)

// StorageConfig represents storage configuration for update history tracking.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// Settings represents the update agent configuration.
type Settings struct {
	// Release source selection.
	Source           string `yaml:"source"` // cloud (default) or github
	APIRoot          string `yaml:"api_root"`
	GitHubRepository string `yaml:"github_repository"` // "owner/repo", github source only
	AuthToken        string `yaml:"auth_token"`

	// Managed binary layout.
	Name             string `yaml:"name"`
	InstallPath      string `yaml:"install_path"`
	InstallBin       string `yaml:"install_bin"`
	BinPathInArchive string `yaml:"bin_path_in_archive"`
	Target           string `yaml:"target"`

	// Version gating.
	TargetVersion        string `yaml:"target_version"` // pin to a tag; empty means latest
	IgnoreVersionCompare bool   `yaml:"ignore_version_compare"`
	VersionGate          string `yaml:"version_gate"` // exact (default) or semver

	// Update behavior.
	RetryCount     int    `yaml:"retry_count"`
	RequestTimeout string `yaml:"request_timeout"`
	ShowProgress   bool   `yaml:"show_progress"`
	NoConfirm      bool   `yaml:"no_confirm"`

	// Hook commands around the binary swap.
	BeforeCmd   string `yaml:"before_cmd"`
	AfterCmd    string `yaml:"after_cmd"`
	HookTimeout string `yaml:"hook_timeout"`

	Storage  StorageConfig `yaml:"storage"`
	LogLevel string        `yaml:"log_level"`
}

// GetRequestTimeout parses and returns the release API request timeout
func (s *Settings) GetRequestTimeout() time.Duration {
	if s.RequestTimeout == "" {
		return 30 * time.Second // Default timeout
	}
	timeout, err := time.ParseDuration(s.RequestTimeout)
	if err != nil {
		return 30 * time.Second // Default on parse error
	}
	return timeout
}

// GetHookTimeout parses and returns the hook command timeout
func (s *Settings) GetHookTimeout() time.Duration {
	if s.HookTimeout == "" {
		return 2 * time.Minute // Default timeout
	}
	timeout, err := time.ParseDuration(s.HookTimeout)
	if err != nil {
		return 2 * time.Minute // Default on parse error
	}
	return timeout
}

// LoadSettings loads and parses the agent settings from a YAML file.
func LoadSettings(filePath string) (*Settings, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", filePath, err)
	}
	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", filePath, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// Validate validates the settings structure and required fields.
func (s *Settings) Validate() error {
	if s.Name == "" {
		return ErrNameRequired
	}
	switch s.Source {
	case SourceCloud:
		if s.APIRoot == "" {
			return ErrAPIRootRequired
		}
	case SourceGitHub:
		if s.GitHubRepository == "" {
			return ErrRepositoryRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, s.Source)
	}
	if _, err := version.ParseMode(s.VersionGate); err != nil {
		return fmt.Errorf("version_gate: %w", err)
	}
	return nil
}

// DefaultSettings returns settings with the defaults applied before a YAML
// file is layered on top.
func DefaultSettings() *Settings {
	return &Settings{
		Source:      SourceCloud,
		VersionGate: string(version.ModeExact),
		LogLevel:    "info",
	}
}

// SaveSettings saves the settings to a YAML file.
func SaveSettings(settings *Settings, filePath string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", filePath, err)
	}
	return nil
}
