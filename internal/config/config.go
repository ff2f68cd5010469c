// Package config provides YAML configuration parsing and validation for the
// process monitor. Configuration governs which spawner processes to look
// for, which package database to watch, and the timing constants used by
// discovery and the child inspector.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscoveryConfig controls how the monitor finds spawner processes.
type DiscoveryConfig struct {
	// CommandPrefix is the command-line prefix identifying a spawner
	// process, e.g. "spawner". Defaults to "spawner".
	CommandPrefix string `yaml:"command_prefix"`
	// RescanInterval is how often the periodic rescan timer fires while
	// fewer than the expected number of spawners is known. Defaults to
	// 250ms per spec.
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// WatchConfig controls the filesystem watch inputs.
type WatchConfig struct {
	// PackageDBDir is the directory containing the package database file
	// (behaves as "/data/system"); close-write events on PackageDBFile
	// within it trigger a uid-map refresh and rescan.
	PackageDBDir string `yaml:"package_db_dir"`
	// PackageDBFile is the filename within PackageDBDir to watch for
	// close-write, e.g. "packages.xml".
	PackageDBFile string `yaml:"package_db_file"`
	// SpawnerExecutables lists the absolute paths of spawner binaries to
	// watch for access events (one for 32-bit, one for 64-bit; either or
	// both may exist on a given system).
	SpawnerExecutables []string `yaml:"spawner_executables"`
}

// InspectorConfig controls the child-inspector's bounded polling loops.
type InspectorConfig struct {
	// PollInterval is the back-off between polls while waiting for a
	// child's mount namespace to separate or its cmdline to populate.
	// Defaults to 10µs per spec.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPollAttempts bounds the number of polls before giving up.
	// Defaults to 300000 (~3s at the default interval) per spec.
	MaxPollAttempts int `yaml:"max_poll_attempts"`
	// HideConfidence is the confidence/threshold constant passed
	// unchanged to the external target classifier. Defaults to 95.
	HideConfidence int `yaml:"hide_confidence"`
	// ExcludedCommands lists cmdlines that are never hide targets
	// regardless of the classifier's answer (pre-warmed helpers).
	// Defaults to ["usap32", "usap64"].
	ExcludedCommands []string `yaml:"excluded_commands"`
}

// LoggingConfig controls the monitor's structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string `yaml:"level"`
}

// Config is the root configuration for the process monitor.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Watch     WatchConfig     `yaml:"watch"`
	Inspector InspectorConfig `yaml:"inspector"`
	Logging   LoggingConfig   `yaml:"logging"`
}

func applyDefaults(cfg *Config) {
	if cfg.Discovery.CommandPrefix == "" {
		cfg.Discovery.CommandPrefix = "spawner"
	}
	if cfg.Discovery.RescanInterval == 0 {
		cfg.Discovery.RescanInterval = 250 * time.Millisecond
	}
	if cfg.Watch.PackageDBDir == "" {
		cfg.Watch.PackageDBDir = "/data/system"
	}
	if cfg.Watch.PackageDBFile == "" {
		cfg.Watch.PackageDBFile = "packages.xml"
	}
	if cfg.Inspector.PollInterval == 0 {
		cfg.Inspector.PollInterval = 10 * time.Microsecond
	}
	if cfg.Inspector.MaxPollAttempts == 0 {
		cfg.Inspector.MaxPollAttempts = 300000
	}
	if cfg.Inspector.HideConfidence == 0 {
		cfg.Inspector.HideConfidence = 95
	}
	if len(cfg.Inspector.ExcludedCommands) == 0 {
		cfg.Inspector.ExcludedCommands = []string{"usap32", "usap64"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate checks cfg for semantic errors and returns all of them at once so
// operators see every problem in a single run. An empty slice means the
// configuration is valid.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Discovery.CommandPrefix == "" {
		add("discovery.command_prefix must not be empty")
	}
	if cfg.Discovery.RescanInterval <= 0 {
		add("discovery.rescan_interval must be positive")
	}
	if cfg.Watch.PackageDBDir == "" {
		add("watch.package_db_dir must not be empty")
	}
	if cfg.Watch.PackageDBFile == "" {
		add("watch.package_db_file must not be empty")
	}
	if cfg.Inspector.PollInterval <= 0 {
		add("inspector.poll_interval must be positive")
	}
	if cfg.Inspector.MaxPollAttempts <= 0 {
		add("inspector.max_poll_attempts must be positive")
	}
	if cfg.Inspector.HideConfidence < 0 || cfg.Inspector.HideConfidence > 100 {
		add("inspector.hide_confidence must be between 0 and 100")
	}
	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		add("logging.level %q is invalid; must be one of debug, info, warn, error", cfg.Logging.Level)
	}

	return errs
}

// ParseFile reads the YAML file at path, applies defaults, and validates the
// resulting configuration.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the
// configuration. Callers who already have YAML in memory (e.g. tests)
// should use this function directly.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}
