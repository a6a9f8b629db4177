// Package config loads the attacher's settings from defaults, an optional
// YAML file and LATE_ATTACH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mrzor/late-attach/internal/bpfloader"
	"github.com/mrzor/late-attach/internal/eligibility"
	"github.com/mrzor/late-attach/internal/marker"
)

// Config holds the attacher configuration.
type Config struct {
	// ProcRoot is where the process table is read from.
	ProcRoot string `yaml:"proc_root" env:"LATE_ATTACH_PROC_ROOT"`
	// ReservedPrefixes are executable path prefixes that are never enrolled.
	ReservedPrefixes []string `yaml:"reserved_prefixes" env:"LATE_ATTACH_RESERVED_PREFIXES" envSeparator:","`
	// Policy is the expression deciding whether a process needs enrolling.
	Policy string `yaml:"policy" env:"LATE_ATTACH_POLICY"`
	// PinnedMap is the bpffs path of the tracer's tracked_pids map.
	PinnedMap string `yaml:"pinned_map" env:"LATE_ATTACH_PINNED_MAP"`
	// MaxTracked sizes the private map used when nothing is pinned.
	MaxTracked uint32 `yaml:"max_tracked" env:"LATE_ATTACH_MAX_TRACKED"`
	// Marker names the flag published after the first complete pass.
	Marker string `yaml:"marker" env:"LATE_ATTACH_MARKER"`
	// DryRun records enrollments in memory instead of the kernel map.
	DryRun bool `yaml:"dry_run" env:"LATE_ATTACH_DRY_RUN"`

	LogLevel  string `yaml:"log_level" env:"LATE_ATTACH_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LATE_ATTACH_LOG_FORMAT"`

	OTEL OTELConfig `yaml:"-"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ProcRoot:         "/proc",
		ReservedPrefixes: append([]string(nil), eligibility.DefaultReservedPrefixes...),
		Policy:           "true",
		PinnedMap:        bpfloader.DefaultPinPath,
		MaxTracked:       bpfloader.DefaultMaxEntries,
		Marker:           marker.DefaultName,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ProcRoot) == "" {
		errs = append(errs, errors.New("proc_root must not be empty"))
	}
	if strings.TrimSpace(c.Policy) == "" {
		errs = append(errs, errors.New("policy must not be empty"))
	}
	if strings.TrimSpace(c.Marker) == "" {
		errs = append(errs, errors.New("marker must not be empty"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (want json or console)", c.LogFormat))
	}
	return errors.Join(errs...)
}
