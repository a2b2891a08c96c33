// Package config loads forestops settings.
//
// Values are resolved in four layers: built-in defaults, an optional YAML
// file, FORESTOPS_* environment variables, and finally command-line flags,
// which the CLI applies on top of the returned Config.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

// Environment variables read by ApplyEnv.
const (
	EnvTrackingURI = "FORESTOPS_TRACKING_URI"
	EnvLogLevel    = "FORESTOPS_LOG_LEVEL"
	EnvDataHome    = "FORESTOPS_DATA_HOME"
	EnvNJobs       = "FORESTOPS_N_JOBS"

	// EnvMLflowTrackingURI is honoured when EnvTrackingURI is unset so that
	// existing shells pointing at an mlruns directory keep working.
	EnvMLflowTrackingURI = "MLFLOW_TRACKING_URI"
)

// DefaultTrackingRoot is the local store used when no tracking URI is set.
const DefaultTrackingRoot = "mlruns"

// TrackingConfig selects the tracking store.
type TrackingConfig struct {
	// URI is "", a directory path, file://path or sqlite://path.
	URI string `yaml:"uri"`
	// Experiment overrides the experiment name chosen by each command.
	Experiment string `yaml:"experiment,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Tracking TrackingConfig `yaml:"tracking"`
	// ArtifactDir overrides the local staging directory for run artifacts.
	ArtifactDir string `yaml:"artifact_dir,omitempty"`
	// DataHome, when set, is searched for dataset files before the embedded copies.
	DataHome string `yaml:"data_home,omitempty"`
	// NJobs bounds concurrent tree fitting. -1 uses every logical core.
	NJobs int        `yaml:"n_jobs"`
	Log   log.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NJobs: -1,
		Log: log.Config{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (if path is not
// empty) and then with the environment. A named file that does not exist is
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays FORESTOPS_* environment variables.
func (c *Config) ApplyEnv() error {
	if uri := os.Getenv(EnvTrackingURI); uri != "" {
		c.Tracking.URI = uri
	} else if uri := os.Getenv(EnvMLflowTrackingURI); uri != "" && c.Tracking.URI == "" {
		c.Tracking.URI = uri
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
	if dir := os.Getenv(EnvDataHome); dir != "" {
		c.DataHome = dir
	}
	if v := os.Getenv(EnvNJobs); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.NewValidationError(EnvNJobs, "must be an integer", v)
		}
		c.NJobs = n
	}
	return nil
}

// Validate checks values that would otherwise fail late, in the middle of a run.
func (c *Config) Validate() error {
	if _, err := log.ToLogLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return errors.NewValidationError("log.format", "must be console or json", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 {
		return errors.NewValidationError("log.max_size_mb", "must be >= 0", c.Log.MaxSizeMB)
	}
	if c.Log.MaxBackups < 0 {
		return errors.NewValidationError("log.max_backups", "must be >= 0", c.Log.MaxBackups)
	}
	if c.NJobs == 0 {
		return errors.NewValidationError("n_jobs", "must be positive or -1", c.NJobs)
	}
	return nil
}

// TrackingURI returns the configured store location, or DefaultTrackingRoot.
func (c *Config) TrackingURI() string {
	if c.Tracking.URI == "" {
		return DefaultTrackingRoot
	}
	return c.Tracking.URI
}

// ExperimentOr returns the configured experiment name, or fallback.
func (c *Config) ExperimentOr(fallback string) string {
	if c.Tracking.Experiment != "" {
		return c.Tracking.Experiment
	}
	return fallback
}

// ArtifactDirOr returns the configured artifact staging directory, or fallback.
func (c *Config) ArtifactDirOr(fallback string) string {
	if c.ArtifactDir != "" {
		return c.ArtifactDir
	}
	return fallback
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

// Save writes c as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create config directory for %s", path)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}
