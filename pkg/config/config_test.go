package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

// clearEnv blanks every variable ApplyEnv reads so the host shell cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvTrackingURI, EnvLogLevel, EnvDataHome, EnvNJobs, EnvMLflowTrackingURI} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forestops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg, cmpopts.IgnoreFields(log.Config{}, "Output")); diff != "" {
		t.Errorf("Load(\"\") mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, DefaultTrackingRoot, cfg.TrackingURI())
	assert.Equal(t, "iris-mlops", cfg.ExperimentOr("iris-mlops"))
	assert.Equal(t, "artifacts", cfg.ArtifactDirOr("artifacts"))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
tracking:
  uri: sqlite:///tmp/runs.db
  experiment: nightly
artifact_dir: out/artifacts
n_jobs: 2
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///tmp/runs.db", cfg.TrackingURI())
	assert.Equal(t, "nightly", cfg.ExperimentOr("iris-mlops"))
	assert.Equal(t, "out/artifacts", cfg.ArtifactDirOr("artifacts"))
	assert.Equal(t, 2, cfg.NJobs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "tracking:\n  uri: file-from-yaml\nlog:\n  level: warn\n")
	t.Setenv(EnvTrackingURI, "env-store")
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvNJobs, "3")
	t.Setenv(EnvDataHome, "/data")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-store", cfg.TrackingURI())
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 3, cfg.NJobs)
	assert.Equal(t, "/data", cfg.DataHome)
}

func TestApplyEnv_MLflowFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvMLflowTrackingURI, "file:///srv/mlruns")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "file:///srv/mlruns", cfg.TrackingURI())

	t.Setenv(EnvTrackingURI, "preferred")
	cfg = Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "preferred", cfg.TrackingURI())

	t.Setenv(EnvTrackingURI, "")
	cfg = Default()
	cfg.Tracking.URI = "from-file"
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "from-file", cfg.TrackingURI(), "MLFLOW_TRACKING_URI must not override a configured URI")
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "log: [unterminated"))
		assert.Error(t, err)
	})

	tests := []struct {
		name string
		body string
	}{
		{"bad level", "log:\n  level: chatty\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"zero jobs", "n_jobs: 0\n"},
		{"negative backups", "log:\n  max_backups: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			var ve *errors.ValidationError
			assert.True(t, errors.As(err, &ve), "got %v", err)
		})
	}

	t.Run("non-numeric n_jobs env", func(t *testing.T) {
		t.Setenv(EnvNJobs, "many")
		_, err := Load("")
		var ve *errors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})
}

func TestSave_RoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Tracking.URI = "sqlite://runs.db"
	cfg.DataHome = "datasets"

	path := filepath.Join(t.TempDir(), "nested", "forestops.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded, cmpopts.IgnoreFields(log.Config{}, "Output")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
