package tracking

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	ss, err := NewSQLStore(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return map[string]Store{"file": fs, "sqlite": ss}
}

func TestStore_DefaultExperiment(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			exp, err := s.GetExperimentByName(ctx, DefaultExperimentName)
			require.NoError(t, err)
			assert.Equal(t, DefaultExperimentID, exp.ID)

			_, err = s.GetExperimentByName(ctx, "absent")
			assert.True(t, errors.Is(err, ErrExperimentNotFound))
		})
	}
}

func TestStore_ExperimentLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, err := s.CreateExperiment(ctx, "iris-mlops")
			require.NoError(t, err)
			b, err := s.CreateExperiment(ctx, "real-model-experiments")
			require.NoError(t, err)
			assert.Equal(t, "1", a.ID)
			assert.Equal(t, "2", b.ID)

			_, err = s.CreateExperiment(ctx, "iris-mlops")
			assert.Error(t, err, "duplicate names are rejected")
			_, err = s.CreateExperiment(ctx, " ")
			assert.Error(t, err)

			exps, err := s.ListExperiments(ctx)
			require.NoError(t, err)
			var names []string
			for _, e := range exps {
				names = append(names, e.Name)
			}
			assert.Equal(t, []string{DefaultExperimentName, "iris-mlops", "real-model-experiments"}, names)

			got, err := s.GetExperimentByName(ctx, "real-model-experiments")
			require.NoError(t, err)
			assert.Equal(t, b.ID, got.ID)
		})
	}
}

func TestStore_RunRecord(t *testing.T) {
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			exp, err := s.CreateExperiment(ctx, "exp")
			require.NoError(t, err)

			info, err := s.CreateRun(ctx, exp.ID, "wine-50", start, map[string]string{"dataset": "wine"})
			require.NoError(t, err)
			assert.Len(t, info.RunID, 32)
			assert.Equal(t, RunStatusRunning, info.Status)
			assert.True(t, strings.HasPrefix(info.ArtifactURI, "file://"))

			require.NoError(t, s.LogParam(ctx, info.RunID, "n_estimators", "50"))
			require.NoError(t, s.LogParam(ctx, info.RunID, "n_estimators", "50"), "same value is idempotent")
			err = s.LogParam(ctx, info.RunID, "n_estimators", "100")
			assert.True(t, errors.Is(err, ErrParamConflict))

			require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "accuracy", Value: 0.5, Timestamp: 10}))
			require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "accuracy", Value: 0.9, Timestamp: 20}))
			require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "loss", Value: 0.3, Timestamp: 5, Step: 2}))
			require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "loss", Value: 0.7, Timestamp: 50, Step: 1}))
			require.NoError(t, s.SetTag(ctx, info.RunID, "n_estimators", "50"))
			require.NoError(t, s.SetTag(ctx, info.RunID, "dataset", "wine"))

			end := start.Add(3 * time.Second)
			require.NoError(t, s.UpdateRun(ctx, info.RunID, RunStatusFinished, end))

			rec, err := s.GetRun(ctx, info.RunID)
			require.NoError(t, err)
			assert.Equal(t, RunStatusFinished, rec.Info.Status)
			require.NotNil(t, rec.Info.EndTime)
			assert.True(t, rec.Info.EndTime.Equal(end))
			assert.True(t, rec.Info.StartTime.Equal(start))
			assert.Equal(t, "wine-50", rec.Info.RunName)
			assert.Equal(t, exp.ID, rec.Info.ExperimentID)

			if diff := cmp.Diff(map[string]string{"n_estimators": "50"}, rec.Params); diff != "" {
				t.Errorf("params (-want +got):\n%s", diff)
			}
			assert.Equal(t, 0.9, rec.Metrics["accuracy"].Value, "latest timestamp wins")
			assert.Equal(t, 0.3, rec.Metrics["loss"].Value, "highest step wins")
			assert.Equal(t, "wine", rec.Tags["dataset"])
			assert.Equal(t, "wine-50", rec.Tags[TagRunName])

			assert.True(t, rec.Complete([]string{"n_estimators"}, []string{"accuracy"}))
			assert.False(t, rec.Complete([]string{"random_state"}, nil))
		})
	}
}

func TestStore_FinalizedRunRejectsWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			info, err := s.CreateRun(ctx, DefaultExperimentID, "", time.Now(), nil)
			require.NoError(t, err)
			require.NoError(t, s.UpdateRun(ctx, info.RunID, RunStatusFailed, time.Now()))

			checks := map[string]error{
				"param":    s.LogParam(ctx, info.RunID, "k", "v"),
				"metric":   s.LogMetric(ctx, info.RunID, Metric{Key: "m", Value: 1}),
				"tag":      s.SetTag(ctx, info.RunID, "k", "v"),
				"update":   s.UpdateRun(ctx, info.RunID, RunStatusFinished, time.Now()),
				"artifact": s.LogArtifact(ctx, info.RunID, "store_test.go", ""),
			}
			for op, err := range checks {
				assert.True(t, errors.Is(err, errors.ErrRunFinalized), "%s: %v", op, err)
			}

			rec, err := s.GetRun(ctx, info.RunID)
			require.NoError(t, err)
			assert.Equal(t, RunStatusFailed, rec.Info.Status)
			assert.False(t, rec.Complete(nil, nil))
		})
	}
}

func TestStore_UnknownRun(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetRun(ctx, "0123456789abcdef0123456789abcdef")
			assert.True(t, errors.Is(err, ErrRunNotFound))
			err = s.LogParam(ctx, "0123456789abcdef0123456789abcdef", "k", "v")
			assert.True(t, errors.Is(err, ErrRunNotFound))
			_, err = s.CreateRun(ctx, "42", "", time.Now(), nil)
			assert.True(t, errors.Is(err, ErrExperimentNotFound))
		})
	}
}

func TestStore_Artifacts(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	file := filepath.Join(src, "feature_importances.csv")
	require.NoError(t, os.WriteFile(file, []byte("feature,importance\na,1\n"), 0o644))
	tree := filepath.Join(src, "charts")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "png"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "png", "fi.png"), []byte("png"), 0o644))

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			info, err := s.CreateRun(ctx, DefaultExperimentID, "", time.Now(), nil)
			require.NoError(t, err)

			require.NoError(t, s.LogArtifact(ctx, info.RunID, file, "feature_importances"))
			require.NoError(t, s.LogArtifact(ctx, info.RunID, tree, ""))
			assert.Error(t, s.LogArtifact(ctx, info.RunID, file, "../escape"))
			assert.Error(t, s.LogArtifact(ctx, info.RunID, filepath.Join(src, "missing.csv"), ""))

			dir, err := s.ArtifactDir(ctx, info.RunID)
			require.NoError(t, err)
			data, err := os.ReadFile(filepath.Join(dir, "feature_importances", "feature_importances.csv"))
			require.NoError(t, err)
			assert.Equal(t, "feature,importance\na,1\n", string(data))
			assert.FileExists(t, filepath.Join(dir, "charts", "png", "fi.png"))
		})
	}
}

func TestStore_SearchRuns(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			exp, err := s.CreateExperiment(ctx, "search")
			require.NoError(t, err)
			base := time.UnixMilli(1_700_000_000_000)
			var ids []string
			for i, ds := range []string{"wine", "digits", "wine"} {
				info, err := s.CreateRun(ctx, exp.ID, "", base.Add(time.Duration(i)*time.Second), map[string]string{"dataset": ds})
				require.NoError(t, err)
				ids = append(ids, info.RunID)
			}

			all, err := s.SearchRuns(ctx, exp.ID, nil)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, ids[2], all[0].Info.RunID, "newest first")

			wine, err := s.SearchRuns(ctx, exp.ID, map[string]string{"dataset": "wine"})
			require.NoError(t, err)
			require.Len(t, wine, 2)
			assert.Equal(t, []string{ids[2], ids[0]}, []string{wine[0].Info.RunID, wine[1].Info.RunID})

			none, err := s.SearchRuns(ctx, DefaultExperimentID, map[string]string{"dataset": "wine"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			info, err := s.CreateRun(ctx, DefaultExperimentID, "", time.Now(), nil)
			require.NoError(t, err)
			for _, key := range []string{"", "../x", "/abs", "a//b", "semi;colon"} {
				var ve *errors.ValidationError
				assert.True(t, errors.As(s.LogParam(ctx, info.RunID, key, "v"), &ve), "key %q", key)
			}
			assert.NoError(t, s.LogParam(ctx, info.RunID, "nested/key.name-1", "v"))
		})
	}
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "mlruns")
	s, err := NewFileStore(root)
	require.NoError(t, err)

	info, err := s.CreateRun(ctx, DefaultExperimentID, "", time.UnixMilli(1000), nil)
	require.NoError(t, err)
	require.NoError(t, s.LogParam(ctx, info.RunID, "random_state", "42"))
	require.NoError(t, s.LogMetric(ctx, info.RunID, Metric{Key: "accuracy", Value: 0.75, Timestamp: 1234}))

	runDir := filepath.Join(root, "0", info.RunID)
	assert.FileExists(t, filepath.Join(root, "0", "meta.yaml"))
	assert.FileExists(t, filepath.Join(runDir, "meta.yaml"))

	param, err := os.ReadFile(filepath.Join(runDir, "params", "random_state"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(param))

	metric, err := os.ReadFile(filepath.Join(runDir, "metrics", "accuracy"))
	require.NoError(t, err)
	assert.Equal(t, "1234 0.75 0\n", string(metric))

	meta, err := os.ReadFile(filepath.Join(runDir, "meta.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "status: 1")
	assert.Contains(t, string(meta), "end_time: null")

	// a second store over the same root finds the run without the cache
	reopened, err := NewFileStore(root)
	require.NoError(t, err)
	rec, err := reopened.GetRun(ctx, info.RunID)
	require.NoError(t, err)
	assert.Equal(t, "42", rec.Params["random_state"])
}

func TestLatestMetric_Malformed(t *testing.T) {
	_, err := latestMetric("m", []byte("1 2 3 4\n"))
	assert.Error(t, err)
	_, err = latestMetric("m", []byte("\n"))
	assert.Error(t, err)
	m, err := latestMetric("m", []byte("5 0.5\n"))
	require.NoError(t, err)
	assert.Equal(t, Metric{Key: "m", Value: 0.5, Timestamp: 5}, m)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "plain"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open("file://" + filepath.ToSlash(filepath.Join(dir, "viaurl")))
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)
	assert.Equal(t, filepath.Join(dir, "viaurl"), s.(*FileStore).Root())

	s, err = Open("sqlite://" + filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	for _, uri := range []string{"http://tracking:5000", "sqlite://"} {
		_, err = Open(uri)
		var tbe *errors.TrackingBackendError
		assert.True(t, errors.As(err, &tbe), "uri %q", uri)
	}
}

func TestRunStatus(t *testing.T) {
	for _, s := range []RunStatus{RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusKilled} {
		assert.Equal(t, s, statusFromCode(s.code()))
	}
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusKilled.Terminal())
}
