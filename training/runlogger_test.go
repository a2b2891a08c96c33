package training

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
	"github.com/YuminosukeSato/forestops/sklearn/ensemble"
	"github.com/YuminosukeSato/forestops/tracking"
)

func captureLogs(t *testing.T) *log.TestLogger {
	t.Helper()
	provider, _ := log.NewTestLoggerProvider(log.LevelDebug)
	prev := log.SetProvider(provider)
	t.Cleanup(func() { log.SetProvider(prev) })
	return provider.GetLogger().(*log.TestLogger)
}

func newRunLogger(t *testing.T, uri, experiment string) *RunLogger {
	t.Helper()
	c, err := tracking.Dial(uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &RunLogger{
		Client:      c,
		Experiment:  experiment,
		ArtifactDir: filepath.Join(t.TempDir(), "artifacts"),
	}
}

func TestRunLogger_LogTraining(t *testing.T) {
	ctx := context.Background()
	for name, uri := range map[string]string{
		"file":   filepath.Join(t.TempDir(), "mlruns"),
		"sqlite": "sqlite://" + filepath.Join(t.TempDir(), "runs.db"),
	} {
		t.Run(name, func(t *testing.T) {
			logs := captureLogs(t)
			rl := newRunLogger(t, uri, "iris-mlops")
			ds := datasets.MustLoad("iris")

			out, err := rl.LogTraining(ctx, Job{Dataset: ds, Params: irisParams()})
			require.NoError(t, err)

			rec, err := rl.Client.GetRun(ctx, out.RunID)
			require.NoError(t, err)
			assert.Equal(t, tracking.RunStatusFinished, rec.Info.Status)
			assert.Equal(t, map[string]string{
				"n_estimators": "10",
				"random_state": "0",
				"test_size":    "0.2",
			}, rec.Params)
			assert.Equal(t, out.Result.Accuracy, rec.Metrics["accuracy"].Value)
			assert.Equal(t, out.Result.Precision, rec.Metrics["precision"].Value)
			assert.True(t, rec.Complete([]string{"n_estimators", "random_state"}, []string{"accuracy", "precision"}))
			assert.NotContains(t, rec.Tags, TagDataset)
			assert.Equal(t, SourceName, rec.Tags[tracking.TagSourceName])
			assert.NotEmpty(t, rec.Tags[TagHostCPU])

			assert.Len(t, out.Importances, ds.NFeatures())
			assert.InDelta(t, 1.0, TotalImportance(out.Importances), 1e-9)
			assert.Equal(t, filepath.Join(rl.ArtifactDir, DefaultImportanceFile), out.ImportanceCSV)

			root, err := rl.Client.Store().ArtifactDir(ctx, out.RunID)
			require.NoError(t, err)
			attached, err := ReadImportanceCSV(filepath.Join(root, ImportanceArtifactPath, DefaultImportanceFile))
			require.NoError(t, err)
			assert.Equal(t, out.Importances, attached)
			assert.FileExists(t, filepath.Join(root, ImportanceArtifactPath, "feature_importances.png"))

			loaded := &ensemble.RandomForestClassifier{}
			card, err := model.LoadModelDir(loaded, filepath.Join(root, ModelArtifactPath))
			require.NoError(t, err)
			assert.Equal(t, out.RunID, card.RunID)
			want, err := out.Result.Model.Predict(ds.Data)
			require.NoError(t, err)
			got, err := loaded.Predict(ds.Data)
			require.NoError(t, err)
			assert.True(t, mat.Equal(want, got))

			assert.True(t, logs.ContainsMessage(out.Summary()))
		})
	}
}

func TestRunLogger_NamedDatasetRun(t *testing.T) {
	captureLogs(t)
	ctx := context.Background()
	rl := newRunLogger(t, filepath.Join(t.TempDir(), "mlruns"), "real-model-experiments")
	rl.ArtifactName = PerRunArtifactName

	p := DefaultParams()
	p.NEstimators = 5
	out, err := rl.LogTraining(ctx, Job{Dataset: datasets.MustLoad("wine"), Params: p, Named: true})
	require.NoError(t, err)

	rec, err := rl.Client.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "wine", rec.Params["dataset"])
	assert.Equal(t, "wine", rec.Tags[TagDataset])
	assert.Equal(t, "5", rec.Tags[TagNEstimators])
	assert.Equal(t, "wine-5", rec.Tags[tracking.TagRunName])
	assert.Equal(t, filepath.Join(rl.ArtifactDir, "feature_importances_wine_5.csv"), out.ImportanceCSV)
	assert.FileExists(t, out.ImportanceCSV)

	assert.Regexp(t, `^dataset=wine n_estimators=5 accuracy=\d\.\d{4} precision=\d\.\d{4}$`, out.Summary())
}

func TestRunLogger_CrossValidationMetrics(t *testing.T) {
	captureLogs(t)
	ctx := context.Background()
	rl := newRunLogger(t, "sqlite://"+filepath.Join(t.TempDir(), "runs.db"), "cv")

	p := irisParams()
	p.CVFolds = 3
	out, err := rl.LogTraining(ctx, Job{Dataset: datasets.MustLoad("iris"), Params: p, Named: true})
	require.NoError(t, err)
	require.NotNil(t, out.Result.CV)

	rec, err := rl.Client.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "3", rec.Params["cv"])
	assert.Equal(t, out.Result.CV.GetMeanScore(), rec.Metrics[MetricCVAccuracyMean].Value)
	assert.Equal(t, out.Result.CV.GetStdScore(), rec.Metrics[MetricCVAccuracyStd].Value)
	assert.Regexp(t, `^dataset=iris n_estimators=10 accuracy=\d\.\d{4} precision=\d\.\d{4} cv_accuracy_mean=\d\.\d{4} cv_accuracy_std=\d\.\d{4}$`, out.Summary())
}

func TestRunLogger_TrainingFailureMarksRunFailed(t *testing.T) {
	captureLogs(t)
	ctx := context.Background()
	rl := newRunLogger(t, filepath.Join(t.TempDir(), "mlruns"), "tiny")

	tiny := &datasets.Dataset{
		Name:   "tiny",
		Data:   mat.NewDense(1, 2, []float64{1, 2}),
		Target: mat.NewDense(1, 1, []float64{0}),
	}
	_, err := rl.LogTraining(ctx, Job{Dataset: tiny, Params: irisParams()})
	var ide *errors.InsufficientDataError
	require.True(t, errors.As(err, &ide))

	exp, err := rl.Client.SetExperiment(ctx, "tiny")
	require.NoError(t, err)
	runs, err := rl.Client.SearchRuns(ctx, exp.ID, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, tracking.RunStatusFailed, runs[0].Info.Status)
	assert.False(t, runs[0].Complete(nil, []string{"accuracy"}))
}

func TestRunLogger_InvalidParamsStartNoRun(t *testing.T) {
	ctx := context.Background()
	rl := newRunLogger(t, filepath.Join(t.TempDir(), "mlruns"), "invalid")
	p := irisParams()
	p.TestSize = 1.5

	_, err := rl.LogTraining(ctx, Job{Dataset: datasets.MustLoad("iris"), Params: p})
	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))

	exps, err := rl.Client.ListExperiments(ctx)
	require.NoError(t, err)
	assert.Len(t, exps, 1)
}

func TestRunLogger_BackendFailure(t *testing.T) {
	captureLogs(t)
	ctx := context.Background()
	rl := newRunLogger(t, filepath.Join(t.TempDir(), "mlruns"), "broken")
	rl.Client = tracking.NewClient(failingStore{rl.Client.Store()})

	_, err := rl.LogTraining(ctx, Job{Dataset: datasets.MustLoad("iris"), Params: irisParams()})
	var tbe *errors.TrackingBackendError
	assert.True(t, errors.As(err, &tbe))
}

// failingStore rejects every metric write.
type failingStore struct {
	tracking.Store
}

func (failingStore) LogMetric(context.Context, string, tracking.Metric) error {
	return errors.New("disk full")
}
