package training

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/forestops/core/parallel"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
	"github.com/YuminosukeSato/forestops/tracking"
)

// Artifact and tag names written by LogTraining.
const (
	ModelArtifactPath      = "model"
	ImportanceArtifactPath = "feature_importances"
	DefaultImportanceFile  = "feature_importances.csv"

	TagDataset     = "dataset"
	TagNEstimators = "n_estimators"
	TagHostCPU     = "host.cpu"

	MetricCVAccuracyMean = "cv_accuracy_mean"
	MetricCVAccuracyStd  = "cv_accuracy_std"

	// SourceName is recorded under mlflow.source.name.
	SourceName = "forestops"
)

// Job is one training run.
type Job struct {
	Dataset *datasets.Dataset
	Params  Params

	// Named records the dataset name as a param and tags the run with
	// dataset and n_estimators.
	Named bool
}

// Outcome is what LogTraining produced.
type Outcome struct {
	RunID        string
	ExperimentID string
	Dataset      string
	Params       Params
	Result       *Result
	Importances  []ImportanceRow

	// ImportanceCSV is the local staging copy of the importance table.
	ImportanceCSV string
}

// Summary is the one-line report printed after a run.
func (o *Outcome) Summary() string {
	s := fmt.Sprintf("dataset=%s n_estimators=%d accuracy=%.4f precision=%.4f",
		o.Dataset, o.Params.NEstimators, o.Result.Accuracy, o.Result.Precision)
	if cv := o.Result.CV; cv != nil {
		s += fmt.Sprintf(" %s=%.4f %s=%.4f",
			MetricCVAccuracyMean, cv.GetMeanScore(), MetricCVAccuracyStd, cv.GetStdScore())
	}
	return s
}

// RunLogger trains models and records each training as one run of
// Experiment.
type RunLogger struct {
	Client     *tracking.Client
	Experiment string

	// ArtifactDir is where the importance table is staged before it is
	// attached to the run. Files left there are not cleaned up.
	ArtifactDir string

	// ArtifactName names the staged CSV. Nil means DefaultImportanceFile.
	ArtifactName func(Job) string
}

// PerRunArtifactName names the CSV feature_importances_<dataset>_<n>.csv.
func PerRunArtifactName(j Job) string {
	return fmt.Sprintf("feature_importances_%s_%d.csv", j.Dataset.Name, j.Params.NEstimators)
}

func (rl *RunLogger) artifactName(j Job) string {
	if rl.ArtifactName == nil {
		return DefaultImportanceFile
	}
	return rl.ArtifactName(j)
}

// LogTraining starts a run, trains on job.Dataset, records params,
// metrics, the fitted model and the importance table, then ends the run.
//
// A run that was started is always ended: FAILED when any later step
// fails, FINISHED otherwise. Tracking failures surface as
// TrackingBackendError; training failures are returned as they are.
func (rl *RunLogger) LogTraining(ctx context.Context, job Job) (_ *Outcome, err error) {
	if job.Dataset == nil {
		return nil, errors.NewValueError("LogTraining", "no dataset")
	}
	if err := job.Params.Validate(); err != nil {
		return nil, err
	}
	logger := log.GetLoggerWithName("training").With(
		log.DatasetKey, job.Dataset.Name,
		log.ExperimentNameKey, rl.Experiment,
	)

	exp, err := rl.Client.SetExperiment(ctx, rl.Experiment)
	if err != nil {
		return nil, err
	}

	tags := map[string]string{
		tracking.TagSourceName: SourceName,
		TagHostCPU:             parallel.HostDescription(),
	}
	if job.Named {
		tags[TagDataset] = job.Dataset.Name
		tags[TagNEstimators] = strconv.Itoa(job.Params.NEstimators)
		tags[tracking.TagRunName] = fmt.Sprintf("%s-%d", job.Dataset.Name, job.Params.NEstimators)
	}
	run, err := rl.Client.StartRun(ctx, exp.ID, tags)
	if err != nil {
		return nil, err
	}
	ended := false
	defer func() {
		if err == nil || ended {
			return
		}
		if endErr := run.End(ctx, err); endErr != nil {
			logger.Error("Failed to mark run as failed", endErr, log.RunIDKey, run.ID())
		}
	}()

	res, err := Train(ctx, job.Dataset.Data, job.Dataset.Target, job.Params)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"n_estimators": job.Params.NEstimators,
		"random_state": job.Params.RandomState,
		"test_size":    job.Params.TestSize,
	}
	if job.Named {
		params["dataset"] = job.Dataset.Name
	}
	if res.CV != nil {
		params["cv"] = job.Params.CVFolds
	}
	if err = run.LogParams(ctx, params); err != nil {
		return nil, err
	}
	if err = run.LogMetric(ctx, "accuracy", res.Accuracy); err != nil {
		return nil, err
	}
	if err = run.LogMetric(ctx, "precision", res.Precision); err != nil {
		return nil, err
	}
	if res.CV != nil {
		if err = run.LogMetric(ctx, MetricCVAccuracyMean, res.CV.GetMeanScore()); err != nil {
			return nil, err
		}
		if err = run.LogMetric(ctx, MetricCVAccuracyStd, res.CV.GetStdScore()); err != nil {
			return nil, err
		}
	}
	if _, err = run.LogModel(ctx, res.Model, ModelArtifactPath); err != nil {
		return nil, err
	}

	rows, err := ImportanceTable(job.Dataset.FeatureNames, res.Model.FeatureImportances())
	if err != nil {
		return nil, err
	}
	csvPath := filepath.Join(rl.ArtifactDir, rl.artifactName(job))
	if err = WriteImportanceCSV(csvPath, rows); err != nil {
		return nil, err
	}
	if err = run.LogArtifact(ctx, csvPath, ImportanceArtifactPath); err != nil {
		return nil, err
	}
	chartPath := strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".png"
	title := fmt.Sprintf("%s (n_estimators=%d)", job.Dataset.Name, job.Params.NEstimators)
	if err = WriteImportanceChart(chartPath, title, rows); err != nil {
		return nil, err
	}
	if err = run.LogArtifact(ctx, chartPath, ImportanceArtifactPath); err != nil {
		return nil, err
	}

	ended = true
	if err = run.End(ctx, nil); err != nil {
		return nil, err
	}

	out := &Outcome{
		RunID:         run.ID(),
		ExperimentID:  exp.ID,
		Dataset:       job.Dataset.Name,
		Params:        job.Params,
		Result:        res,
		Importances:   rows,
		ImportanceCSV: csvPath,
	}
	logger.Info(out.Summary(),
		log.RunIDKey, out.RunID,
		log.EstimatorsKey, job.Params.NEstimators,
		log.AccuracyKey, res.Accuracy,
		log.PrecisionKey, res.Precision,
	)
	return out, nil
}
