// Package training fits random forests on labelled data and records the
// outcome in a tracking store.
package training

import (
	"context"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/metrics"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/ensemble"
	"github.com/YuminosukeSato/forestops/sklearn/model_selection"
)

// Params are the hyperparameters of one training run.
type Params struct {
	NEstimators int
	RandomState int64
	TestSize    float64
	// NJobs bounds concurrent tree fitting; -1 uses every logical core.
	NJobs int
	// CVFolds, when at least 2, adds a stratified k-fold cross-validation
	// of the forest on the training part. 0 disables it.
	CVFolds int
}

// DefaultParams returns n_estimators=100, random_state=42, test_size=0.25
// and all cores.
func DefaultParams() Params {
	return Params{
		NEstimators: 100,
		RandomState: 42,
		TestSize:    model_selection.DefaultTestSize,
		NJobs:       -1,
	}
}

// Validate checks the ranges the split and the forest require.
func (p Params) Validate() error {
	if p.NEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be a positive integer", p.NEstimators)
	}
	if !(p.TestSize > 0 && p.TestSize < 1) {
		return errors.NewValidationError("test_size", "must be in the open interval (0, 1)", p.TestSize)
	}
	if p.NJobs == 0 {
		return errors.NewValidationError("n_jobs", "must be positive or -1", p.NJobs)
	}
	if p.CVFolds < 0 || p.CVFolds == 1 {
		return errors.NewValidationError("cv", "must be 0 or at least 2", p.CVFolds)
	}
	return nil
}

// Result is the outcome of Train.
type Result struct {
	Model     *ensemble.RandomForestClassifier
	Split     *model_selection.Split
	Accuracy  float64
	Precision float64
	// CV holds the per-fold accuracies when Params.CVFolds is set.
	CV        *model_selection.CVResult
	NTrain    int
	NTest     int
	Duration  time.Duration
}

// Train splits X/y (stratified when y has more than one class), fits a
// random forest on the training part and scores it on the test part.
// Precision is macro averaged with classes that were never predicted
// counting as 0.
//
// Identical inputs and Params give identical splits, models and scores.
func Train(ctx context.Context, X, y mat.Matrix, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if X != nil {
		r, c := X.Dims()
		if err := errors.CheckMatrix("Train", X, r, c); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	logger := log.GetLoggerWithName("training")

	split, err := model_selection.TrainTestSplit(X, y,
		model_selection.WithTestSize(p.TestSize),
		model_selection.WithRandomState(p.RandomState),
	)
	if err != nil {
		return nil, err
	}

	newForest := func() *ensemble.RandomForestClassifier {
		return ensemble.NewRandomForestClassifier(
			ensemble.WithNEstimators(p.NEstimators),
			ensemble.WithRandomState(p.RandomState),
			ensemble.WithNJobs(p.NJobs),
		)
	}
	rf := newForest()
	if err := rf.FitContext(ctx, split.XTrain, split.YTrain); err != nil {
		return nil, err
	}

	pred, err := rf.Predict(split.XTest)
	if err != nil {
		return nil, err
	}
	acc, err := metrics.AccuracyScore(split.YTest, pred)
	if err != nil {
		return nil, err
	}
	prec, err := metrics.PrecisionScore(split.YTest, pred,
		metrics.WithAverage(metrics.AverageMacro),
		metrics.WithZeroDivision(0),
	)
	if err != nil {
		return nil, err
	}

	var cv *model_selection.CVResult
	if p.CVFolds >= 2 {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		cv, err = model_selection.CrossValScore(
			func() model.Classifier { return newForest() },
			split.XTrain, split.YTrain,
			model_selection.NewStratifiedKFold(p.CVFolds, true, p.RandomState),
		)
		if err != nil {
			return nil, errors.Wrap(err, "cross-validate")
		}
	}

	res := &Result{
		Model:     rf,
		Split:     split,
		Accuracy:  acc,
		Precision: prec,
		CV:        cv,
		NTrain:    len(split.TrainIndices),
		NTest:     len(split.TestIndices),
		Duration:  time.Since(start),
	}
	logger.Debug("Model evaluated",
		log.PhaseKey, log.PhaseEvaluation,
		log.EstimatorsKey, p.NEstimators,
		log.TrainSamplesKey, res.NTrain,
		log.TestSamplesKey, res.NTest,
		log.AccuracyKey, acc,
		log.PrecisionKey, prec,
		log.DurationMsKey, res.Duration.Milliseconds(),
	)
	if cv != nil {
		logger.Debug("Cross-validation finished",
			log.PhaseKey, log.PhaseEvaluation,
			"cv.folds", p.CVFolds,
			"cv.accuracy_mean", cv.GetMeanScore(),
			"cv.accuracy_std", cv.GetStdScore(),
		)
	}
	return res, nil
}
