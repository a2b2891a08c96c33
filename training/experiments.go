package training

import (
	"context"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
)

// Plan is the grid walked by RunExperiments.
type Plan struct {
	Datasets           []string
	NEstimatorsOptions []int

	// Base supplies every Params field except NEstimators.
	Base Params

	// Load resolves dataset names. Nil means datasets.Load.
	Load datasets.Loader
}

// DefaultPlan is wine, breast_cancer and digits with 50 and 100 trees.
func DefaultPlan() Plan {
	return Plan{
		Datasets:           []string{"wine", "breast_cancer", "digits"},
		NEstimatorsOptions: []int{50, 100},
		Base:               DefaultParams(),
	}
}

// RunExperiments trains one run per (dataset, n_estimators) pair, datasets
// in the outer loop. Every run gets a freshly loaded dataset. It stops at the first failure and returns the outcomes
// completed so far together with the error.
func RunExperiments(ctx context.Context, rl *RunLogger, plan Plan) ([]*Outcome, error) {
	load := plan.Load
	if load == nil {
		load = datasets.Load
	}
	logger := log.GetLoggerWithName("training")

	outcomes := make([]*Outcome, 0, len(plan.Datasets)*len(plan.NEstimatorsOptions))
	for _, name := range plan.Datasets {
		for _, n := range plan.NEstimatorsOptions {
			if err := ctx.Err(); err != nil {
				return outcomes, errors.WithStack(err)
			}
			ds, err := load(name)
			if err != nil {
				return outcomes, err
			}
			p := plan.Base
			p.NEstimators = n
			out, err := rl.LogTraining(ctx, Job{Dataset: ds, Params: p, Named: true})
			if err != nil {
				return outcomes, errors.Wrapf(err, "dataset %s n_estimators %d", name, n)
			}
			outcomes = append(outcomes, out)
		}
	}
	logger.Info("Experiments completed", log.ExperimentNameKey, rl.Experiment, "runs", len(outcomes))
	return outcomes, nil
}
