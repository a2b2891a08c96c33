package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/forestops/tracking"
	"github.com/YuminosukeSato/forestops/training"
)

const (
	trackedExperiment = "iris-mlops"
	trackedArtifacts  = "artifacts"
	realExperiment    = "real-model-experiments"
	realArtifacts     = "real_model/artifacts"
)

// printCV reports the cross-validation accuracy when it was computed.
func printCV(w io.Writer, res *training.Result) {
	if res.CV == nil {
		return
	}
	fmt.Fprintf(w, "CV accuracy: %.4f (std %.4f, %d folds)\n",
		res.CV.GetMeanScore(), res.CV.GetStdScore(), len(res.CV.TestScores))
}

func (a *app) newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on iris and print the test accuracy (no tracking)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.loader()("iris")
			if err != nil {
				return err
			}
			res, err := training.Train(cmd.Context(), ds.Data, ds.Target, a.params(f))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Accuracy: %.4f\n", res.Accuracy)
			printCV(a.stdout, res)
			return nil
		},
	}
	f.register(cmd, 100)
	return cmd
}

func (a *app) newTrainTrackedCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train-tracked",
		Short: "Train on iris and record the run",
		Long: `Trains on iris and records one run in the iris-mlops experiment:
params n_estimators, random_state and test_size, metrics accuracy and
precision, the fitted model under "model" and the feature importance table
under "feature_importances". The table is staged as
artifacts/feature_importances.csv.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.loader()("iris")
			if err != nil {
				return err
			}
			return a.withClient(func(c *tracking.Client) error {
				rl := &training.RunLogger{
					Client:      c,
					Experiment:  a.cfg.ExperimentOr(trackedExperiment),
					ArtifactDir: a.cfg.ArtifactDirOr(trackedArtifacts),
				}
				out, err := rl.LogTraining(cmd.Context(), training.Job{Dataset: ds, Params: a.params(f)})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Accuracy: %.4f Precision: %.4f\n", out.Result.Accuracy, out.Result.Precision)
				printCV(a.stdout, out.Result)
				fmt.Fprintf(a.stdout, "Run ID: %s\n", out.RunID)
				return nil
			})
		},
	}
	f.register(cmd, 150)
	return cmd
}

func (a *app) newTrainRealCmd() *cobra.Command {
	var (
		f       trainFlags
		dataset string
	)
	cmd := &cobra.Command{
		Use:   "train-real",
		Short: "Train on a named dataset and record a tagged run",
		Long: `Trains on --dataset and records one run in the real-model-experiments
experiment, tagged with dataset and n_estimators. The importance table is
staged as real_model/artifacts/feature_importances_<dataset>_<n>.csv.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.loader()(dataset)
			if err != nil {
				return err
			}
			return a.withClient(func(c *tracking.Client) error {
				rl := &training.RunLogger{
					Client:       c,
					Experiment:   a.cfg.ExperimentOr(realExperiment),
					ArtifactDir:  a.cfg.ArtifactDirOr(realArtifacts),
					ArtifactName: training.PerRunArtifactName,
				}
				out, err := rl.LogTraining(cmd.Context(), training.Job{Dataset: ds, Params: a.params(f), Named: true})
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, out.Summary())
				return nil
			})
		},
	}
	f.register(cmd, 100)
	cmd.Flags().StringVar(&dataset, "dataset", "wine", "iris, wine, breast_cancer or digits")
	return cmd
}

func (a *app) newExperimentsCmd() *cobra.Command {
	var (
		f        trainFlags
		names    []string
		nOptions []int
	)
	def := training.DefaultPlan()
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "Train every dataset with every n_estimators option",
		Long: `Runs train-real for each dataset in --datasets and, inside that, for each
value in --n-estimators-options. The first failing run stops the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(func(c *tracking.Client) error {
				rl := &training.RunLogger{
					Client:       c,
					Experiment:   a.cfg.ExperimentOr(realExperiment),
					ArtifactDir:  a.cfg.ArtifactDirOr(realArtifacts),
					ArtifactName: training.PerRunArtifactName,
				}
				plan := training.Plan{
					Datasets:           names,
					NEstimatorsOptions: nOptions,
					Base:               a.params(f),
					Load:               a.loader(),
				}
				outcomes, err := training.RunExperiments(cmd.Context(), rl, plan)
				for _, o := range outcomes {
					fmt.Fprintln(a.stdout, o.Summary())
				}
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&f.randomState, "random_state", def.Base.RandomState, "seed for the split and the forest")
	cmd.Flags().Float64Var(&f.testSize, "test_size", def.Base.TestSize, "fraction of samples held out for evaluation")
	f.registerCV(cmd)
	cmd.Flags().StringSliceVar(&names, "datasets", def.Datasets, "datasets to train on, in order")
	cmd.Flags().IntSliceVar(&nOptions, "n-estimators-options", def.NEstimatorsOptions, "n_estimators values to try per dataset")
	return cmd
}
