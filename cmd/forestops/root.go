package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/forestops/pkg/config"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
	"github.com/YuminosukeSato/forestops/tracking"
	"github.com/YuminosukeSato/forestops/training"
)

// app is the state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	logLevel    string
	trackingURI string
	nJobs       int

	cfg     *config.Config
	cleanup func() error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "forestops",
		Short: "Train random forests and track the runs",
		Long: `forestops fits random forest classifiers on the built-in datasets
(iris, wine, breast_cancer, digits) and records params, metrics, the fitted
model and a feature importance table for every training run.

Runs go to a local directory store (./mlruns by default). Point
FORESTOPS_TRACKING_URI or --tracking-uri at another directory, or at
sqlite:///path/to/runs.db, to change that.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.cleanup == nil {
				return nil
			}
			return a.cleanup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&a.trackingURI, "tracking-uri", "", "tracking store location (directory or sqlite:// URI)")
	pf.IntVar(&a.nJobs, "n-jobs", 0, "trees fitted in parallel (-1 = all cores)")

	root.AddCommand(
		a.newTrainCmd(),
		a.newTrainTrackedCmd(),
		a.newTrainRealCmd(),
		a.newExperimentsCmd(),
		a.newGenerateCmd(),
		a.newFetchDataCmd(),
		a.newRunsCmd(),
		a.newConfigCmd(),
	)
	return root
}

// setup resolves the configuration (flags > env > file > defaults) and
// installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("tracking-uri") {
		cfg.Tracking.URI = a.trackingURI
	}
	if flags.Changed("n-jobs") {
		cfg.NJobs = a.nJobs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Log.Output == nil {
		cfg.Log.Output = a.stderr
	}
	cleanup, err := log.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.cleanup = cleanup
	return nil
}

func (a *app) loader() datasets.Loader {
	return datasets.LoaderFor(a.cfg.DataHome)
}

func (a *app) dial() (*tracking.Client, error) {
	uri := a.cfg.TrackingURI()
	c, err := tracking.Dial(uri)
	if err != nil {
		return nil, err
	}
	log.GetLoggerWithName("cli").Debug("Tracking store opened", log.TrackingURIKey, uri)
	return c, nil
}

// trainFlags are the hyperparameter flags shared by the training commands.
type trainFlags struct {
	nEstimators int
	randomState int64
	testSize    float64
	cvFolds     int
}

func (f *trainFlags) register(cmd *cobra.Command, nEstimators int) {
	cmd.Flags().IntVar(&f.nEstimators, "n_estimators", nEstimators, "number of trees")
	cmd.Flags().Int64Var(&f.randomState, "random_state", 42, "seed for the split and the forest")
	cmd.Flags().Float64Var(&f.testSize, "test_size", 0.25, "fraction of samples held out for evaluation")
	f.registerCV(cmd)
}

func (f *trainFlags) registerCV(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.cvFolds, "cv", 0, "stratified k-fold cross-validation folds on the training part (0 = off)")
}

func (a *app) params(f trainFlags) training.Params {
	return training.Params{
		NEstimators: f.nEstimators,
		RandomState: f.randomState,
		TestSize:    f.testSize,
		NJobs:       a.cfg.NJobs,
		CVFolds:     f.cvFolds,
	}
}

// withClient runs fn against a freshly dialed client and closes it after.
func (a *app) withClient(fn func(*tracking.Client) error) (err error) {
	c, err := a.dial()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(c)
}
