// Package forestops trains random forest classifiers on the classic toy
// datasets and records every training as a run in an experiment tracking
// store.
//
// forestops keeps a scikit-learn-like API for the estimators and an
// MLflow-compatible layout for the tracking store, so runs written here can
// be browsed with the usual MLflow tooling.
//
// # Features
//
//   - Random forests with parallel tree fitting whose result does not depend
//     on the number of workers
//   - Stratified train/test splitting, accuracy and macro precision, and
//     optional stratified k-fold cross-validation (--cv)
//   - Run tracking on a local directory store or a SQLite database
//   - Feature importance tables (CSV) and charts (PNG) attached to each run
//   - A cobra CLI (cmd/forestops) covering single runs and experiment grids
//
// # Installation
//
//	go install github.com/YuminosukeSato/forestops/cmd/forestops@latest
//
// # Quick Start
//
// Training and tracking one run from Go:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/forestops/sklearn/datasets"
//	    "github.com/YuminosukeSato/forestops/tracking"
//	    "github.com/YuminosukeSato/forestops/training"
//	)
//
//	func main() {
//	    client, err := tracking.Dial("mlruns")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer client.Close()
//
//	    rl := &training.RunLogger{
//	        Client:      client,
//	        Experiment:  "iris-mlops",
//	        ArtifactDir: "artifacts",
//	    }
//	    out, err := rl.LogTraining(context.Background(), training.Job{
//	        Dataset: datasets.MustLoad("iris"),
//	        Params:  training.DefaultParams(),
//	    })
//	    if err != nil {
//	        log.Fatalf("%+v", err)
//	    }
//	    fmt.Println(out.Summary())
//	}
//
// The same from the shell:
//
//	forestops train-tracked --n_estimators 150
//	forestops fetch-data --dest data && export FORESTOPS_DATA_HOME=data
//	forestops experiments --datasets wine,digits --n-estimators-options 50,100 --cv 5
//	forestops runs --experiment real-model-experiments
//
// # Packages
//
//   - sklearn/datasets: iris, wine, breast_cancer and digits as gonum matrices,
//     embedded or read from scikit-learn's own files
//   - sklearn/model_selection: TrainTestSplit, KFold, StratifiedKFold, CrossValScore
//   - sklearn/tree: DecisionTreeClassifier (CART)
//   - sklearn/ensemble: RandomForestClassifier
//   - metrics: accuracy, precision, recall, F1, confusion matrix
//   - tracking: experiments, runs, params, metrics, tags and artifacts
//   - training: Train, RunLogger and RunExperiments
//   - core/model: estimator interfaces, fitted state and gob persistence
//   - core/parallel: worker resolution and row-parallel helpers
//   - pkg/config, pkg/log, pkg/errors: configuration, logging and errors
//
// # Configuration
//
// Settings come from defaults, an optional YAML file (--config), the
// FORESTOPS_* environment variables and finally CLI flags, each layer
// overriding the previous one. FORESTOPS_TRACKING_URI selects the store;
// MLFLOW_TRACKING_URI is honoured when it is not set.
//
// # License
//
// forestops is released under the MIT License.
package forestops
