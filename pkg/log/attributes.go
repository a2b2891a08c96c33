// Package log defines standard attribute keys for training and tracking operations.
//
// The keys follow a hierarchical naming convention (e.g. "model.name",
// "data.samples") so that entries from the estimators, the tracking client and
// the CLI can be filtered together.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of machine learning model.
	// Examples: "RandomForestClassifier", "DecisionTreeClassifier"
	ModelNameKey = "model.name"

	// OperationKey specifies the machine learning operation being performed.
	// Standard values: "fit", "predict", "score", "split"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component or package is performing the operation.
	ComponentKey = "ml.component"

	// PhaseKey indicates the phase of model lifecycle.
	PhaseKey = "ml.phase"
)

// Data Shape and Characteristics
const (
	// DatasetKey is the name of the built-in dataset being used.
	DatasetKey = "dataset.name"

	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// ClassesKey indicates the number of distinct labels.
	ClassesKey = "data.classes"

	// TrainSamplesKey and TestSamplesKey record the split sizes.
	TrainSamplesKey = "data.train_samples"
	TestSamplesKey  = "data.test_samples"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records model accuracy for evaluation operations.
	// Range [0.0, 1.0].
	AccuracyKey = "metrics.accuracy"

	// PrecisionKey records macro-averaged precision.
	// Range [0.0, 1.0].
	PrecisionKey = "metrics.precision"
)

// Error and Warning Context
const (
	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"

	// SuggestionKey provides helpful suggestions for resolving issues.
	SuggestionKey = "error.suggestion"
)

// Hyperparameters and Configuration
const (
	// EstimatorsKey records the number of trees in the ensemble.
	EstimatorsKey = "hyperparams.n_estimators"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// TestSizeKey records the test fraction used for the split.
	TestSizeKey = "config.test_size"

	// JobsKey records the number of parallel workers used for fitting.
	JobsKey = "config.n_jobs"
)

// Experiment Tracking
const (
	// RunIDKey identifies a Run Record in the tracking store.
	RunIDKey = "run.id"

	// RunStatusKey records the terminal status of a run.
	RunStatusKey = "run.status"

	// ExperimentIDKey and ExperimentNameKey identify the experiment a run belongs to.
	ExperimentIDKey   = "experiment.id"
	ExperimentNameKey = "experiment.name"

	// TrackingURIKey records the resolved tracking store location.
	TrackingURIKey = "tracking.uri"

	// ArtifactPathKey records the path of a logged artifact.
	ArtifactPathKey = "artifact.path"
)

// Standard attribute values.
const (
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationScore   = "score"
	OperationSplit   = "split"

	PhaseTraining   = "training"
	PhaseEvaluation = "evaluation"
	PhaseTracking   = "tracking"
)
