// Package model provides the interfaces shared by forestops estimators and
// the helpers that persist them into a tracking run.
package model

import (
	"gonum.org/v1/gonum/mat"
)

// Classifier combines interfaces for classification models.
type Classifier interface {
	Fitter
	Predictor

	// PredictProba returns probability estimates for each class,
	// columns ordered as Classes().
	PredictProba(X mat.Matrix) (mat.Matrix, error)

	// Classes returns the unique classes seen during fitting, ascending.
	Classes() []int
}

// FeatureImporter is implemented by models that expose per-feature
// importance scores. Scores are non-negative and sum to 1 once fitted.
type FeatureImporter interface {
	FeatureImportances() []float64
}

// ParameterGetter is the interface for models that expose their parameters.
type ParameterGetter interface {
	// GetParams returns the model's hyperparameters.
	GetParams() map[string]interface{}
}

// ParameterSetter is the interface for models that allow parameter modification.
type ParameterSetter interface {
	// SetParams sets the model's hyperparameters.
	SetParams(params map[string]interface{}) error
}

// StateReporter is implemented by models built around a StateManager.
type StateReporter interface {
	GetState() ModelState
}
