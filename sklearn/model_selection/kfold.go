package model_selection

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/metrics"
	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// KFoldSplitter defines interface for cross-validation splitters
type KFoldSplitter interface {
	Split(X, y mat.Matrix) []CVFold
	GetNSplits() int
}

// CVFold represents a single fold in cross-validation
type CVFold struct {
	TrainIndices []int
	TestIndices  []int
}

// KFold implements k-fold cross-validation splitter
type KFold struct {
	NSplits    int
	Shuffle    bool
	RandomSeed int64
}

// NewKFold creates a new k-fold splitter
func NewKFold(nSplits int, shuffle bool, randomSeed int64) *KFold {
	if nSplits < 2 {
		nSplits = 5 // Default to 5-fold
	}
	return &KFold{
		NSplits:    nSplits,
		Shuffle:    shuffle,
		RandomSeed: randomSeed,
	}
}

// GetNSplits returns the number of splits
func (kf *KFold) GetNSplits() int {
	return kf.NSplits
}

// Split generates train/test indices for each fold
func (kf *KFold) Split(X, _ mat.Matrix) []CVFold {
	nSamples, _ := X.Dims()

	indices := make([]int, nSamples)
	for i := range indices {
		indices[i] = i
	}
	if kf.Shuffle {
		r := newRand(kf.RandomSeed)
		r.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	folds := make([]CVFold, kf.NSplits)
	foldSize := nSamples / kf.NSplits
	remainder := nSamples % kf.NSplits

	currentIdx := 0
	for i := 0; i < kf.NSplits; i++ {
		testSize := foldSize
		if i < remainder {
			testSize++
		}
		end := currentIdx + testSize

		testIndices := append([]int(nil), indices[currentIdx:end]...)
		trainIndices := make([]int, 0, nSamples-testSize)
		trainIndices = append(trainIndices, indices[:currentIdx]...)
		trainIndices = append(trainIndices, indices[end:]...)

		folds[i] = CVFold{TrainIndices: trainIndices, TestIndices: testIndices}
		currentIdx = end
	}

	return folds
}

// StratifiedKFold implements stratified k-fold cross-validation
type StratifiedKFold struct {
	NSplits    int
	Shuffle    bool
	RandomSeed int64
}

// NewStratifiedKFold creates a new stratified k-fold splitter
func NewStratifiedKFold(nSplits int, shuffle bool, randomSeed int64) *StratifiedKFold {
	if nSplits < 2 {
		nSplits = 5
	}
	return &StratifiedKFold{
		NSplits:    nSplits,
		Shuffle:    shuffle,
		RandomSeed: randomSeed,
	}
}

// GetNSplits returns the number of splits
func (skf *StratifiedKFold) GetNSplits() int {
	return skf.NSplits
}

// Split generates stratified train/test indices for each fold.
// Classes are visited in ascending label order so the folds are reproducible.
func (skf *StratifiedKFold) Split(X, y mat.Matrix) []CVFold {
	nSamples, _ := X.Dims()
	classes, byClass := groupByClass(y, nSamples)

	if skf.Shuffle {
		r := newRand(skf.RandomSeed)
		for _, c := range classes {
			indices := byClass[c]
			r.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}
	}

	folds := make([]CVFold, skf.NSplits)
	fold := make([]int, nSamples)

	// Distribute each class across folds
	for _, c := range classes {
		indices := byClass[c]
		nClass := len(indices)
		foldSize := nClass / skf.NSplits
		remainder := nClass % skf.NSplits

		currentIdx := 0
		for i := 0; i < skf.NSplits; i++ {
			testSize := foldSize
			if i < remainder {
				testSize++
			}
			for j := 0; j < testSize && currentIdx < nClass; j++ {
				folds[i].TestIndices = append(folds[i].TestIndices, indices[currentIdx])
				fold[indices[currentIdx]] = i
				currentIdx++
			}
		}
	}

	for i := range folds {
		folds[i].TrainIndices = make([]int, 0, nSamples-len(folds[i].TestIndices))
		for j := 0; j < nSamples; j++ {
			if fold[j] != i {
				folds[i].TrainIndices = append(folds[i].TrainIndices, j)
			}
		}
	}

	return folds
}

// CVResult stores cross-validation results
type CVResult struct {
	TestScores []float64
	FitTimes   []float64
}

// GetMeanScore returns mean test score
func (cv *CVResult) GetMeanScore() float64 {
	if len(cv.TestScores) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, score := range cv.TestScores {
		sum += score
	}
	return sum / float64(len(cv.TestScores))
}

// GetStdScore returns standard deviation of test scores
func (cv *CVResult) GetStdScore() float64 {
	if len(cv.TestScores) <= 1 {
		return 0.0
	}

	mean := cv.GetMeanScore()
	sumSq := 0.0
	for _, score := range cv.TestScores {
		diff := score - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(cv.TestScores)-1))
}

// CrossValScore fits a fresh classifier from newModel on every fold and
// records its test accuracy.
func CrossValScore(newModel func() model.Classifier, X, y mat.Matrix, splitter KFoldSplitter) (*CVResult, error) {
	result := &CVResult{}
	for i, fold := range splitter.Split(X, y) {
		if len(fold.TrainIndices) == 0 || len(fold.TestIndices) == 0 {
			n, _ := X.Dims()
			return nil, errors.NewInsufficientDataError("CrossValScore", n, len(fold.TrainIndices), len(fold.TestIndices))
		}
		xTrain, yTrain := Subset(X, y, fold.TrainIndices)
		xTest, yTest := Subset(X, y, fold.TestIndices)

		clf := newModel()
		start := time.Now()
		if err := clf.Fit(xTrain, yTrain); err != nil {
			return nil, errors.Wrapf(err, "fold %d", i)
		}
		result.FitTimes = append(result.FitTimes, time.Since(start).Seconds())

		pred, err := clf.Predict(xTest)
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d", i)
		}
		acc, err := metrics.AccuracyScore(yTest, pred)
		if err != nil {
			return nil, errors.Wrapf(err, "fold %d", i)
		}
		result.TestScores = append(result.TestScores, acc)
	}
	return result, nil
}
