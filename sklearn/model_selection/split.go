// Package model_selection provides dataset splitting utilities:
// a seeded, optionally stratified train/test split and k-fold splitters.
package model_selection

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
)

// DefaultTestSize is the test fraction used when WithTestSize is not given.
const DefaultTestSize = 0.25

// Split holds the two partitions produced by TrainTestSplit.
// Indices refer to rows of the original matrices.
type Split struct {
	XTrain, XTest *mat.Dense
	YTrain, YTest *mat.Dense

	TrainIndices []int
	TestIndices  []int

	// Stratified reports whether class proportions were preserved.
	Stratified bool
}

type splitConfig struct {
	testSize    float64
	randomState int64
	stratify    *bool
}

// SplitOption configures TrainTestSplit.
type SplitOption func(*splitConfig)

// WithTestSize sets the fraction of samples placed in the test partition.
// Must lie strictly between 0 and 1.
func WithTestSize(f float64) SplitOption {
	return func(c *splitConfig) { c.testSize = f }
}

// WithRandomState sets the seed of the shuffle.
func WithRandomState(seed int64) SplitOption {
	return func(c *splitConfig) { c.randomState = seed }
}

// WithStratify forces stratification on or off. Without it the split is
// stratified exactly when y holds more than one class.
func WithStratify(on bool) SplitOption {
	return func(c *splitConfig) { c.stratify = &on }
}

// TrainTestSplit partitions X and y (n×1 labels) into train and test subsets.
//
// n_test is ceil(test_size·n) and n_train the rest; if either would be zero an
// InsufficientDataError is returned. Identical inputs and seed always yield
// the same assignment.
func TrainTestSplit(X, y mat.Matrix, opts ...SplitOption) (*Split, error) {
	cfg := splitConfig{testSize: DefaultTestSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !(cfg.testSize > 0 && cfg.testSize < 1) {
		return nil, errors.NewValidationError("test_size", "must be in the open interval (0, 1)", cfg.testSize)
	}
	nSamples, _ := X.Dims()
	yRows, yCols := y.Dims()
	if yRows != nSamples {
		return nil, errors.NewDimensionError("TrainTestSplit", nSamples, yRows, 0)
	}
	if yCols != 1 {
		return nil, errors.NewDimensionError("TrainTestSplit", 1, yCols, 1)
	}

	nTest := int(math.Ceil(cfg.testSize * float64(nSamples)))
	nTrain := nSamples - nTest
	if nTest <= 0 || nTrain <= 0 {
		return nil, errors.NewInsufficientDataError("TrainTestSplit", nSamples, nTrain, nTest)
	}

	classes, byClass := groupByClass(y, nSamples)
	stratify := len(classes) > 1
	if cfg.stratify != nil {
		stratify = *cfg.stratify
	}

	r := newRand(cfg.randomState)
	var train, test []int
	if stratify {
		train, test = stratifiedIndices(r, classes, byClass, nSamples, nTest)
	} else {
		perm := r.Perm(nSamples)
		test, train = perm[:nTest], perm[nTest:]
	}

	s := &Split{
		TrainIndices: train,
		TestIndices:  test,
		Stratified:   stratify,
	}
	s.XTrain, s.YTrain = Subset(X, y, train)
	s.XTest, s.YTest = Subset(X, y, test)

	log.GetLoggerWithName("model_selection").Debug("Split computed",
		log.OperationKey, log.OperationSplit,
		log.SamplesKey, nSamples,
		log.TrainSamplesKey, len(train),
		log.TestSamplesKey, len(test),
		log.ClassesKey, len(classes),
		log.RandomSeedKey, cfg.randomState,
		"stratified", stratify,
	)
	return s, nil
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}

// groupByClass returns the sorted distinct labels and the row indices of each.
func groupByClass(y mat.Matrix, n int) ([]float64, map[float64][]int) {
	byClass := make(map[float64][]int)
	for i := 0; i < n; i++ {
		label := y.At(i, 0)
		byClass[label] = append(byClass[label], i)
	}
	classes := make([]float64, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Float64s(classes)
	return classes, byClass
}

// allocateTest splits nTest across classes in proportion to their counts.
// Floors first, then remaining slots go to the largest fractional parts,
// ties broken by class order.
func allocateTest(counts []int, nSamples, nTest int) []int {
	quota := make([]int, len(counts))
	frac := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		exact := float64(nTest) * float64(c) / float64(nSamples)
		quota[i] = int(math.Floor(exact))
		frac[i] = exact - float64(quota[i])
		assigned += quota[i]
	}
	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return frac[order[a]] > frac[order[b]] })
	for k := 0; assigned < nTest && k < len(order); k++ {
		i := order[k]
		if quota[i] < counts[i] {
			quota[i]++
			assigned++
		}
	}
	return quota
}

func stratifiedIndices(r *rand.Rand, classes []float64, byClass map[float64][]int, nSamples, nTest int) (train, test []int) {
	counts := make([]int, len(classes))
	for i, c := range classes {
		counts[i] = len(byClass[c])
	}
	quota := allocateTest(counts, nSamples, nTest)

	train = make([]int, 0, nSamples-nTest)
	test = make([]int, 0, nTest)
	for i, c := range classes {
		idx := append([]int(nil), byClass[c]...)
		r.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		test = append(test, idx[:quota[i]]...)
		train = append(train, idx[quota[i]:]...)
	}
	r.Shuffle(len(train), func(a, b int) { train[a], train[b] = train[b], train[a] })
	r.Shuffle(len(test), func(a, b int) { test[a], test[b] = test[b], test[a] })
	return train, test
}

// Subset copies the given rows of X and y, preserving the order of indices.
func Subset(X, y mat.Matrix, indices []int) (*mat.Dense, *mat.Dense) {
	_, xCols := X.Dims()
	_, yCols := y.Dims()
	xs := mat.NewDense(len(indices), xCols, nil)
	ys := mat.NewDense(len(indices), yCols, nil)
	for i, idx := range indices {
		for j := 0; j < xCols; j++ {
			xs.Set(i, j, X.At(idx, j))
		}
		for j := 0; j < yCols; j++ {
			ys.Set(i, j, y.At(idx, j))
		}
	}
	return xs, ys
}
