package model_selection

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/sklearn/datasets"
	"github.com/YuminosukeSato/forestops/sklearn/tree"
)

// labelled returns n×2 features whose first column is the row index, and y.
func labelled(labels ...float64) (*mat.Dense, *mat.Dense) {
	n := len(labels)
	X := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64(i*i))
	}
	return X, mat.NewDense(n, 1, labels)
}

func countLabels(y *mat.Dense) map[float64]int {
	out := make(map[float64]int)
	n, _ := y.Dims()
	for i := 0; i < n; i++ {
		out[y.At(i, 0)]++
	}
	return out
}

func TestTrainTestSplit_IrisStratified(t *testing.T) {
	ds := datasets.MustLoad("iris")
	split, err := TrainTestSplit(ds.Data, ds.Target, WithTestSize(0.2), WithRandomState(0))
	require.NoError(t, err)

	assert.True(t, split.Stratified)
	assert.Len(t, split.TestIndices, 30)
	assert.Len(t, split.TrainIndices, 120)
	assert.Equal(t, map[float64]int{0: 10, 1: 10, 2: 10}, countLabels(split.YTest))
	assert.Equal(t, map[float64]int{0: 40, 1: 40, 2: 40}, countLabels(split.YTrain))

	all := append(append([]int(nil), split.TrainIndices...), split.TestIndices...)
	sort.Ints(all)
	for i, v := range all {
		require.Equal(t, i, v, "indices must partition the rows")
	}

	// rows are copied in index order
	for i, idx := range split.TestIndices {
		assert.Equal(t, ds.Data.At(idx, 2), split.XTest.At(i, 2))
		assert.Equal(t, ds.Target.At(idx, 0), split.YTest.At(i, 0))
	}
}

func TestTrainTestSplit_Deterministic(t *testing.T) {
	ds := datasets.MustLoad("wine")
	a, err := TrainTestSplit(ds.Data, ds.Target, WithRandomState(7))
	require.NoError(t, err)
	b, err := TrainTestSplit(ds.Data, ds.Target, WithRandomState(7))
	require.NoError(t, err)
	c, err := TrainTestSplit(ds.Data, ds.Target, WithRandomState(8))
	require.NoError(t, err)

	assert.Equal(t, a.TestIndices, b.TestIndices)
	assert.Equal(t, a.TrainIndices, b.TrainIndices)
	assert.NotEqual(t, a.TestIndices, c.TestIndices)
}

func TestTrainTestSplit_CeilTestSize(t *testing.T) {
	X, y := labelled(0, 1, 0, 1, 0, 1, 0)
	split, err := TrainTestSplit(X, y, WithTestSize(0.25), WithStratify(false))
	require.NoError(t, err)
	// ceil(0.25*7) = 2
	assert.Len(t, split.TestIndices, 2)
	assert.Len(t, split.TrainIndices, 5)
	assert.False(t, split.Stratified)
}

func TestTrainTestSplit_SingleClassIsNotStratified(t *testing.T) {
	X, y := labelled(3, 3, 3, 3)
	split, err := TrainTestSplit(X, y)
	require.NoError(t, err)
	assert.False(t, split.Stratified)
	assert.Len(t, split.TestIndices, 1)
}

func TestTrainTestSplit_Errors(t *testing.T) {
	X, y := labelled(0, 1, 0, 1)

	for _, size := range []float64{0, 1, -0.1, 1.5} {
		_, err := TrainTestSplit(X, y, WithTestSize(size))
		var ve *errors.ValidationError
		assert.True(t, errors.As(err, &ve), "test_size=%v", size)
	}

	_, err := TrainTestSplit(X, mat.NewDense(3, 1, nil))
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	one, oneY := labelled(1)
	_, err = TrainTestSplit(one, oneY, WithTestSize(0.5))
	var ide *errors.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 1, ide.NSamples)
	assert.Equal(t, 0, ide.NTrain)
	assert.Equal(t, 1, ide.NTest)
}

func TestAllocateTest(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		nTest  int
		want   []int
	}{
		{"exact", []int{50, 50, 50}, 30, []int{10, 10, 10}},
		// 1.5, 0.9, 0.6 -> floors 1,0,0; remainder to the two largest fractions
		{"largest remainder", []int{5, 3, 2}, 3, []int{1, 1, 1}},
		// 0.5, 0.5 tie goes to the first class
		{"tie by class order", []int{1, 1}, 1, []int{1, 0}},
		{"small class takes the larger fraction", []int{1, 9}, 9, []int{1, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 0
			for _, c := range tt.counts {
				n += c
			}
			assert.Equal(t, tt.want, allocateTest(tt.counts, n, tt.nTest))
		})
	}
}

func TestKFold_Partitions(t *testing.T) {
	X, y := labelled(0, 0, 0, 0, 1, 1, 1, 1, 1, 1)
	for _, splitter := range []KFoldSplitter{
		NewKFold(3, false, 0),
		NewKFold(3, true, 11),
		NewStratifiedKFold(2, true, 5),
	} {
		folds := splitter.Split(X, y)
		require.Len(t, folds, splitter.GetNSplits())

		seen := make(map[int]int)
		for _, f := range folds {
			assert.Equal(t, 10, len(f.TrainIndices)+len(f.TestIndices))
			for _, i := range f.TestIndices {
				seen[i]++
			}
		}
		assert.Len(t, seen, 10)
		for i, c := range seen {
			assert.Equal(t, 1, c, "row %d appears in %d test folds", i, c)
		}
	}
}

func TestStratifiedKFold_Balanced(t *testing.T) {
	X, y := labelled(0, 0, 0, 0, 1, 1, 1, 1, 1, 1)
	for _, f := range NewStratifiedKFold(2, false, 0).Split(X, y) {
		_, ys := Subset(X, y, f.TestIndices)
		assert.Equal(t, map[float64]int{0: 2, 1: 3}, countLabels(ys))
	}
}

func TestNewKFold_DefaultSplits(t *testing.T) {
	assert.Equal(t, 5, NewKFold(1, false, 0).GetNSplits())
	assert.Equal(t, 5, NewStratifiedKFold(0, false, 0).GetNSplits())
}

func TestCrossValScore(t *testing.T) {
	ds := datasets.MustLoad("iris")
	res, err := CrossValScore(func() model.Classifier {
		return tree.NewDecisionTreeClassifier(tree.WithMaxDepth(3), tree.WithRandomState(0))
	}, ds.Data, ds.Target, NewStratifiedKFold(5, true, 0))
	require.NoError(t, err)

	assert.Len(t, res.TestScores, 5)
	assert.Len(t, res.FitTimes, 5)
	assert.Greater(t, res.GetMeanScore(), 0.85)
	assert.GreaterOrEqual(t, res.GetStdScore(), 0.0)
}

func TestCVResult_EmptyScores(t *testing.T) {
	r := &CVResult{}
	assert.Equal(t, 0.0, r.GetMeanScore())
	assert.Equal(t, 0.0, r.GetStdScore())
}
