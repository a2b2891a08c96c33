// Package ensemble implements bagged tree ensembles.
package ensemble

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/core/parallel"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/pkg/log"
	"github.com/YuminosukeSato/forestops/sklearn/tree"
)

const modelName = "RandomForestClassifier"

// predictParallelThreshold is the row count below which PredictProba stays
// on the calling goroutine.
const predictParallelThreshold = 64

// RandomForestClassifier averages the class probabilities of decision trees
// fitted on bootstrap samples with random feature subsets at every split.
//
// Each tree's seed is drawn from the forest seed before any tree is fitted,
// so the fitted forest does not depend on how trees are scheduled across
// workers.
type RandomForestClassifier struct {
	state *model.StateManager

	nEstimators     int
	randomState     int64
	nJobs           int
	maxFeatures     string
	bootstrap       bool
	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int

	estimators  []*tree.DecisionTreeClassifier
	classes     []int
	nFeatures   int
	importances []float64
}

// Option configures a RandomForestClassifier.
type Option func(*RandomForestClassifier)

// WithNEstimators sets the number of trees. Default 100.
func WithNEstimators(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nEstimators = n }
}

// WithRandomState sets the forest seed.
func WithRandomState(seed int64) Option {
	return func(rf *RandomForestClassifier) { rf.randomState = seed }
}

// WithNJobs sets the number of trees fitted concurrently. -1 uses every
// logical core.
func WithNJobs(n int) Option {
	return func(rf *RandomForestClassifier) { rf.nJobs = n }
}

// WithMaxFeatures sets the per-split feature budget: "sqrt" (default), "log2" or "all".
func WithMaxFeatures(mf string) Option {
	return func(rf *RandomForestClassifier) { rf.maxFeatures = mf }
}

// WithBootstrap toggles sampling with replacement. Default true.
func WithBootstrap(b bool) Option {
	return func(rf *RandomForestClassifier) { rf.bootstrap = b }
}

// WithCriterion sets the impurity measure of every tree.
func WithCriterion(c string) Option {
	return func(rf *RandomForestClassifier) { rf.criterion = c }
}

// WithMaxDepth limits the depth of every tree. 0 means unlimited.
func WithMaxDepth(d int) Option {
	return func(rf *RandomForestClassifier) { rf.maxDepth = d }
}

// WithMinSamplesSplit sets min_samples_split of every tree.
func WithMinSamplesSplit(n int) Option {
	return func(rf *RandomForestClassifier) { rf.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets min_samples_leaf of every tree.
func WithMinSamplesLeaf(n int) Option {
	return func(rf *RandomForestClassifier) { rf.minSamplesLeaf = n }
}

// NewRandomForestClassifier creates an unfitted forest.
func NewRandomForestClassifier(opts ...Option) *RandomForestClassifier {
	rf := &RandomForestClassifier{
		state:           model.NewStateManager(),
		nEstimators:     100,
		nJobs:           -1,
		maxFeatures:     "sqrt",
		bootstrap:       true,
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

func (rf *RandomForestClassifier) treeOptions(seed int64) []tree.Option {
	return []tree.Option{
		tree.WithCriterion(rf.criterion),
		tree.WithMaxDepth(rf.maxDepth),
		tree.WithMinSamplesSplit(rf.minSamplesSplit),
		tree.WithMinSamplesLeaf(rf.minSamplesLeaf),
		tree.WithMaxFeatures(rf.maxFeatures),
		tree.WithRandomState(seed),
	}
}

// Fit fits the forest. It blocks until every tree is fitted.
func (rf *RandomForestClassifier) Fit(X, y mat.Matrix) error {
	return rf.FitContext(context.Background(), X, y)
}

// FitContext is Fit with cancellation. The first failing tree cancels the rest.
func (rf *RandomForestClassifier) FitContext(ctx context.Context, X, y mat.Matrix) error {
	if rf.nEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be a positive integer", rf.nEstimators)
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.NewValueError(modelName+".Fit", "empty input")
	}
	if yRows, _ := y.Dims(); yRows != nSamples {
		return errors.NewDimensionError(modelName+".Fit", nSamples, yRows, 0)
	}
	if _, err := tree.ResolveMaxFeatures(rf.maxFeatures, nFeatures); err != nil {
		return err
	}

	start := time.Now()
	logger := log.GetLoggerWithName("ensemble").With(log.ModelNameKey, modelName)
	xd := mat.DenseCopyOf(X)
	yd := mat.DenseCopyOf(y)

	seeds := make([]int64, rf.nEstimators)
	r := rand.New(rand.NewPCG(uint64(rf.randomState), uint64(rf.randomState)))
	for i := range seeds {
		seeds[i] = r.Int64()
	}

	jobs := parallel.ResolveJobs(rf.nJobs)
	trees := make([]*tree.DecisionTreeClassifier, rf.nEstimators)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := range trees {
		i := i
		g.Go(errors.Guard(fmt.Sprintf("%s.fitTree[%d]", modelName, i), func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := tree.NewDecisionTreeClassifier(rf.treeOptions(seeds[i])...)
			var weights []float64
			if rf.bootstrap {
				weights = bootstrapWeights(seeds[i], nSamples)
			}
			if err := t.FitWeighted(xd, yd, weights); err != nil {
				return errors.Wrapf(err, "tree %d", i)
			}
			trees[i] = t
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return errors.NewModelError(modelName+".Fit", "fit", err)
	}

	rf.estimators = trees
	rf.classes = trees[0].Classes()
	rf.nFeatures = nFeatures
	rf.importances = meanImportances(trees, nFeatures)
	rf.state.SetDimensions(nFeatures, nSamples)
	rf.state.SetFitted()

	logger.Debug("Forest fitted",
		log.OperationKey, log.OperationFit,
		log.EstimatorsKey, rf.nEstimators,
		log.JobsKey, jobs,
		log.SamplesKey, nSamples,
		log.FeaturesKey, nFeatures,
		log.ClassesKey, len(rf.classes),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// bootstrapWeights draws n indices with replacement and returns how often
// each row was drawn.
func bootstrapWeights(seed int64, n int) []float64 {
	r := rand.New(rand.NewPCG(uint64(seed), ^uint64(seed)))
	w := make([]float64, n)
	for k := 0; k < n; k++ {
		w[r.IntN(n)]++
	}
	return w
}

// meanImportances averages the per-tree importances and renormalises them to
// sum to 1. Trees that never split contribute zeros.
func meanImportances(trees []*tree.DecisionTreeClassifier, nFeatures int) []float64 {
	out := make([]float64, nFeatures)
	for _, t := range trees {
		floats.Add(out, t.GetFeatureImportances())
	}
	if total := floats.Sum(out); total > 0 {
		floats.Scale(1/total, out)
	}
	return out
}

// PredictProba returns the mean class probabilities over all trees, columns
// ordered as Classes().
func (rf *RandomForestClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := rf.state.RequireFitted(modelName, "PredictProba"); err != nil {
		return nil, err
	}
	n, d := X.Dims()
	if d != rf.nFeatures {
		return nil, errors.NewDimensionError(modelName+".PredictProba", rf.nFeatures, d, 1)
	}
	if n == 0 {
		return nil, errors.NewValueError(modelName+".PredictProba", "empty input")
	}
	xd := mat.DenseCopyOf(X)
	out := mat.NewDense(n, len(rf.classes), nil)

	var (
		mu       sync.Mutex
		firstErr error
	)
	parallel.ParallelizeWithThreshold(n, predictParallelThreshold, parallel.ResolveJobs(rf.nJobs), func(start, end int) {
		rows := xd.Slice(start, end, 0, d)
		dst := out.Slice(start, end, 0, len(rf.classes)).(*mat.Dense)
		for _, t := range rf.estimators {
			if err := t.AccumulateProba(rows, dst); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	out.Scale(1/float64(len(rf.estimators)), out)
	return out, nil
}

// Predict returns the class with the highest mean probability for each row.
// Ties go to the lowest class.
func (rf *RandomForestClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := rf.PredictProba(X)
	if err != nil {
		return nil, err
	}
	p := proba.(*mat.Dense)
	n, _ := p.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		best := 0
		for k := 1; k < len(row); k++ {
			if row[k] > row[best] {
				best = k
			}
		}
		out.Set(i, 0, float64(rf.classes[best]))
	}
	return out, nil
}

// Score returns the mean accuracy on X and y, or 0 if prediction fails.
func (rf *RandomForestClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := rf.Predict(X)
	if err != nil {
		return 0
	}
	n, _ := X.Dims()
	correct := 0
	for i := 0; i < n; i++ {
		if pred.At(i, 0) == y.At(i, 0) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

// Classes returns the sorted class labels seen during fitting.
func (rf *RandomForestClassifier) Classes() []int {
	return append([]int(nil), rf.classes...)
}

// FeatureImportances returns the normalised mean decrease in impurity
// averaged over trees.
func (rf *RandomForestClassifier) FeatureImportances() []float64 {
	return append([]float64(nil), rf.importances...)
}

// Estimators returns the fitted trees.
func (rf *RandomForestClassifier) Estimators() []*tree.DecisionTreeClassifier {
	return rf.estimators
}

// GetState reports the fitted state, implementing model.StateReporter.
func (rf *RandomForestClassifier) GetState() model.ModelState {
	s := rf.state.GetState()
	s.Params = rf.GetParams()
	return s
}

// GetParams returns the hyperparameters.
func (rf *RandomForestClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"n_estimators":      rf.nEstimators,
		"random_state":      rf.randomState,
		"n_jobs":            rf.nJobs,
		"max_features":      rf.maxFeatures,
		"bootstrap":         rf.bootstrap,
		"criterion":         rf.criterion,
		"max_depth":         rf.maxDepth,
		"min_samples_split": rf.minSamplesSplit,
		"min_samples_leaf":  rf.minSamplesLeaf,
	}
}
