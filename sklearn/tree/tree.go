// Package tree implements a CART decision tree classifier.
//
// The tree is stored as a flat slice of nodes so that it gob-encodes without
// pointers and can be embedded in ensembles. Fitting accepts per-sample
// weights, which is how bagging passes bootstrap multiplicities.
package tree

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
)

const (
	// featureThreshold is the minimum gap between two sorted feature values
	// for a threshold to be placed between them.
	featureThreshold = 1e-7
	impurityEpsilon  = 1e-12
	leafFeature      = -1
)

// Node is one node of a fitted tree. Leaves have Feature == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Impurity  float64
	NSamples  int
	// Value holds the weighted class counts reaching the node.
	Value []float64
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Feature == leafFeature }

// DecisionTreeClassifier is a CART classifier with Gini or entropy impurity.
type DecisionTreeClassifier struct {
	state *model.StateManager

	criterion       string
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     string
	randomState     int64

	classes     []int
	nClasses_   int
	nFeatures   int
	nodes       []Node
	importances []float64
}

// Option configures a DecisionTreeClassifier.
type Option func(*DecisionTreeClassifier)

// WithCriterion sets the impurity measure: "gini" (default) or "entropy".
func WithCriterion(c string) Option {
	return func(dt *DecisionTreeClassifier) { dt.criterion = c }
}

// WithMaxDepth limits the depth of the tree. 0 means unlimited.
func WithMaxDepth(d int) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxDepth = d }
}

// WithMinSamplesSplit sets the minimum number of samples needed to split a node.
func WithMinSamplesSplit(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesSplit = n }
}

// WithMinSamplesLeaf sets the minimum number of samples in each leaf.
func WithMinSamplesLeaf(n int) Option {
	return func(dt *DecisionTreeClassifier) { dt.minSamplesLeaf = n }
}

// WithMaxFeatures sets how many features are examined per split:
// "all" (default), "sqrt" or "log2".
func WithMaxFeatures(mf string) Option {
	return func(dt *DecisionTreeClassifier) { dt.maxFeatures = mf }
}

// WithRandomState seeds the per-node feature permutation.
func WithRandomState(seed int64) Option {
	return func(dt *DecisionTreeClassifier) { dt.randomState = seed }
}

// NewDecisionTreeClassifier creates an unfitted tree.
func NewDecisionTreeClassifier(opts ...Option) *DecisionTreeClassifier {
	dt := &DecisionTreeClassifier{
		state:           model.NewStateManager(),
		criterion:       "gini",
		minSamplesSplit: 2,
		minSamplesLeaf:  1,
		maxFeatures:     "all",
	}
	for _, opt := range opts {
		opt(dt)
	}
	return dt
}

func (dt *DecisionTreeClassifier) validateParams() error {
	switch dt.criterion {
	case "gini", "entropy":
	default:
		return errors.NewValidationError("criterion", "must be gini or entropy", dt.criterion)
	}
	if dt.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0 (0 means unlimited)", dt.maxDepth)
	}
	if dt.minSamplesSplit < 2 {
		return errors.NewValidationError("min_samples_split", "must be >= 2", dt.minSamplesSplit)
	}
	if dt.minSamplesLeaf < 1 {
		return errors.NewValidationError("min_samples_leaf", "must be >= 1", dt.minSamplesLeaf)
	}
	if _, err := ResolveMaxFeatures(dt.maxFeatures, 1); err != nil {
		return err
	}
	return nil
}

// ResolveMaxFeatures converts a max_features setting into a feature count
// for nFeatures columns.
func ResolveMaxFeatures(mf string, nFeatures int) (int, error) {
	var k int
	switch mf {
	case "", "all":
		k = nFeatures
	case "sqrt":
		k = int(math.Sqrt(float64(nFeatures)))
	case "log2":
		k = int(math.Log2(float64(nFeatures)))
	default:
		return 0, errors.NewValidationError("max_features", "must be all, sqrt or log2", mf)
	}
	if k < 1 {
		k = 1
	}
	return k, nil
}

// Fit builds the tree from X (n×d) and integer labels y (n×1).
func (dt *DecisionTreeClassifier) Fit(X, y mat.Matrix) error {
	return dt.FitWeighted(X, y, nil)
}

// FitWeighted builds the tree with per-sample weights. A nil slice means unit
// weights; samples with zero weight are ignored, but their labels still count
// towards Classes so that trees fitted on bootstrap samples share one class set.
func (dt *DecisionTreeClassifier) FitWeighted(X, y mat.Matrix, sampleWeight []float64) error {
	if err := dt.validateParams(); err != nil {
		return err
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.NewValueError("DecisionTreeClassifier.Fit", "empty input")
	}
	yRows, _ := y.Dims()
	if yRows != nSamples {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nSamples, yRows, 0)
	}
	if sampleWeight != nil && len(sampleWeight) != nSamples {
		return errors.NewDimensionError("DecisionTreeClassifier.Fit", nSamples, len(sampleWeight), 0)
	}
	if err := errors.CheckMatrix("DecisionTreeClassifier.Fit", X, nSamples, nFeatures); err != nil {
		return err
	}

	classes, encoded := encodeLabels(y, nSamples)

	xd, ok := X.(*mat.Dense)
	if !ok {
		xd = mat.DenseCopyOf(X)
	}

	b := &builder{
		X:        xd,
		y:        encoded,
		weights:  sampleWeight,
		nClasses: len(classes),
		entropy:  dt.criterion == "entropy",
		maxDepth: dt.maxDepth,
		minSplit: dt.minSamplesSplit,
		minLeaf:  dt.minSamplesLeaf,
		rng:      rand.New(rand.NewPCG(uint64(dt.randomState), uint64(dt.randomState))),
		imp:      make([]float64, nFeatures),
	}
	b.maxFeatures, _ = ResolveMaxFeatures(dt.maxFeatures, nFeatures)

	idx := make([]int, 0, nSamples)
	for i := 0; i < nSamples; i++ {
		if sampleWeight == nil || sampleWeight[i] > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return errors.NewValueError("DecisionTreeClassifier.Fit", "all sample weights are zero")
	}
	b.build(idx, 0)

	if total := floats.Sum(b.imp); total > 0 {
		floats.Scale(1/total, b.imp)
	}

	dt.classes = classes
	dt.nClasses_ = len(classes)
	dt.nFeatures = nFeatures
	dt.nodes = b.nodes
	dt.importances = b.imp
	dt.state.SetDimensions(nFeatures, len(idx))
	dt.state.SetFitted()
	return nil
}

// encodeLabels maps labels to 0..K-1 in ascending label order.
func encodeLabels(y mat.Matrix, n int) ([]int, []int) {
	seen := make(map[int]struct{})
	raw := make([]int, n)
	for i := 0; i < n; i++ {
		raw[i] = int(y.At(i, 0))
		seen[raw[i]] = struct{}{}
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	encoded := make([]int, n)
	for i, l := range raw {
		encoded[i] = index[l]
	}
	return classes, encoded
}

func (dt *DecisionTreeClassifier) checkPredictInput(method string, X mat.Matrix) (int, error) {
	if err := dt.state.RequireFitted("DecisionTreeClassifier", method); err != nil {
		return 0, err
	}
	n, d := X.Dims()
	if d != dt.nFeatures {
		return 0, errors.NewDimensionError("DecisionTreeClassifier."+method, dt.nFeatures, d, 1)
	}
	return n, nil
}

// apply returns the leaf reached by row i of X.
func (dt *DecisionTreeClassifier) apply(X mat.Matrix, i int) *Node {
	node := &dt.nodes[0]
	for !node.IsLeaf() {
		if X.At(i, node.Feature) <= node.Threshold {
			node = &dt.nodes[node.Left]
		} else {
			node = &dt.nodes[node.Right]
		}
	}
	return node
}

// PredictProba returns an n×K matrix of class probabilities, columns in
// Classes() order.
func (dt *DecisionTreeClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	n, err := dt.checkPredictInput("PredictProba", X)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(n, dt.nClasses_, nil)
	dt.addProba(X, out)
	return out, nil
}

// addProba accumulates per-row leaf probabilities into out.
func (dt *DecisionTreeClassifier) addProba(X mat.Matrix, out *mat.Dense) {
	n, _ := X.Dims()
	for i := 0; i < n; i++ {
		leaf := dt.apply(X, i)
		total := floats.Sum(leaf.Value)
		for k, v := range leaf.Value {
			out.Set(i, k, out.At(i, k)+v/total)
		}
	}
}

// AccumulateProba adds this tree's class probabilities for X into out, whose
// columns follow Classes(). Used by ensembles.
func (dt *DecisionTreeClassifier) AccumulateProba(X mat.Matrix, out *mat.Dense) error {
	if _, err := dt.checkPredictInput("PredictProba", X); err != nil {
		return err
	}
	_, k := out.Dims()
	if k != dt.nClasses_ {
		return errors.NewDimensionError("DecisionTreeClassifier.AccumulateProba", dt.nClasses_, k, 1)
	}
	dt.addProba(X, out)
	return nil
}

// Predict returns the most probable class of each row as an n×1 matrix.
func (dt *DecisionTreeClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := dt.PredictProba(X)
	if err != nil {
		return nil, err
	}
	n, _ := proba.Dims()
	out := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, float64(dt.classes[argmax(proba.(*mat.Dense).RawRowView(i))]))
	}
	return out, nil
}

// argmax returns the first index of the maximum value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Score returns the mean accuracy on X and y, or 0 if prediction fails.
func (dt *DecisionTreeClassifier) Score(X, y mat.Matrix) float64 {
	pred, err := dt.Predict(X)
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
func (dt *DecisionTreeClassifier) Classes() []int {
	return append([]int(nil), dt.classes...)
}

// GetFeatureImportances returns the normalised mean decrease in impurity per
// feature. All zeros if the tree never split.
func (dt *DecisionTreeClassifier) GetFeatureImportances() []float64 {
	return append([]float64(nil), dt.importances...)
}

// FeatureImportances implements model.FeatureImporter.
func (dt *DecisionTreeClassifier) FeatureImportances() []float64 {
	return dt.GetFeatureImportances()
}

// GetDepth returns the depth of the fitted tree (a lone root has depth 0).
func (dt *DecisionTreeClassifier) GetDepth() int {
	if len(dt.nodes) == 0 {
		return 0
	}
	var walk func(i int) int
	walk = func(i int) int {
		n := &dt.nodes[i]
		if n.IsLeaf() {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

// GetNLeaves returns the number of leaves of the fitted tree.
func (dt *DecisionTreeClassifier) GetNLeaves() int {
	leaves := 0
	for i := range dt.nodes {
		if dt.nodes[i].IsLeaf() {
			leaves++
		}
	}
	return leaves
}

// NodeCount returns the number of nodes of the fitted tree.
func (dt *DecisionTreeClassifier) NodeCount() int { return len(dt.nodes) }

// GetState reports the fitted state, implementing model.StateReporter.
func (dt *DecisionTreeClassifier) GetState() model.ModelState {
	s := dt.state.GetState()
	s.Params = dt.GetParams()
	return s
}

// GetParams returns the hyperparameters.
func (dt *DecisionTreeClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"criterion":         dt.criterion,
		"max_depth":         dt.maxDepth,
		"min_samples_split": dt.minSamplesSplit,
		"min_samples_leaf":  dt.minSamplesLeaf,
		"max_features":      dt.maxFeatures,
		"random_state":      dt.randomState,
	}
}

// SetParams updates hyperparameters. Unknown keys and wrong types are errors;
// the tree must be refitted for new values to take effect.
func (dt *DecisionTreeClassifier) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "criterion", "max_features":
			s, ok := value.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", value)
			}
			if key == "criterion" {
				dt.criterion = s
			} else {
				dt.maxFeatures = s
			}
		case "max_depth", "min_samples_split", "min_samples_leaf":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			switch key {
			case "max_depth":
				dt.maxDepth = v
			case "min_samples_split":
				dt.minSamplesSplit = v
			default:
				dt.minSamplesLeaf = v
			}
		case "random_state":
			switch v := value.(type) {
			case int:
				dt.randomState = int64(v)
			case int64:
				dt.randomState = v
			default:
				return errors.NewValidationError(key, "must be an integer", value)
			}
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return dt.validateParams()
}
