package tree

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// builder grows a tree depth-first into a flat node slice.
type builder struct {
	X        *mat.Dense
	y        []int
	weights  []float64
	nClasses int
	entropy  bool

	maxDepth    int
	minSplit    int
	minLeaf     int
	maxFeatures int

	rng   *rand.Rand
	nodes []Node
	imp   []float64
}

type split struct {
	feature   int
	threshold float64
	pos       int // rows [0,pos) of the sorted indices go left
	proxy     float64
	impLeft   float64
	impRight  float64
	wLeft     float64
	wRight    float64
}

func (b *builder) weight(i int) float64 {
	if b.weights == nil {
		return 1
	}
	return b.weights[i]
}

func (b *builder) impurity(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	var out float64
	if b.entropy {
		for _, c := range counts {
			if c > 0 {
				p := c / total
				out -= p * math.Log2(p)
			}
		}
		return out
	}
	out = 1
	for _, c := range counts {
		p := c / total
		out -= p * p
	}
	return out
}

// build creates the node for idx and its subtree, returning the node index.
func (b *builder) build(idx []int, depth int) int {
	counts := make([]float64, b.nClasses)
	var wTotal float64
	for _, i := range idx {
		w := b.weight(i)
		counts[b.y[i]] += w
		wTotal += w
	}
	imp := b.impurity(counts, wTotal)

	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{
		Feature:  leafFeature,
		Impurity: imp,
		NSamples: len(idx),
		Value:    counts,
	})

	isLeaf := (b.maxDepth > 0 && depth >= b.maxDepth) ||
		len(idx) < b.minSplit ||
		len(idx) < 2*b.minLeaf ||
		imp <= impurityEpsilon
	if isLeaf {
		return id
	}

	best, ok := b.findSplit(idx, wTotal)
	if !ok {
		return id
	}

	// findSplit left idx sorted by the best feature
	left := append([]int(nil), idx[:best.pos]...)
	right := append([]int(nil), idx[best.pos:]...)

	if gain := wTotal*imp - best.wLeft*best.impLeft - best.wRight*best.impRight; gain > 0 {
		b.imp[best.feature] += gain
	}

	leftID := b.build(left, depth+1)
	rightID := b.build(right, depth+1)

	n := &b.nodes[id]
	n.Feature = best.feature
	n.Threshold = best.threshold
	n.Left = leftID
	n.Right = rightID
	return id
}

// findSplit searches features in random order. At least maxFeatures
// non-constant features are examined, and more if none of them allowed a
// valid split. On success idx is reordered by the chosen feature.
func (b *builder) findSplit(idx []int, wTotal float64) (split, bool) {
	_, nFeatures := b.X.Dims()
	features := b.rng.Perm(nFeatures)

	var (
		best    split
		found   bool
		visited int
		sorted  = make([]int, len(idx))
		bestIdx []int
	)
	for _, f := range features {
		if visited >= b.maxFeatures && found {
			break
		}
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool { return b.X.At(sorted[a], f) < b.X.At(sorted[c], f) })
		lo, hi := b.X.At(sorted[0], f), b.X.At(sorted[len(sorted)-1], f)
		if hi <= lo+featureThreshold {
			continue
		}
		visited++

		if s, ok := b.bestSplitOnFeature(f, sorted, wTotal); ok && (!found || s.proxy > best.proxy) {
			best, found = s, true
			bestIdx = append(bestIdx[:0], sorted...)
		}
	}
	if found {
		copy(idx, bestIdx)
	}
	return best, found
}

// bestSplitOnFeature sweeps thresholds between consecutive distinct values.
func (b *builder) bestSplitOnFeature(f int, sorted []int, wTotal float64) (split, bool) {
	left := make([]float64, b.nClasses)
	right := make([]float64, b.nClasses)
	for _, i := range sorted {
		right[b.y[i]] += b.weight(i)
	}
	var (
		wLeft float64
		best  split
		found bool
		n     = len(sorted)
	)
	for p := 0; p < n-1; p++ {
		i := sorted[p]
		w := b.weight(i)
		left[b.y[i]] += w
		right[b.y[i]] -= w
		wLeft += w

		x0, x1 := b.X.At(i, f), b.X.At(sorted[p+1], f)
		if x1 <= x0+featureThreshold {
			continue
		}
		nLeft := p + 1
		if nLeft < b.minLeaf || n-nLeft < b.minLeaf {
			continue
		}
		wRight := wTotal - wLeft
		impL := b.impurity(left, wLeft)
		impR := b.impurity(right, wRight)
		proxy := -(wLeft*impL + wRight*impR)
		if !found || proxy > best.proxy {
			threshold := x0/2 + x1/2
			if threshold == x1 || math.IsInf(threshold, 0) {
				threshold = x0
			}
			best = split{
				feature:   f,
				threshold: threshold,
				pos:       nLeft,
				proxy:     proxy,
				impLeft:   impL,
				impRight:  impR,
				wLeft:     wLeft,
				wRight:    wRight,
			}
			found = true
		}
	}
	return best, found
}
