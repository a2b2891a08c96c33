package metrics

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// Average selects how per-class scores are combined.
type Average string

const (
	// AverageMacro は各クラスのスコアの単純平均
	AverageMacro Average = "macro"
	// AverageMicro は全クラスの TP/FP/FN を合算してから計算
	AverageMicro Average = "micro"
	// AverageWeighted はサポート数（真のサンプル数）で重み付けした平均
	AverageWeighted Average = "weighted"
	// AverageBinary は PosLabel のクラスのみのスコア
	AverageBinary Average = "binary"
)

type scoreConfig struct {
	average      Average
	posLabel     int
	zeroDivision float64
	warn         bool
}

// ScoreOption configures PrecisionScore, RecallScore and F1Score.
type ScoreOption func(*scoreConfig)

// WithAverage sets the averaging strategy. Default is AverageMacro.
func WithAverage(a Average) ScoreOption {
	return func(c *scoreConfig) { c.average = a }
}

// WithPosLabel sets the positive class for AverageBinary. Default is 1.
func WithPosLabel(label int) ScoreOption {
	return func(c *scoreConfig) { c.posLabel = label }
}

// WithZeroDivision sets the value used when a per-class denominator is zero
// and silences the UndefinedMetricWarning. Without it the value is 0 and a
// warning is raised through errors.Warn.
func WithZeroDivision(v float64) ScoreOption {
	return func(c *scoreConfig) {
		c.zeroDivision = v
		c.warn = false
	}
}

func newScoreConfig(opts []ScoreOption) scoreConfig {
	cfg := scoreConfig{average: AverageMacro, posLabel: 1, warn: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Accuracy は正解率（完全一致したラベルの割合）を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	if yTrue == nil || yPred == nil || yTrue.Len() == 0 {
		return 0, errors.NewValueError("Accuracy", "empty vector")
	}
	n := yTrue.Len()
	if yPred.Len() != n {
		return 0, errors.NewDimensionError("Accuracy", n, yPred.Len(), 0)
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// ClassificationError は誤分類率（1 - Accuracy）を計算する
func ClassificationError(yTrue, yPred *mat.VecDense) (float64, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return 1 - acc, nil
}

// AccuracyScore は n×1 行列のラベル列に対して正解率を計算する
func AccuracyScore(yTrue, yPred mat.Matrix) (float64, error) {
	t, p, err := toLabels("AccuracyScore", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i := range t {
		if t[i] == p[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(t)), nil
}

// toLabels validates two column vectors of equal length and converts them to ints.
func toLabels(op string, yTrue, yPred mat.Matrix) ([]int, []int, error) {
	if yTrue == nil || yPred == nil {
		return nil, nil, errors.NewValueError(op, "empty matrix")
	}
	rTrue, cTrue := yTrue.Dims()
	rPred, cPred := yPred.Dims()
	if rTrue == 0 {
		return nil, nil, errors.NewValueError(op, "empty matrix")
	}
	if cTrue != 1 || cPred != 1 {
		return nil, nil, errors.NewValueError(op, "must be a column vector (n×1 matrix)")
	}
	if rTrue != rPred {
		return nil, nil, errors.NewDimensionError(op, rTrue, rPred, 0)
	}
	t := make([]int, rTrue)
	p := make([]int, rPred)
	for i := 0; i < rTrue; i++ {
		t[i] = int(yTrue.At(i, 0))
		p[i] = int(yPred.At(i, 0))
	}
	return t, p, nil
}

// unionLabels returns the sorted set of labels present in either vector.
func unionLabels(t, p []int) []int {
	seen := make(map[int]struct{}, 8)
	for _, v := range t {
		seen[v] = struct{}{}
	}
	for _, v := range p {
		seen[v] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ConfusionMatrix returns C where C[i][j] counts samples of true class
// labels[i] predicted as labels[j]. labels is the sorted union of both inputs.
func ConfusionMatrix(yTrue, yPred mat.Matrix) (*mat.Dense, []int, error) {
	t, p, err := toLabels("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return nil, nil, err
	}
	labels := unionLabels(t, p)
	index := make(map[int]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	cm := mat.NewDense(len(labels), len(labels), nil)
	for i := range t {
		r, c := index[t[i]], index[p[i]]
		cm.Set(r, c, cm.At(r, c)+1)
	}
	return cm, labels, nil
}

// classCounts holds per-label true positives, predicted positives and support.
type classCounts struct {
	labels  []int
	tp      []float64
	predPos []float64
	support []float64
}

func countClasses(op string, yTrue, yPred mat.Matrix) (*classCounts, error) {
	cm, labels, err := ConfusionMatrix(yTrue, yPred)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	k := len(labels)
	cc := &classCounts{
		labels:  labels,
		tp:      make([]float64, k),
		predPos: make([]float64, k),
		support: make([]float64, k),
	}
	for i := 0; i < k; i++ {
		cc.tp[i] = cm.At(i, i)
		cc.predPos[i] = floats.Sum(mat.Col(nil, i, cm))
		cc.support[i] = floats.Sum(mat.Row(nil, i, cm))
	}
	return cc, nil
}

// ratio computes num/den per class, substituting zeroDivision where den is 0.
func (cfg scoreConfig) ratio(metric, condition string, labels []int, num, den []float64) []float64 {
	out := make([]float64, len(num))
	var undefined []int
	for i := range num {
		if den[i] == 0 {
			out[i] = cfg.zeroDivision
			undefined = append(undefined, labels[i])
			continue
		}
		out[i] = num[i] / den[i]
	}
	if len(undefined) > 0 && cfg.warn {
		errors.Warn(errors.NewUndefinedMetricWarning(metric,
			fmt.Sprintf("%s in labels %v", condition, undefined), cfg.zeroDivision))
	}
	return out
}

func (cfg scoreConfig) combine(cc *classCounts, perClass []float64, microNum, microDen float64) (float64, error) {
	switch cfg.average {
	case AverageMacro:
		return floats.Sum(perClass) / float64(len(perClass)), nil
	case AverageWeighted:
		total := floats.Sum(cc.support)
		if total == 0 {
			return cfg.zeroDivision, nil
		}
		return floats.Dot(perClass, cc.support) / total, nil
	case AverageMicro:
		return errors.SafeDivide(microNum, microDen, cfg.zeroDivision), nil
	case AverageBinary:
		if len(cc.labels) > 2 {
			return 0, errors.NewValidationError("average", "binary averaging needs at most two labels", cc.labels)
		}
		for i, l := range cc.labels {
			if l == cfg.posLabel {
				return perClass[i], nil
			}
		}
		return cfg.zeroDivision, nil
	default:
		return 0, errors.NewValidationError("average", "must be macro, micro, weighted or binary", string(cfg.average))
	}
}

// PrecisionScore は適合率 TP / (TP + FP) を計算する。
// デフォルトはマクロ平均で、予測が一件もないクラスの適合率は 0 として扱う。
func PrecisionScore(yTrue, yPred mat.Matrix, opts ...ScoreOption) (float64, error) {
	cfg := newScoreConfig(opts)
	cc, err := countClasses("PrecisionScore", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	perClass := cfg.ratio("precision", "no predicted samples", cc.labels, cc.tp, cc.predPos)
	return cfg.combine(cc, perClass, floats.Sum(cc.tp), floats.Sum(cc.predPos))
}

// RecallScore は再現率 TP / (TP + FN) を計算する
func RecallScore(yTrue, yPred mat.Matrix, opts ...ScoreOption) (float64, error) {
	cfg := newScoreConfig(opts)
	cc, err := countClasses("RecallScore", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	perClass := cfg.ratio("recall", "no true samples", cc.labels, cc.tp, cc.support)
	return cfg.combine(cc, perClass, floats.Sum(cc.tp), floats.Sum(cc.support))
}

// F1Score は適合率と再現率の調和平均を計算する
func F1Score(yTrue, yPred mat.Matrix, opts ...ScoreOption) (float64, error) {
	cfg := newScoreConfig(opts)
	cc, err := countClasses("F1Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	quiet := cfg
	quiet.warn = false
	precision := quiet.ratio("precision", "no predicted samples", cc.labels, cc.tp, cc.predPos)
	recall := quiet.ratio("recall", "no true samples", cc.labels, cc.tp, cc.support)

	f1 := make([]float64, len(precision))
	for i := range f1 {
		f1[i] = errors.SafeDivide(2*precision[i]*recall[i], precision[i]+recall[i], 0)
	}
	// micro F1 equals micro precision for single-label problems
	return cfg.combine(cc, f1, floats.Sum(cc.tp), floats.Sum(cc.predPos))
}
