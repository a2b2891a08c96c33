package ensemble

import (
	"bytes"
	"encoding/gob"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
	"github.com/YuminosukeSato/forestops/sklearn/tree"
)

type forestSnapshot struct {
	State           *model.StateManager
	NEstimators     int
	RandomState     int64
	NJobs           int
	MaxFeatures     string
	Bootstrap       bool
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	Estimators      []*tree.DecisionTreeClassifier
	Classes         []int
	NFeatures       int
	Importances     []float64
}

// GobEncode implements gob.GobEncoder.
func (rf *RandomForestClassifier) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(forestSnapshot{
		State:           rf.state,
		NEstimators:     rf.nEstimators,
		RandomState:     rf.randomState,
		NJobs:           rf.nJobs,
		MaxFeatures:     rf.maxFeatures,
		Bootstrap:       rf.bootstrap,
		Criterion:       rf.criterion,
		MaxDepth:        rf.maxDepth,
		MinSamplesSplit: rf.minSamplesSplit,
		MinSamplesLeaf:  rf.minSamplesLeaf,
		Estimators:      rf.estimators,
		Classes:         rf.classes,
		NFeatures:       rf.nFeatures,
		Importances:     rf.importances,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode "+modelName)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (rf *RandomForestClassifier) GobDecode(data []byte) error {
	var s forestSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode "+modelName)
	}
	if s.State == nil {
		s.State = model.NewStateManager()
	}
	*rf = RandomForestClassifier{
		state:           s.State,
		nEstimators:     s.NEstimators,
		randomState:     s.RandomState,
		nJobs:           s.NJobs,
		maxFeatures:     s.MaxFeatures,
		bootstrap:       s.Bootstrap,
		criterion:       s.Criterion,
		maxDepth:        s.MaxDepth,
		minSamplesSplit: s.MinSamplesSplit,
		minSamplesLeaf:  s.MinSamplesLeaf,
		estimators:      s.Estimators,
		classes:         s.Classes,
		nFeatures:       s.NFeatures,
		importances:     s.Importances,
	}
	return nil
}
