package tree

import (
	"bytes"
	"encoding/gob"

	"github.com/YuminosukeSato/forestops/core/model"
	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// treeSnapshot is the exported mirror of DecisionTreeClassifier used for gob.
type treeSnapshot struct {
	State           *model.StateManager
	Criterion       string
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     string
	RandomState     int64
	Classes         []int
	NFeatures       int
	Nodes           []Node
	Importances     []float64
}

// GobEncode implements gob.GobEncoder.
func (dt *DecisionTreeClassifier) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(treeSnapshot{
		State:           dt.state,
		Criterion:       dt.criterion,
		MaxDepth:        dt.maxDepth,
		MinSamplesSplit: dt.minSamplesSplit,
		MinSamplesLeaf:  dt.minSamplesLeaf,
		MaxFeatures:     dt.maxFeatures,
		RandomState:     dt.randomState,
		Classes:         dt.classes,
		NFeatures:       dt.nFeatures,
		Nodes:           dt.nodes,
		Importances:     dt.importances,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode DecisionTreeClassifier")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (dt *DecisionTreeClassifier) GobDecode(data []byte) error {
	var s treeSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode DecisionTreeClassifier")
	}
	if s.State == nil {
		s.State = model.NewStateManager()
	}
	*dt = DecisionTreeClassifier{
		state:           s.State,
		criterion:       s.Criterion,
		maxDepth:        s.MaxDepth,
		minSamplesSplit: s.MinSamplesSplit,
		minSamplesLeaf:  s.MinSamplesLeaf,
		maxFeatures:     s.MaxFeatures,
		randomState:     s.RandomState,
		classes:         s.Classes,
		nClasses_:       len(s.Classes),
		nFeatures:       s.NFeatures,
		nodes:           s.Nodes,
		importances:     s.Importances,
	}
	return nil
}
