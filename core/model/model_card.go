package model

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// ModelCardFileName is the descriptor written next to a persisted model.
const ModelCardFileName = "MLmodel"

// GobFlavor is the flavor key under which gob-encoded models are described.
const GobFlavor = "go_gob"

// Flavor は保存形式ごとのモデル記述
type Flavor struct {
	// ModelType はモデルの種類（RandomForestClassifier 等）
	ModelType string `yaml:"model_type"`

	// Data はモデルディレクトリ内のデータファイル名
	Data string `yaml:"data"`

	// GoVersion はモデルを書き出したランタイムのバージョン
	GoVersion string `yaml:"go_version"`

	// Params はモデルのハイパーパラメータ
	Params map[string]interface{} `yaml:"params,omitempty"`

	NFeatures int   `yaml:"n_features,omitempty"`
	Classes   []int `yaml:"classes,omitempty"`
}

// ModelCard はモデルディレクトリに置かれる YAML 記述子（MLmodel 互換の形）
type ModelCard struct {
	ArtifactPath   string            `yaml:"artifact_path"`
	RunID          string            `yaml:"run_id,omitempty"`
	ModelUUID      string            `yaml:"model_uuid"`
	UTCTimeCreated string            `yaml:"utc_time_created"`
	Flavors        map[string]Flavor `yaml:"flavors"`
}

// NewModelCard describes m as a gob-encoded model stored in dataFile.
// Hyperparameters, feature count and classes are filled in when m exposes them.
func NewModelCard(m interface{}, artifactPath, runID, dataFile string) *ModelCard {
	flavor := Flavor{
		ModelType: modelTypeName(m),
		Data:      dataFile,
		GoVersion: runtime.Version(),
	}
	if pg, ok := m.(ParameterGetter); ok {
		flavor.Params = pg.GetParams()
	}
	if sr, ok := m.(StateReporter); ok {
		flavor.NFeatures = sr.GetState().NFeatures
	}
	if c, ok := m.(Classifier); ok {
		flavor.Classes = c.Classes()
	}
	return &ModelCard{
		ArtifactPath:   artifactPath,
		RunID:          runID,
		ModelUUID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
		Flavors:        map[string]Flavor{GobFlavor: flavor},
	}
}

func modelTypeName(m interface{}) string {
	name := fmt.Sprintf("%T", m)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Validate はModelCardの妥当性を検証
func (mc *ModelCard) Validate() error {
	if mc.ArtifactPath == "" {
		return errors.NewValidationError("artifact_path", "is required", mc.ArtifactPath)
	}
	if len(mc.Flavors) == 0 {
		return errors.NewValidationError("flavors", "at least one flavor is required", nil)
	}
	for key, f := range mc.Flavors {
		if f.ModelType == "" || f.Data == "" {
			return errors.NewValidationError("flavors."+key, "model_type and data are required", f)
		}
	}
	return nil
}

// WriteFile はModelCardを dir/MLmodel に書き出す
func (mc *ModelCard) WriteFile(dir string) error {
	if err := mc.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(mc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal model card")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ModelCardFileName), data, 0o644), "failed to write model card")
}

// ReadModelCard は dir/MLmodel を読み込む
func ReadModelCard(dir string) (*ModelCard, error) {
	data, err := os.ReadFile(filepath.Join(dir, ModelCardFileName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model card")
	}
	var mc ModelCard
	if err := yaml.Unmarshal(data, &mc); err != nil {
		return nil, errors.Wrap(err, "failed to parse model card")
	}
	return &mc, mc.Validate()
}

// SaveModelDir persists m as dir/model.gob plus its MLmodel descriptor and
// returns the card that was written.
func SaveModelDir(m interface{}, dir, artifactPath, runID string) (*ModelCard, error) {
	const dataFile = "model.gob"
	if err := SaveModel(m, filepath.Join(dir, dataFile)); err != nil {
		return nil, err
	}
	card := NewModelCard(m, artifactPath, runID, dataFile)
	if err := card.WriteFile(dir); err != nil {
		return nil, err
	}
	return card, nil
}

// LoadModelDir decodes the gob data referenced by dir/MLmodel into m.
func LoadModelDir(m interface{}, dir string) (*ModelCard, error) {
	card, err := ReadModelCard(dir)
	if err != nil {
		return nil, err
	}
	f, ok := card.Flavors[GobFlavor]
	if !ok {
		return nil, errors.NewValueError("LoadModelDir", fmt.Sprintf("model card in %s has no %s flavor", dir, GobFlavor))
	}
	if err := LoadModel(m, filepath.Join(dir, f.Data)); err != nil {
		return nil, err
	}
	return card, nil
}
