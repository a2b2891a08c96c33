package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/forestops/pkg/errors"
)

// SaveModel はモデルをファイルに保存する
//
// パラメータ:
//   - model: 保存するモデル（StateManagerを持つ構造体のポインタ）
//   - filename: 保存先のファイルパス（親ディレクトリは作成される）
//
// 戻り値:
//   - error: 保存に失敗した場合のエラー
//
// 使用例:
//
//	rf := ensemble.NewRandomForestClassifier()
//	// ... モデルの学習 ...
//	err := model.SaveModel(rf, "model/model.gob")
func SaveModel(model interface{}, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", filename)
	}
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer file.Close()

	if err := SaveModelToWriter(model, file); err != nil {
		return err
	}
	return errors.Wrap(file.Sync(), "failed to sync model file")
}

// LoadModel はファイルからモデルを読み込む
//
// 使用例:
//
//	var rf ensemble.RandomForestClassifier
//	err := model.LoadModel(&rf, "model/model.gob")
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return LoadModelFromReader(model, file)
}

// SaveModelToWriter はモデルをio.Writerに保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(model); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadModelFromReader はio.Readerからモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
