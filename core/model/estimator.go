package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う（n×1 のラベル列）
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// WeightedFitter はサンプル重み付きで学習できるモデルのインターフェース。
// ブートストラップの復元抽出回数を重みとして渡すために使う。
type WeightedFitter interface {
	FitWeighted(X, y mat.Matrix, sampleWeight []float64) error
}
