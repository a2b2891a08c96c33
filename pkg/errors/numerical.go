package errors

import (
	"fmt"
	"math"
)

// CheckMatrix returns a ValueError when the matrix holds NaN or Inf.
// Trees split on ordered thresholds, so non-finite inputs would silently
// route every sample to one side.
func CheckMatrix(operation string, matrix interface{ At(int, int) float64 }, rows, cols int) error {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := matrix.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return NewValueError(operation,
					fmt.Sprintf("input contains non-finite value %v at (%d, %d)", v, i, j))
			}
		}
	}
	return nil
}

// SafeDivide performs division with protection against division by zero.
// Returns fallback if denominator is zero.
func SafeDivide(numerator, denominator, fallback float64) float64 {
	if denominator == 0 {
		return fallback
	}
	return numerator / denominator
}
