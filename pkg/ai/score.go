package ai

import (
	"fmt"
	"math"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// ScoreMatrix holds one row per span (or pair) and one column per
// candidate.
type ScoreMatrix [][]float64

// Validate checks the shape of m and that every score is finite.
func (m ScoreMatrix) Validate(rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%w: got %d rows want %d", common.ErrScoring, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has %d columns want %d", common.ErrScoring, i, len(row), cols)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite score at (%d,%d)", common.ErrScoring, i, j)
			}
		}
	}
	return nil
}

// NewScoreMatrix returns a rows x cols matrix filled with fill.
func NewScoreMatrix(rows, cols int, fill float64) ScoreMatrix {
	m := make(ScoreMatrix, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = fill
		}
	}
	return m
}

const probabilityEpsilon = 1e-6

// Logit maps a probability to logit space. p is clamped away from 0 and 1
// so the result stays finite.
func Logit(p float64) float64 {
	p = min(max(p, probabilityEpsilon), 1-probabilityEpsilon)
	return math.Log(p / (1 - p))
}

// Sigmoid is the inverse of Logit.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
