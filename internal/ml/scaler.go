package ml

import (
	"errors"
	"fmt"
	"sort"
)

var ErrDegenerateInput = errors.New("degenerate training input")

// RobustScaler centres on the median and scales by the interquartile range.
type RobustScaler struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
	// Constant lists columns with zero IQR; they use scale 1.
	Constant []int `json:"constant,omitempty"`
}

func (s *RobustScaler) Fit(X [][]float64) error {
	if len(X) < 2 {
		return fmt.Errorf("%w: need at least 2 samples, got %d", ErrDegenerateInput, len(X))
	}
	d := len(X[0])
	if d == 0 {
		return fmt.Errorf("%w: zero features", ErrDegenerateInput)
	}
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDegenerateInput, i, len(row), d)
		}
	}
	s.Center = make([]float64, d)
	s.Scale = make([]float64, d)
	s.Constant = nil
	varying := 0
	for j := 0; j < d; j++ {
		col := column(X, j)
		sort.Float64s(col)
		if col[0] != col[len(col)-1] {
			varying++
		}
		s.Center[j] = percentileSorted(col, 50)
		iqr := percentileSorted(col, 75) - percentileSorted(col, 25)
		if iqr == 0 {
			iqr = 1
			s.Constant = append(s.Constant, j)
		}
		s.Scale[j] = iqr
	}
	if varying == 0 {
		return fmt.Errorf("%w: every feature is constant over %d samples", ErrDegenerateInput, len(X))
	}
	return nil
}

func (s *RobustScaler) Width() int { return len(s.Center) }

func (s *RobustScaler) TransformRow(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Center[j]) / s.Scale[j]
	}
	return out
}

func (s *RobustScaler) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != s.Width() {
			return nil, fmt.Errorf("scaler: row %d has %d features, fitted on %d", i, len(row), s.Width())
		}
		out[i] = s.TransformRow(row)
	}
	return out, nil
}
