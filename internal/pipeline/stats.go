package pipeline

import (
	"fmt"
	"math"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// statisticType is the dtype produced by Normalize and Standardize. Float
// arrays keep their precision; integer arrays are promoted to Float64.
func statisticType(t imaging.ElementType) imaging.ElementType {
	if t.IsFloat() {
		return t
	}
	return imaging.Float64
}

func checkFinite(op string, data []float64) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s of an empty array", imaging.ErrDegenerateRange, op)
	}
	if floats.HasNaN(data) {
		return fmt.Errorf("%w: %s input contains NaN", imaging.ErrDegenerateRange, op)
	}
	for _, v := range data {
		if math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s input contains an infinite sample", imaging.ErrDegenerateRange, op)
		}
	}
	return nil
}

func normalize(a *imaging.Array) (*imaging.Array, error) {
	data := a.Data()
	if err := checkFinite("normalize", data); err != nil {
		return nil, err
	}

	lo, hi := floats.Min(data), floats.Max(data)
	if hi == lo {
		return nil, fmt.Errorf("%w: normalize of a constant array (all samples %g)", imaging.ErrDegenerateRange, lo)
	}

	span := hi - lo
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = (v - lo) / span
	}
	return a.WithData(statisticType(a.DType()), out), nil
}

func standardize(a *imaging.Array) (*imaging.Array, error) {
	data := a.Data()
	if err := checkFinite("standardize", data); err != nil {
		return nil, err
	}

	mean, variance := stat.PopMeanVariance(data, nil)
	std := math.Sqrt(variance)
	if std == 0 || math.IsNaN(std) {
		return nil, fmt.Errorf("%w: standardize of an array with zero deviation (mean %g)", imaging.ErrDegenerateRange, mean)
	}

	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = (v - mean) / std
	}
	return a.WithData(statisticType(a.DType()), out), nil
}

// affine computes x*scale + offset for every sample.
func affine(a *imaging.Array, scale, offset float64) *imaging.Array {
	data := a.Data()
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = v*scale + offset
	}
	return a.WithData(statisticType(a.DType()), out)
}
