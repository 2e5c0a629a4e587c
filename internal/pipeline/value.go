package pipeline

import (
	"fmt"

	"github.com/dunamismax/pixelprep/internal/imaging"
)

// Value is what flows between transforms: exactly one of a pixel grid or a
// numeric array.
type Value struct {
	grid  *imaging.Grid
	array *imaging.Array
}

func GridValue(g *imaging.Grid) Value { return Value{grid: g} }

func ArrayValue(a *imaging.Array) Value { return Value{array: a} }

func (v Value) IsZero() bool { return v.grid == nil && v.array == nil }

func (v Value) Grid() (*imaging.Grid, bool) { return v.grid, v.grid != nil }

func (v Value) Array() (*imaging.Array, bool) { return v.array, v.array != nil }

func (v Value) Kind() string {
	switch {
	case v.grid != nil:
		return "grid"
	case v.array != nil:
		return "array"
	default:
		return "empty"
	}
}

func (v Value) Shape() []int {
	switch {
	case v.grid != nil:
		return v.grid.Shape()
	case v.array != nil:
		return v.array.Shape()
	default:
		return nil
	}
}

// AsArray flattens a grid into a Uint8 array; arrays are returned as is.
func (v Value) AsArray() *imaging.Array {
	if v.array != nil {
		return v.array
	}
	if v.grid != nil {
		return v.grid.ToArray()
	}
	return nil
}

// asGrid rebuilds a grid from an array when every sample is an exact 8-bit
// pixel value.
func (v Value) asGrid(op string) (*imaging.Grid, error) {
	if v.grid != nil {
		return v.grid, nil
	}
	if v.array == nil {
		return nil, fmt.Errorf("%w: %s got an empty value", imaging.ErrTypeMismatch, op)
	}
	g, err := imaging.GridFromArray(v.array, imaging.PolicyExact)
	if err != nil {
		return nil, fmt.Errorf("%w: %s needs a pixel grid, %s array %v cannot be one: %v",
			imaging.ErrTypeMismatch, op, v.array.DType(), v.array.Shape(), err)
	}
	return g, nil
}
