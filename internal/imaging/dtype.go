package imaging

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

type ElementType int

const (
	Float32 ElementType = iota + 1
	Float64
	Float16
	Int32
	Uint8
)

// elementTypeNames is never mutated after package init. The legacy names
// single, double, half and int are accepted alongside the Go names.
var elementTypeNames = map[string]ElementType{
	"float32": Float32,
	"single":  Float32,
	"float64": Float64,
	"double":  Float64,
	"float16": Float16,
	"half":    Float16,
	"int32":   Int32,
	"int":     Int32,
	"uint8":   Uint8,
}

func ParseElementType(s string) (ElementType, error) {
	t, ok := elementTypeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown element type %q", ErrConfiguration, s)
	}
	return t, nil
}

func (t ElementType) Valid() bool {
	return t.Size() > 0
}

// Size returns the width of one sample in bytes.
func (t ElementType) Size() int {
	switch t {
	case Float64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	default:
		return 0
	}
}

func (t ElementType) IsFloat() bool {
	return t == Float32 || t == Float64 || t == Float16
}

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("ElementType(%d)", int(t))
	}
}

// quantize maps v to the nearest value representable by t. Integer targets
// truncate toward zero and saturate at their bounds; NaN becomes zero.
func (t ElementType) quantize(v float64) float64 {
	switch t {
	case Float64:
		return v
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(toHalf(v).Float32())
	case Int32:
		return saturate(v, math.MinInt32, math.MaxInt32)
	case Uint8:
		return saturate(v, 0, math.MaxUint8)
	default:
		panic(fmt.Sprintf("imaging: quantize with invalid element type %d", int(t)))
	}
}

// toHalf rounds v to the nearest float16 once. The hop through float32
// rounds to odd, so the float16 step cannot land on a false tie.
func toHalf(v float64) float16.Float16 {
	f := float32(v)
	exact := float64(f) == v
	if !exact && !math.IsNaN(v) && !math.IsInf(float64(f), 0) && math.Float32bits(f)&1 == 0 {
		toward := float32(math.Inf(1))
		if v < float64(f) {
			toward = float32(math.Inf(-1))
		}
		f = math.Nextafter32(f, toward)
	}
	return float16.Fromfloat32(f)
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Trunc(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
