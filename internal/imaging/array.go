package imaging

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// Array is a dense row-major numeric array with shape (h, w[, c]) or any
// other model tensor shape. Samples are held as float64, which represents
// every supported element type exactly.
type Array struct {
	dtype ElementType
	shape []int
	data  []float64
}

// NewArray copies shape and data. Samples are rounded to dtype.
func NewArray(dtype ElementType, shape []int, data []float64) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: invalid element type %d", ErrConfiguration, int(dtype))
	}
	n, err := shapeLen(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d samples, got %d", ErrUnsupportedShape, shape, n, len(data))
	}

	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = dtype.quantize(v)
	}
	return &Array{dtype: dtype, shape: append([]int(nil), shape...), data: out}, nil
}

// newArray takes ownership of shape and data, which must already be valid.
func newArray(dtype ElementType, shape []int, data []float64) *Array {
	return &Array{dtype: dtype, shape: shape, data: data}
}

func shapeLen(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrUnsupportedShape)
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dimension %d must be > 0, got %d", ErrUnsupportedShape, i, d)
		}
		n *= d
	}
	return n, nil
}

func (a *Array) DType() ElementType { return a.dtype }

func (a *Array) Shape() []int { return append([]int(nil), a.shape...) }

func (a *Array) Rank() int { return len(a.shape) }

func (a *Array) Len() int { return len(a.data) }

// Data returns the backing samples. Callers must not modify them.
func (a *Array) Data() []float64 { return a.data }

// WithData returns an array of the same shape holding data rounded to dtype.
// data is owned by the result.
func (a *Array) WithData(dtype ElementType, data []float64) *Array {
	for i, v := range data {
		data[i] = dtype.quantize(v)
	}
	return newArray(dtype, append([]int(nil), a.shape...), data)
}

// Cast converts every sample to t. Narrow integer targets saturate.
func Cast(a *Array, t ElementType) (*Array, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: invalid element type %d", ErrConfiguration, int(t))
	}
	return a.WithData(t, append([]float64(nil), a.data...)), nil
}

func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.dtype != b.dtype || len(a.shape) != len(b.shape) || len(a.data) != len(b.data) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	for i := range a.data {
		if math.Float64bits(a.data[i]) != math.Float64bits(b.data[i]) {
			return false
		}
	}
	return true
}

func (a *Array) Float32s() []float32 {
	out := make([]float32, len(a.data))
	for i, v := range a.data {
		out[i] = float32(v)
	}
	return out
}

func (a *Array) Float16Bits() []uint16 {
	out := make([]uint16, len(a.data))
	for i, v := range a.data {
		out[i] = toHalf(v).Bits()
	}
	return out
}

func (a *Array) Int32s() []int32 {
	out := make([]int32, len(a.data))
	for i, v := range a.data {
		out[i] = int32(Int32.quantize(v))
	}
	return out
}

func (a *Array) Uint8s() []uint8 {
	out := make([]uint8, len(a.data))
	for i, v := range a.data {
		out[i] = uint8(Uint8.quantize(v))
	}
	return out
}

// Bytes encodes the samples little-endian at the width of the array's dtype.
func (a *Array) Bytes() []byte {
	size := a.dtype.Size()
	out := make([]byte, len(a.data)*size)
	for i, v := range a.data {
		b := out[i*size : (i+1)*size]
		switch a.dtype {
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case Float16:
			binary.LittleEndian.PutUint16(b, toHalf(v).Bits())
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		case Uint8:
			b[0] = uint8(v)
		}
	}
	return out
}

// ArrayFromBytes is the inverse of Bytes.
func ArrayFromBytes(dtype ElementType, shape []int, raw []byte) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: invalid element type %d", ErrConfiguration, int(dtype))
	}
	n, err := shapeLen(shape)
	if err != nil {
		return nil, err
	}
	size := dtype.Size()
	if len(raw) != n*size {
		return nil, fmt.Errorf("%w: shape %v of %s needs %d bytes, got %d", ErrUnsupportedShape, shape, dtype, n*size, len(raw))
	}

	data := make([]float64, n)
	for i := range data {
		b := raw[i*size : (i+1)*size]
		switch dtype {
		case Float64:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case Float32:
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float16:
			data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case Int32:
			data[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint8:
			data[i] = float64(b[0])
		}
	}
	return newArray(dtype, append([]int(nil), shape...), data), nil
}

// FormatShape renders a shape as "h,w[,c]".
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func ParseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty shape", ErrUnsupportedShape)
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid dimension %q", ErrUnsupportedShape, p)
		}
		shape[i] = d
	}
	if _, err := shapeLen(shape); err != nil {
		return nil, err
	}
	return shape, nil
}
