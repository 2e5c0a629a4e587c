package pipeline

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dunamismax/pixelprep/internal/imaging"
)

type stepClass int

const (
	classMode stepClass = iota + 1
	classGeometry
	classStatistic
	classInverse
	classCast
)

// Transform is one pure step of a Pipeline. The set of transforms is closed:
// ToMode, Resize, Rotate, Grayscale, Normalize, Standardize, Cast,
// Denormalize and Destandardize.
type Transform interface {
	Name() string
	Validate() error
	Apply(Value) (Value, error)
	class() stepClass
}

// ToMode converts a grid to another color mode. Arrays are reinterpreted
// through their trailing dimension first.
type ToMode struct {
	Mode imaging.ColorMode
}

func (t ToMode) Name() string { return "to_mode(" + t.Mode.String() + ")" }

func (t ToMode) class() stepClass { return classMode }

func (t ToMode) Validate() error {
	if !t.Mode.Valid() {
		return fmt.Errorf("%w: invalid color mode %d", imaging.ErrConfiguration, int(t.Mode))
	}
	return nil
}

func (t ToMode) Apply(v Value) (Value, error) {
	if a, ok := v.Array(); ok {
		if _, err := imaging.ModeForArray(a); err != nil {
			return Value{}, err
		}
	}
	g, err := v.asGrid(t.Name())
	if err != nil {
		return Value{}, err
	}
	out, err := g.Convert(t.Mode)
	if err != nil {
		return Value{}, err
	}
	return GridValue(out), nil
}

// Resize scales a grid to exactly Width x Height regardless of aspect ratio.
type Resize struct {
	Width         int
	Height        int
	Interpolation Interpolation
}

func (t Resize) Name() string {
	return fmt.Sprintf("resize(%dx%d,%s)", t.Width, t.Height, t.Interpolation)
}

func (t Resize) class() stepClass { return classGeometry }

func (t Resize) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("%w: resize target %dx%d must be positive", imaging.ErrConfiguration, t.Width, t.Height)
	}
	if !t.Interpolation.Valid() {
		return fmt.Errorf("%w: invalid interpolation %d", imaging.ErrConfiguration, int(t.Interpolation))
	}
	return nil
}

func (t Resize) Apply(v Value) (Value, error) {
	g, err := v.asGrid(t.Name())
	if err != nil {
		return Value{}, err
	}
	return GridValue(resizeGrid(g, t.Width, t.Height, t.Interpolation)), nil
}

// Rotate turns a grid counter-clockwise by Angle degrees about its centre.
// The canvas keeps the input size; corners exposed by the rotation are
// zero, which is black and, in alpha modes, fully transparent. Sampling is
// nearest-neighbour.
type Rotate struct {
	Angle float64
}

func (t Rotate) Name() string {
	return "rotate(" + strconv.FormatFloat(t.Angle, 'g', -1, 64) + ")"
}

func (t Rotate) class() stepClass { return classGeometry }

func (t Rotate) Validate() error {
	if math.IsNaN(t.Angle) || math.IsInf(t.Angle, 0) {
		return fmt.Errorf("%w: rotation angle must be finite", imaging.ErrConfiguration)
	}
	return nil
}

func (t Rotate) Apply(v Value) (Value, error) {
	g, err := v.asGrid(t.Name())
	if err != nil {
		return Value{}, err
	}
	return GridValue(rotateGrid(g, t.Angle)), nil
}

// Grayscale reduces a grid to luma and replicates it into Channels
// channels (1, 3 or 4). With 4 channels an existing alpha is kept.
type Grayscale struct {
	Channels int
}

func (t Grayscale) Name() string { return "grayscale(" + strconv.Itoa(t.Channels) + ")" }

func (t Grayscale) class() stepClass { return classMode }

func (t Grayscale) Validate() error {
	switch t.Channels {
	case 1, 3, 4:
		return nil
	default:
		return fmt.Errorf("%w: grayscale supports 1, 3 or 4 output channels, got %d", imaging.ErrInvalidChannelRequest, t.Channels)
	}
}

func (t Grayscale) Apply(v Value) (Value, error) {
	if err := t.Validate(); err != nil {
		return Value{}, err
	}
	g, err := v.asGrid(t.Name())
	if err != nil {
		return Value{}, err
	}

	gray := imaging.ModeL
	if t.Channels == 4 && g.Mode.HasAlpha() {
		gray = imaging.ModeLA
	}
	out, err := g.Convert(gray)
	if err != nil {
		return Value{}, err
	}

	switch t.Channels {
	case 3:
		out, err = out.Convert(imaging.ModeRGB)
	case 4:
		out, err = out.Convert(imaging.ModeRGBA)
	}
	if err != nil {
		return Value{}, err
	}
	return GridValue(out), nil
}

// Normalize rescales all samples onto [0, 1] with (x-min)/(max-min).
type Normalize struct{}

func (Normalize) Name() string { return "normalize" }

func (Normalize) class() stepClass { return classStatistic }

func (Normalize) Validate() error { return nil }

func (t Normalize) Apply(v Value) (Value, error) {
	a := v.AsArray()
	if a == nil {
		return Value{}, fmt.Errorf("%w: normalize got an empty value", imaging.ErrTypeMismatch)
	}
	out, err := normalize(a)
	if err != nil {
		return Value{}, err
	}
	return ArrayValue(out), nil
}

// Standardize rescales all samples with (x-mean)/std, using the population
// standard deviation.
type Standardize struct{}

func (Standardize) Name() string { return "standardize" }

func (Standardize) class() stepClass { return classStatistic }

func (Standardize) Validate() error { return nil }

func (t Standardize) Apply(v Value) (Value, error) {
	a := v.AsArray()
	if a == nil {
		return Value{}, fmt.Errorf("%w: standardize got an empty value", imaging.ErrTypeMismatch)
	}
	out, err := standardize(a)
	if err != nil {
		return Value{}, err
	}
	return ArrayValue(out), nil
}

// Denormalize maps [0, 1] back onto [Low, High].
type Denormalize struct {
	Low  float64
	High float64
}

func (t Denormalize) Name() string {
	return fmt.Sprintf("denormalize(%g,%g)", t.Low, t.High)
}

func (t Denormalize) class() stepClass { return classInverse }

func (t Denormalize) Validate() error {
	if !finite(t.Low) || !finite(t.High) || t.High <= t.Low {
		return fmt.Errorf("%w: denormalize range [%g, %g] must be finite and increasing", imaging.ErrConfiguration, t.Low, t.High)
	}
	return nil
}

func (t Denormalize) Apply(v Value) (Value, error) {
	a := v.AsArray()
	if a == nil {
		return Value{}, fmt.Errorf("%w: denormalize got an empty value", imaging.ErrTypeMismatch)
	}
	return ArrayValue(affine(a, t.High-t.Low, t.Low)), nil
}

// Destandardize undoes Standardize with x*Std + Mean.
type Destandardize struct {
	Mean float64
	Std  float64
}

func (t Destandardize) Name() string {
	return fmt.Sprintf("destandardize(%g,%g)", t.Mean, t.Std)
}

func (t Destandardize) class() stepClass { return classInverse }

func (t Destandardize) Validate() error {
	if !finite(t.Mean) || !finite(t.Std) || t.Std <= 0 {
		return fmt.Errorf("%w: destandardize needs a finite mean and a positive std, got %g and %g", imaging.ErrConfiguration, t.Mean, t.Std)
	}
	return nil
}

func (t Destandardize) Apply(v Value) (Value, error) {
	a := v.AsArray()
	if a == nil {
		return Value{}, fmt.Errorf("%w: destandardize got an empty value", imaging.ErrTypeMismatch)
	}
	return ArrayValue(affine(a, t.Std, t.Mean)), nil
}

// Cast converts samples to Type. Grids are flattened first.
type Cast struct {
	Type imaging.ElementType
}

func (t Cast) Name() string { return "cast(" + t.Type.String() + ")" }

func (t Cast) class() stepClass { return classCast }

func (t Cast) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: invalid element type %d", imaging.ErrConfiguration, int(t.Type))
	}
	return nil
}

func (t Cast) Apply(v Value) (Value, error) {
	a := v.AsArray()
	if a == nil {
		return Value{}, fmt.Errorf("%w: cast got an empty value", imaging.ErrTypeMismatch)
	}
	out, err := imaging.Cast(a, t.Type)
	if err != nil {
		return Value{}, err
	}
	return ArrayValue(out), nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
