package processor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/pipeline"
)

// Size is a width/height pair. A zero component leaves that dimension
// unconstrained.
type Size struct {
	Width  int
	Height int
}

func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Range is the closed interval Denormalize maps [0, 1] onto.
type Range struct {
	Low  float64
	High float64
}

// DefaultDenormalizeRange is used when PostprocessConfig.DenormalizeRange is
// left zero.
var DefaultDenormalizeRange = Range{Low: 0, High: 255}

type PreprocessConfig struct {
	Grayscale        bool
	KeepAlphaChannel bool
	Normalize        bool
	Standardize      bool
	RotateAngle      *float64
	ResizeShape      *Size
	Interpolation    pipeline.Interpolation
	ElementType      *imaging.ElementType
	ErrorMinSize     Size
	ErrorMaxSize     Size
	ResizeMinSize    Size
	ResizeMaxSize    Size
	Verbose          bool
}

// Mode is the canonical color mode inputs are decoded to. Grayscale wins
// over KeepAlphaChannel.
func (c PreprocessConfig) Mode() imaging.ColorMode {
	switch {
	case c.Grayscale:
		return imaging.ModeL
	case c.KeepAlphaChannel:
		return imaging.ModeRGBA
	default:
		return imaging.ModeRGB
	}
}

func (c PreprocessConfig) Validate() error {
	if c.Normalize && c.Standardize {
		return fmt.Errorf("%w: normalize and standardize are mutually exclusive", imaging.ErrConfiguration)
	}
	for _, b := range []struct {
		name     string
		min, max Size
	}{
		{"error", c.ErrorMinSize, c.ErrorMaxSize},
		{"resize", c.ResizeMinSize, c.ResizeMaxSize},
	} {
		if err := validateBounds(b.name, b.min, b.max); err != nil {
			return err
		}
	}
	if c.ResizeShape != nil && (c.ResizeShape.Width <= 0 || c.ResizeShape.Height <= 0) {
		return fmt.Errorf("%w: resize shape %s must be positive", imaging.ErrConfiguration, c.ResizeShape)
	}
	if c.RotateAngle != nil && (math.IsNaN(*c.RotateAngle) || math.IsInf(*c.RotateAngle, 0)) {
		return fmt.Errorf("%w: rotate angle must be finite", imaging.ErrConfiguration)
	}
	if !c.Interpolation.Valid() {
		return fmt.Errorf("%w: invalid interpolation %d", imaging.ErrConfiguration, int(c.Interpolation))
	}
	if c.ElementType != nil && !c.ElementType.Valid() {
		return fmt.Errorf("%w: invalid element type %d", imaging.ErrConfiguration, int(*c.ElementType))
	}
	return nil
}

func validateBounds(name string, lo, hi Size) error {
	if lo.Width < 0 || lo.Height < 0 || hi.Width < 0 || hi.Height < 0 {
		return fmt.Errorf("%w: %s bounds %s..%s must not be negative", imaging.ErrConfiguration, name, lo, hi)
	}
	if hi.Width > 0 && lo.Width > hi.Width || hi.Height > 0 && lo.Height > hi.Height {
		return fmt.Errorf("%w: %s min size %s exceeds max size %s", imaging.ErrConfiguration, name, lo, hi)
	}
	return nil
}

type PostprocessConfig struct {
	Denormalize       bool
	Destandardize     bool
	DenormalizeRange  Range
	DestandardizeMean float64
	DestandardizeStd  float64
	RotateAngle       *float64
	ResizeShape       *Size
	Interpolation     pipeline.Interpolation
	ElementType       *imaging.ElementType
	Format            string
	Verbose           bool
}

func (c PostprocessConfig) denormalizeRange() Range {
	if c.DenormalizeRange == (Range{}) {
		return DefaultDenormalizeRange
	}
	return c.DenormalizeRange
}

func (c PostprocessConfig) Validate() error {
	if c.Denormalize && c.Destandardize {
		return fmt.Errorf("%w: denormalize and destandardize are mutually exclusive", imaging.ErrConfiguration)
	}
	if c.ResizeShape != nil && (c.ResizeShape.Width <= 0 || c.ResizeShape.Height <= 0) {
		return fmt.Errorf("%w: resize shape %s must be positive", imaging.ErrConfiguration, c.ResizeShape)
	}
	if c.ElementType != nil && !c.ElementType.Valid() {
		return fmt.Errorf("%w: invalid element type %d", imaging.ErrConfiguration, int(*c.ElementType))
	}
	if _, err := imaging.ParseFormat(c.Format); err != nil {
		return err
	}
	_, err := c.steps()
	return err
}

// steps translates the config into pipeline steps and validates them.
func (c PostprocessConfig) steps() ([]pipeline.Transform, error) {
	var steps []pipeline.Transform
	if c.RotateAngle != nil {
		steps = append(steps, pipeline.Rotate{Angle: *c.RotateAngle})
	}
	if c.ResizeShape != nil {
		steps = append(steps, pipeline.Resize{Width: c.ResizeShape.Width, Height: c.ResizeShape.Height, Interpolation: c.Interpolation})
	}
	switch {
	case c.Denormalize:
		r := c.denormalizeRange()
		steps = append(steps, pipeline.Denormalize{Low: r.Low, High: r.High})
	case c.Destandardize:
		steps = append(steps, pipeline.Destandardize{Mean: c.DestandardizeMean, Std: c.DestandardizeStd})
	}
	if c.ElementType != nil {
		steps = append(steps, pipeline.Cast{Type: *c.ElementType})
	}
	if _, err := pipeline.New(steps...); err != nil {
		return nil, err
	}
	return steps, nil
}

// ParseSize reads "WxH". Either side may be 0 to leave it unset; an empty
// string is the zero Size.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Size{}, nil
	}
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: size %q is not WxH", imaging.ErrConfiguration, s)
	}
	w, werr := strconv.Atoi(strings.TrimSpace(ws))
	h, herr := strconv.Atoi(strings.TrimSpace(hs))
	if werr != nil || herr != nil || w < 0 || h < 0 {
		return Size{}, fmt.Errorf("%w: size %q is not WxH", imaging.ErrConfiguration, s)
	}
	return Size{Width: w, Height: h}, nil
}
