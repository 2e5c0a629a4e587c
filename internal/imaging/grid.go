package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Grid is a decoded image: interleaved 8-bit samples, row-major, with
// Mode.Channels() samples per pixel.
type Grid struct {
	Mode   ColorMode
	Width  int
	Height int
	Pix    []uint8
}

func NewGrid(mode ColorMode, width, height int) *Grid {
	return &Grid{
		Mode:   mode,
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*mode.Channels()),
	}
}

func (g *Grid) Validate() error {
	if !g.Mode.Valid() {
		return fmt.Errorf("%w: grid has invalid color mode %d", ErrConfiguration, int(g.Mode))
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: grid dimensions %dx%d", ErrUnsupportedShape, g.Width, g.Height)
	}
	if want := g.Width * g.Height * g.Mode.Channels(); len(g.Pix) != want {
		return fmt.Errorf("%w: %s grid %dx%d needs %d samples, got %d", ErrUnsupportedShape, g.Mode, g.Width, g.Height, want, len(g.Pix))
	}
	return nil
}

// Shape is (h, w) for single-channel grids and (h, w, c) otherwise.
func (g *Grid) Shape() []int {
	if g.Mode == ModeL {
		return []int{g.Height, g.Width}
	}
	return []int{g.Height, g.Width, g.Mode.Channels()}
}

func (g *Grid) Clone() *Grid {
	out := *g
	out.Pix = append([]uint8(nil), g.Pix...)
	return &out
}

// Convert reinterprets the grid in another color mode. Colour to gray uses
// ITU-R 601-2 luma, gray to colour replicates, alpha is dropped or set opaque.
func (g *Grid) Convert(mode ColorMode) (*Grid, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: invalid color mode %d", ErrConfiguration, int(mode))
	}
	if mode == g.Mode {
		return g.Clone(), nil
	}

	out := NewGrid(mode, g.Width, g.Height)
	sc, dc := g.Mode.Channels(), mode.Channels()
	for i, j := 0, 0; i < len(g.Pix); i, j = i+sc, j+dc {
		r, gr, b, a := g.rgba(i)
		putRGBA(out.Pix[j:j+dc], mode, r, gr, b, a)
	}
	return out, nil
}

func (g *Grid) rgba(i int) (r, gr, b, a uint8) {
	p := g.Pix[i:]
	switch g.Mode {
	case ModeL:
		return p[0], p[0], p[0], 0xff
	case ModeLA:
		return p[0], p[0], p[0], p[1]
	case ModeRGB:
		return p[0], p[1], p[2], 0xff
	default:
		return p[0], p[1], p[2], p[3]
	}
}

func putRGBA(dst []uint8, mode ColorMode, r, g, b, a uint8) {
	switch mode {
	case ModeL:
		dst[0] = luma(r, g, b)
	case ModeLA:
		dst[0] = luma(r, g, b)
		dst[1] = a
	case ModeRGB:
		dst[0], dst[1], dst[2] = r, g, b
	default:
		dst[0], dst[1], dst[2], dst[3] = r, g, b, a
	}
}

func luma(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}

// ToArray flattens the grid into a Uint8 array.
func (g *Grid) ToArray() *Array {
	data := make([]float64, len(g.Pix))
	for i, v := range g.Pix {
		data[i] = float64(v)
	}
	return newArray(Uint8, g.Shape(), data)
}

// ArrayPolicy decides how array samples become 8-bit pixels.
type ArrayPolicy int

const (
	// PolicyExact accepts only integer samples in [0, 255].
	PolicyExact ArrayPolicy = iota
	// PolicySaturate rounds and clamps to [0, 255].
	PolicySaturate
	// PolicyStretch rescales [min, max] of the array onto [0, 255].
	PolicyStretch
)

// ModeForArray maps the trailing dimension of a to a color mode.
func ModeForArray(a *Array) (ColorMode, error) {
	switch a.Rank() {
	case 2:
		return ModeL, nil
	case 3:
		c := a.shape[2]
		mode, ok := modeForChannels(c)
		if !ok {
			return 0, fmt.Errorf("%w: %d channels in shape %v", ErrUnsupportedShape, c, a.shape)
		}
		return mode, nil
	default:
		return 0, fmt.Errorf("%w: rank %d shape %v is not an image", ErrUnsupportedShape, a.Rank(), a.shape)
	}
}

func GridFromArray(a *Array, policy ArrayPolicy) (*Grid, error) {
	mode, err := ModeForArray(a)
	if err != nil {
		return nil, err
	}

	g := NewGrid(mode, a.shape[1], a.shape[0])
	switch policy {
	case PolicyExact:
		for i, v := range a.data {
			if v < 0 || v > 255 || v != math.Trunc(v) {
				return nil, fmt.Errorf("%w: %s sample %v at index %d is not an 8-bit pixel value", ErrTypeMismatch, a.dtype, v, i)
			}
			g.Pix[i] = uint8(v)
		}
	case PolicySaturate:
		for i, v := range a.data {
			g.Pix[i] = roundByte(v)
		}
	case PolicyStretch:
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range a.data {
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		for i, v := range a.data {
			if hi <= lo {
				g.Pix[i] = roundByte(v)
				continue
			}
			g.Pix[i] = roundByte((v - lo) / (hi - lo) * 255)
		}
	default:
		panic(fmt.Sprintf("imaging: unknown array policy %d", int(policy)))
	}
	return g, nil
}

func roundByte(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}

// Image returns the grid as an image.Image: *image.Gray for L, *image.NRGBA
// for every other mode.
func (g *Grid) Image() image.Image {
	rect := image.Rect(0, 0, g.Width, g.Height)
	if g.Mode == ModeL {
		img := image.NewGray(rect)
		copy(img.Pix, g.Pix)
		return img
	}

	img := image.NewNRGBA(rect)
	c := g.Mode.Channels()
	for i, j := 0, 0; i < len(g.Pix); i, j = i+c, j+4 {
		r, gr, b, a := g.rgba(i)
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = r, gr, b, a
	}
	return img
}

// GridFromImage samples img into a grid of the given mode.
func GridFromImage(img image.Image, mode ColorMode) *Grid {
	b := img.Bounds()
	g := NewGrid(mode, b.Dx(), b.Dy())
	c := mode.Channels()

	if gray, ok := img.(*image.Gray); ok && mode == ModeL {
		for y := 0; y < g.Height; y++ {
			row := gray.Pix[gray.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(g.Pix[y*g.Width:(y+1)*g.Width], row[:g.Width])
		}
		return g
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			putRGBA(g.Pix[i:i+c], mode, px.R, px.G, px.B, px.A)
			i += c
		}
	}
	return g
}

// nativeMode picks the mode that best describes a decoded image.
func nativeMode(img image.Image) ColorMode {
	m := img.ColorModel()
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return ModeRGBA
			}
		}
		return ModeRGB
	}

	switch m {
	case color.GrayModel, color.Gray16Model:
		return ModeL
	case color.YCbCrModel, color.CMYKModel:
		return ModeRGB
	default:
		return ModeRGBA
	}
}
