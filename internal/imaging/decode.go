package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxDecodePixels bounds the canvas a byte stream may declare before any
// pixel data is allocated.
const MaxDecodePixels = 1 << 27

type inputKind int

const (
	inputBytes inputKind = iota + 1
	inputArray
	inputGrid
)

// Input is what the decoder accepts: raw encoded bytes, a numeric array or
// an already decoded grid.
type Input struct {
	kind  inputKind
	data  []byte
	array *Array
	grid  *Grid
}

func BytesInput(data []byte) Input { return Input{kind: inputBytes, data: data} }

func ArrayInput(a *Array) Input { return Input{kind: inputArray, array: a} }

func GridInput(g *Grid) Input { return Input{kind: inputGrid, grid: g} }

func (in Input) Kind() string {
	switch in.kind {
	case inputBytes:
		return "bytes"
	case inputArray:
		return "array"
	case inputGrid:
		return "grid"
	default:
		return "empty"
	}
}

// Array returns the wrapped array, if the input is one.
func (in Input) Array() (*Array, bool) {
	return in.array, in.kind == inputArray && in.array != nil
}

// Decode converts in into a grid of the target mode.
func Decode(in Input, target ColorMode) (*Grid, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: invalid target color mode %d", ErrConfiguration, int(target))
	}
	if in.kind == inputBytes {
		img, _, err := decodeBytes(in.data)
		if err != nil {
			return nil, err
		}
		return GridFromImage(img, target), nil
	}

	g, err := DecodeNative(in)
	if err != nil {
		return nil, err
	}
	return g.Convert(target)
}

// DecodeNative converts in into a grid keeping the source's own color mode.
func DecodeNative(in Input) (*Grid, error) {
	switch in.kind {
	case inputGrid:
		if in.grid == nil {
			return nil, fmt.Errorf("%w: nil grid", ErrDecode)
		}
		if err := in.grid.Validate(); err != nil {
			return nil, err
		}
		return in.grid.Clone(), nil
	case inputArray:
		if in.array == nil {
			return nil, fmt.Errorf("%w: nil array", ErrDecode)
		}
		return GridFromArray(in.array, PolicyExact)
	case inputBytes:
		img, mode, err := decodeBytes(in.data)
		if err != nil {
			return nil, err
		}
		return GridFromImage(img, mode), nil
	default:
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
}

type byteDecoder interface {
	Name() string
	Config(data []byte) (width, height int, err error)
	Decode(data []byte) (image.Image, ColorMode, error)
}

// Dimensions reports the width and height of in without decoding pixel
// data. Encoded bytes are measured from their header.
func Dimensions(in Input) (width, height int, err error) {
	switch in.kind {
	case inputGrid:
		if in.grid == nil {
			return 0, 0, fmt.Errorf("%w: nil grid", ErrDecode)
		}
		if err := in.grid.Validate(); err != nil {
			return 0, 0, err
		}
		return in.grid.Width, in.grid.Height, nil
	case inputArray:
		if in.array == nil {
			return 0, 0, fmt.Errorf("%w: nil array", ErrDecode)
		}
		if _, err := ModeForArray(in.array); err != nil {
			return 0, 0, err
		}
		return in.array.shape[1], in.array.shape[0], nil
	case inputBytes:
		if len(in.data) == 0 {
			return 0, 0, fmt.Errorf("%w: empty input", ErrDecode)
		}
		attempts := make([]string, 0, len(byteDecoders))
		for _, d := range byteDecoders {
			w, h, err := d.Config(in.data)
			if err == nil {
				return w, h, nil
			}
			attempts = append(attempts, fmt.Sprintf("%s: %v", d.Name(), err))
		}
		return 0, 0, fmt.Errorf("%w: input is not a recognised image (%s)", ErrDecode, strings.Join(attempts, "; "))
	default:
		return 0, 0, fmt.Errorf("%w: empty input", ErrDecode)
	}
}

// byteDecoders is the ordered list of attempts for encoded input. It is
// built once at init and never modified.
var byteDecoders = append([]byteDecoder{stdlibDecoder{}}, extraDecoders()...)

func decodeBytes(data []byte) (image.Image, ColorMode, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrDecode)
	}

	attempts := make([]string, 0, len(byteDecoders))
	for _, d := range byteDecoders {
		img, mode, err := d.Decode(data)
		if err == nil {
			return img, mode, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", d.Name(), err))
	}
	return nil, 0, fmt.Errorf("%w: input is not a recognised image (%s)", ErrDecode, strings.Join(attempts, "; "))
}

var errCanvasTooLarge = errors.New("declared canvas too large")

type stdlibDecoder struct{}

func (stdlibDecoder) Name() string { return "stdlib" }

func (stdlibDecoder) Config(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	if err := checkCanvas(cfg.Width, cfg.Height); err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func (d stdlibDecoder) Decode(data []byte) (image.Image, ColorMode, error) {
	if _, _, err := d.Config(data); err != nil {
		return nil, 0, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	if format == "png" {
		if mode, ok := pngColorMode(data); ok {
			return img, mode, nil
		}
	}
	return img, nativeMode(img), nil
}

func checkCanvas(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid canvas %dx%d", w, h)
	}
	if int64(w)*int64(h) > MaxDecodePixels {
		return fmt.Errorf("%w: %dx%d", errCanvasTooLarge, w, h)
	}
	return nil
}

// pngColorMode reads the colour type from the IHDR chunk. Palette images
// report false and fall back to the decoded colour model.
func pngColorMode(data []byte) (ColorMode, bool) {
	const colorTypeOffset = 25
	if len(data) <= colorTypeOffset || string(data[12:16]) != "IHDR" {
		return 0, false
	}
	if binary.BigEndian.Uint32(data[8:12]) < 13 {
		return 0, false
	}
	switch data[colorTypeOffset] {
	case 0:
		return ModeL, true
	case 2:
		return ModeRGB, true
	case 4:
		return ModeLA, true
	case 6:
		return ModeRGBA, true
	default:
		return 0, false
	}
}
