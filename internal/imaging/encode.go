package imaging

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

const (
	FormatPNG  = "png"
	FormatTIFF = "tiff"
	FormatBMP  = "bmp"
	FormatJPEG = "jpeg"
)

const jpegQuality = 90

// ParseFormat canonicalises an output container name. Empty means PNG.
func ParseFormat(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", FormatPNG:
		return FormatPNG, nil
	case "jpg", FormatJPEG:
		return FormatJPEG, nil
	case "tif", FormatTIFF:
		return FormatTIFF, nil
	case FormatBMP:
		return FormatBMP, nil
	default:
		return "", fmt.Errorf("%w: unsupported output format %q", ErrConfiguration, format)
	}
}

// Lossless reports whether format round-trips pixel values exactly.
func Lossless(format string) bool {
	return format != FormatJPEG
}

func ContentType(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatTIFF:
		return "image/tiff"
	case FormatBMP:
		return "image/bmp"
	default:
		return "image/png"
	}
}

// Encode writes g in the given container. PNG keeps every mode: L as gray,
// LA as gray with alpha, RGB as truecolor and RGBA as truecolor with alpha,
// opaque or not. TIFF keeps L, RGB and RGBA and widens LA to RGBA. BMP and
// JPEG carry no alpha channel.
func Encode(g *Grid, format string) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	img := g.Image()
	switch format {
	case FormatPNG:
		if g.Mode.HasAlpha() {
			if err := encodeAlphaPNG(&buf, g); err != nil {
				return nil, fmt.Errorf("encode png: %w", err)
			}
			break
		}
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatTIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	case FormatBMP:
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// encodeAlphaPNG writes LA and RGBA grids with colour type 4 and 6. The
// image/png encoder has no gray+alpha output and drops an all-opaque alpha
// channel, so the IHDR colour type is taken from the grid mode instead.
func encodeAlphaPNG(w io.Writer, g *Grid) error {
	var colorType byte
	switch g.Mode {
	case ModeLA:
		colorType = 4
	case ModeRGBA:
		colorType = 6
	default:
		return fmt.Errorf("%w: %s has no alpha channel", ErrConfiguration, g.Mode)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(g.Width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(g.Height))
	ihdr[8] = 8
	ihdr[9] = colorType

	// Rows use filter type 0; deflate does the rest.
	var idat bytes.Buffer
	zw, err := zlib.NewWriterLevel(&idat, zlib.DefaultCompression)
	if err != nil {
		return err
	}
	stride := g.Width * g.Mode.Channels()
	for y := 0; y < g.Height; y++ {
		if _, err := zw.Write([]byte{0}); err != nil {
			return err
		}
		if _, err := zw.Write(g.Pix[y*stride : (y+1)*stride]); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if _, err := w.Write(pngSignature); err != nil {
		return err
	}
	if err := writePNGChunk(w, "IHDR", ihdr); err != nil {
		return err
	}
	if err := writePNGChunk(w, "IDAT", idat.Bytes()); err != nil {
		return err
	}
	return writePNGChunk(w, "IEND", nil)
}

func writePNGChunk(w io.Writer, name string, data []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(data)))
	copy(header[4:], name)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(data)
	var footer [4]byte
	binary.BigEndian.PutUint32(footer[:], crc.Sum32())

	for _, b := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
