//go:build govips && cgo

package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initialises libvips. It is safe to call more than once.
func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   64 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func extraDecoders() []byteDecoder {
	return []byteDecoder{vipsDecoder{}}
}

// vipsDecoder covers containers the standard library cannot read (HEIF,
// AVIF, JPEG 2000, ...). The image is re-encoded to PNG inside libvips and
// decoded again in Go.
type vipsDecoder struct{}

func (vipsDecoder) Name() string { return "libvips" }

// Config relies on libvips loading lazily: opening the buffer reads the
// header and pixels are only produced on export.
func (vipsDecoder) Config(data []byte) (int, int, error) {
	if err := Startup(); err != nil {
		return 0, 0, err
	}
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return 0, 0, err
	}
	defer ref.Close()

	if err := checkCanvas(ref.Width(), ref.Height()); err != nil {
		return 0, 0, err
	}
	return ref.Width(), ref.Height(), nil
}

func (vipsDecoder) Decode(data []byte) (image.Image, ColorMode, error) {
	if err := Startup(); err != nil {
		return nil, 0, err
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, 0, err
	}
	defer ref.Close()

	if err := checkCanvas(ref.Width(), ref.Height()); err != nil {
		return nil, 0, err
	}

	mode, ok := modeForChannels(ref.Bands())
	if !ok {
		return nil, 0, fmt.Errorf("unsupported band count %d", ref.Bands())
	}

	encoded, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, 0, fmt.Errorf("export png: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	return img, mode, nil
}
