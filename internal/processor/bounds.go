package processor

import (
	"fmt"
	"math"

	"github.com/dunamismax/pixelprep/internal/imaging"
)

// checkErrorBounds fails when a dimension lies outside [min, max].
func checkErrorBounds(w, h int, lo, hi Size) error {
	if lo.Width > 0 && w < lo.Width || lo.Height > 0 && h < lo.Height {
		return fmt.Errorf("%w: image %dx%d is below the minimum %s", imaging.ErrSizeOutOfBounds, w, h, lo)
	}
	if hi.Width > 0 && w > hi.Width || hi.Height > 0 && h > hi.Height {
		return fmt.Errorf("%w: image %dx%d exceeds the maximum %s", imaging.ErrSizeOutOfBounds, w, h, hi)
	}
	return nil
}

// fitBounds returns the aspect-preserving size that brings (w, h) inside
// [min, max], and whether any scaling is needed. The max bound wins when the
// two cannot both hold.
func fitBounds(w, h int, lo, hi Size) (int, int, bool) {
	factor := 1.0
	if lo.Width > 0 && w < lo.Width {
		factor = math.Max(factor, float64(lo.Width)/float64(w))
	}
	if lo.Height > 0 && h < lo.Height {
		factor = math.Max(factor, float64(lo.Height)/float64(h))
	}
	if hi.Width > 0 && float64(w)*factor > float64(hi.Width) {
		factor = float64(hi.Width) / float64(w)
	}
	if hi.Height > 0 && float64(h)*factor > float64(hi.Height) {
		factor = float64(hi.Height) / float64(h)
	}
	if factor == 1 {
		return w, h, false
	}

	nw := scaleDim(w, factor, hi.Width)
	nh := scaleDim(h, factor, hi.Height)
	return nw, nh, nw != w || nh != h
}

func scaleDim(n int, factor float64, limit int) int {
	out := int(math.Round(float64(n) * factor))
	if limit > 0 && out > limit {
		out = limit
	}
	if out < 1 {
		out = 1
	}
	return out
}
