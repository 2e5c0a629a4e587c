package imaging

import "errors"

// Error kinds shared by the decoder, the transforms and the processors.
// Callers match them with errors.Is.
var (
	ErrDecode                = errors.New("decode error")
	ErrUnsupportedShape      = errors.New("unsupported array shape")
	ErrTypeMismatch          = errors.New("type mismatch")
	ErrInvalidChannelRequest = errors.New("invalid channel request")
	ErrDegenerateRange       = errors.New("degenerate value range")
	ErrSizeOutOfBounds       = errors.New("size out of bounds")
	ErrConfiguration         = errors.New("configuration error")
)

var kinds = []error{
	ErrDecode,
	ErrUnsupportedShape,
	ErrTypeMismatch,
	ErrInvalidChannelRequest,
	ErrDegenerateRange,
	ErrSizeOutOfBounds,
	ErrConfiguration,
}

// Kind returns the error kind err belongs to, or nil when err is not an
// imaging error.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is a short stable label for metrics.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrDecode:
		return "decode"
	case ErrUnsupportedShape:
		return "unsupported_shape"
	case ErrTypeMismatch:
		return "type_mismatch"
	case ErrInvalidChannelRequest:
		return "invalid_channel_request"
	case ErrDegenerateRange:
		return "degenerate_range"
	case ErrSizeOutOfBounds:
		return "size_out_of_bounds"
	case ErrConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}
