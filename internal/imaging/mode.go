package imaging

import (
	"fmt"
	"strings"
)

type ColorMode int

const (
	ModeL ColorMode = iota + 1
	ModeLA
	ModeRGB
	ModeRGBA
)

func (m ColorMode) Channels() int {
	switch m {
	case ModeL:
		return 1
	case ModeLA:
		return 2
	case ModeRGB:
		return 3
	case ModeRGBA:
		return 4
	default:
		return 0
	}
}

func (m ColorMode) HasAlpha() bool {
	return m == ModeLA || m == ModeRGBA
}

func (m ColorMode) Valid() bool {
	return m.Channels() > 0
}

func (m ColorMode) String() string {
	switch m {
	case ModeL:
		return "L"
	case ModeLA:
		return "LA"
	case ModeRGB:
		return "RGB"
	case ModeRGBA:
		return "RGBA"
	default:
		return fmt.Sprintf("ColorMode(%d)", int(m))
	}
}

func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L":
		return ModeL, nil
	case "LA":
		return ModeLA, nil
	case "RGB":
		return ModeRGB, nil
	case "RGBA":
		return ModeRGBA, nil
	default:
		return 0, fmt.Errorf("%w: unknown color mode %q", ErrConfiguration, s)
	}
}

// modeForChannels maps the trailing dimension of an array to a mode.
func modeForChannels(c int) (ColorMode, bool) {
	switch c {
	case 1:
		return ModeL, true
	case 2:
		return ModeLA, true
	case 3:
		return ModeRGB, true
	case 4:
		return ModeRGBA, true
	default:
		return 0, false
	}
}
