package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxPaletteColors is the most colors a palette may carry; extra colors are dropped.
const MaxPaletteColors = 10

// RGB is one palette color.
type RGB struct {
	R, G, B uint8
}

// Hex returns the color as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex parses "#rrggbb" or "rrggbb".
func ParseHex(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Palette is what the device is asked to display.
type Palette struct {
	MessageID  string
	SenderName string
	Colors     []RGB
}

// Palette converts the event into a display request.
func (p ColorPalette) Palette() Palette {
	return Palette{
		MessageID:  p.MessageID,
		SenderName: p.SenderName,
		Colors:     p.Colors,
	}
}

// TestPalette is shown while a lighting system test runs.
var TestPalette = Palette{
	MessageID:  "lighting-test",
	SenderName: "self-test",
	Colors:     []RGB{{R: 0xff}, {G: 0xff}, {B: 0xff}},
}

// Lighting system types accepted in lightingSystemConfig.
const (
	SystemNanoleaf   = "nanoleaf"
	SystemWLED       = "wled"
	SystemWS2812     = "ws2812"
	SystemPhilipsHue = "philips_hue"
)

// IsValidSystemType reports whether t names a supported lighting system.
func IsValidSystemType(t string) bool {
	switch t {
	case SystemNanoleaf, SystemWLED, SystemWS2812, SystemPhilipsHue:
		return true
	}
	return false
}
