// Package overlay implements the pure geometry and compositing used by both
// interactive preview and export: coordinate transforms between device
// pixels and normalized percentages, and drawing styled annotation text
// onto rasters. Nothing in this package performs I/O or depends on a UI
// toolkit.
package overlay

import (
	"fmt"
	"image/color"

	"github.com/overmarklabs/overmark/internal/annotations"
)

// ClickToPercent converts a device-pixel position on a rendered surface to
// the normalized percentage coordinate space. This is the single transform
// shared by the document and video paths; placement logic must not diverge
// on this formula.
func ClickToPercent(pixelX, pixelY, surfaceWidth, surfaceHeight float64) (annotations.Position, error) {
	if surfaceWidth <= 0 || surfaceHeight <= 0 {
		return annotations.Position{}, fmt.Errorf("surface dimensions must be positive, got %vx%v", surfaceWidth, surfaceHeight)
	}
	return annotations.Position{
		X: pixelX / surfaceWidth * 100,
		Y: pixelY / surfaceHeight * 100,
	}, nil
}

// PercentToPixel converts a normalized position back to device pixels
// against the given surface. It is the inverse of ClickToPercent for the
// same surface dimensions, within floating point tolerance.
func PercentToPixel(position annotations.Position, surfaceWidth, surfaceHeight float64) (float64, float64) {
	return position.X / 100 * surfaceWidth, position.Y / 100 * surfaceHeight
}

// ParseHexColor parses a "#RRGGBB" string into an opaque color.
func ParseHexColor(value string) (color.NRGBA, error) {
	var r, g, b uint8
	if _, err := fmt.Sscanf(value, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q: %w", value, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xFF}, nil
}
