package overlay

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/overmarklabs/overmark/internal/annotations"
)

// Compositor draws styled annotation text onto rasters. Both the
// interactive document preview and the document export path go through the
// same Draw call so their output cannot diverge.
type Compositor struct{}

// NewCompositor constructs a Compositor.
func NewCompositor() *Compositor {
	return &Compositor{}
}

// Draw renders each annotation onto dst. Positions are scaled against dst's
// pixel dimensions; font sizes are multiplied by scale so text keeps its
// proportion to the raster whatever resolution the page was rendered at.
// Content may span multiple lines.
func (c *Compositor) Draw(dst *image.RGBA, list []annotations.Annotation, scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("scale must be positive, got %v", scale)
	}
	bounds := dst.Bounds()
	surfaceWidth := float64(bounds.Dx())
	surfaceHeight := float64(bounds.Dy())

	for _, annotation := range list {
		if err := c.drawOne(dst, annotation, surfaceWidth, surfaceHeight, scale); err != nil {
			return fmt.Errorf("annotation %s: %w", annotation.ID, err)
		}
	}
	return nil
}

func (c *Compositor) drawOne(dst *image.RGBA, annotation annotations.Annotation, surfaceWidth, surfaceHeight, scale float64) error {
	textColor, err := ParseHexColor(annotation.Style.Color)
	if err != nil {
		return err
	}

	face, err := resolveFace(annotation.Style, float64(annotation.Style.FontSize)*scale)
	if err != nil {
		return err
	}
	defer face.Close()

	anchorX, anchorY := PercentToPixel(annotation.Position, surfaceWidth, surfaceHeight)

	metrics := face.Metrics()
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor),
		Face: face,
	}

	// The anchor marks the top-left of the text block; the drawer positions
	// by baseline, so the first line sits one ascent below the anchor.
	lineTop := anchorY
	for _, line := range strings.Split(annotation.Content, "\n") {
		lineWidth := float64(drawer.MeasureString(line)) / 64
		originX := anchorX
		switch annotation.Style.TextAlign {
		case annotations.AlignCenter:
			originX = anchorX - lineWidth/2
		case annotations.AlignRight:
			originX = anchorX - lineWidth
		}
		baseline := lineTop + float64(metrics.Ascent)/64
		drawer.Dot = fixed.Point26_6{
			X: fixed.Int26_6(originX * 64),
			Y: fixed.Int26_6(baseline * 64),
		}
		drawer.DrawString(line)
		lineTop += float64(metrics.Height) / 64
	}
	return nil
}
