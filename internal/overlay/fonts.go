package overlay

import (
	"fmt"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/gomonobolditalic"
	"golang.org/x/image/font/gofont/gomonoitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"github.com/overmarklabs/overmark/internal/annotations"
)

// The allowed font families are web families; server-side compositing maps
// each to the closest embedded Go face (monospace families to Go Mono,
// everything else to Go). Glyph metrics therefore follow the embedded
// fonts, not the web originals.
var monospaceFamilies = map[string]bool{
	"Courier New": true,
}

type fontVariant struct {
	mono   bool
	weight annotations.FontWeight
	slant  annotations.FontSlant
}

var (
	parsedMu    sync.Mutex
	parsedFonts = map[fontVariant]*opentype.Font{}
)

func variantTTF(v fontVariant) []byte {
	switch {
	case v.mono && v.weight == annotations.WeightBold && v.slant == annotations.SlantItalic:
		return gomonobolditalic.TTF
	case v.mono && v.weight == annotations.WeightBold:
		return gomonobold.TTF
	case v.mono && v.slant == annotations.SlantItalic:
		return gomonoitalic.TTF
	case v.mono:
		return gomono.TTF
	case v.weight == annotations.WeightBold && v.slant == annotations.SlantItalic:
		return gobolditalic.TTF
	case v.weight == annotations.WeightBold:
		return gobold.TTF
	case v.slant == annotations.SlantItalic:
		return goitalic.TTF
	default:
		return goregular.TTF
	}
}

func parsedFont(v fontVariant) (*opentype.Font, error) {
	parsedMu.Lock()
	defer parsedMu.Unlock()
	if f, ok := parsedFonts[v]; ok {
		return f, nil
	}
	f, err := opentype.Parse(variantTTF(v))
	if err != nil {
		return nil, fmt.Errorf("parse embedded font: %w", err)
	}
	parsedFonts[v] = f
	return f, nil
}

// resolveFace produces a font face for the style at the given point size.
// The caller owns the face and must close it after drawing.
func resolveFace(style annotations.Style, sizePoints float64) (font.Face, error) {
	variant := fontVariant{
		mono:   monospaceFamilies[style.FontFamily],
		weight: style.FontWeight,
		slant:  style.FontSlant,
	}
	f, err := parsedFont(variant)
	if err != nil {
		return nil, err
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    sizePoints,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("build font face: %w", err)
	}
	return face, nil
}
