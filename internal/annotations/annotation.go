// Package annotations holds the annotation data model and the per-file
// session store. Annotations are positioned, styled text overlays bound to
// either a document page or a video time window; they live embedded in
// their file record and never outlive it.
package annotations

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MediaKind distinguishes the two scoping models an annotation can use.
type MediaKind string

const (
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// FontWeight is the annotation text weight.
type FontWeight string

// FontSlant is the annotation text slant.
type FontSlant string

// TextAlign is the horizontal alignment of the annotation text.
type TextAlign string

const (
	WeightNormal FontWeight = "normal"
	WeightBold   FontWeight = "bold"

	SlantNormal FontSlant = "normal"
	SlantItalic FontSlant = "italic"

	AlignLeft   TextAlign = "left"
	AlignCenter TextAlign = "center"
	AlignRight  TextAlign = "right"
)

// FontFamilies is the fixed set of families an annotation may request.
var FontFamilies = []string{
	"Arial",
	"Helvetica",
	"Times New Roman",
	"Courier New",
	"Georgia",
	"Verdana",
	"Impact",
	"Comic Sans MS",
}

var (
	errEmptyContent      = errors.New("annotation content must not be empty")
	errPositionRange     = errors.New("position coordinates must be within 0-100")
	errFontSize          = errors.New("font size must be positive")
	errUnknownFamily     = errors.New("font family not in the allowed set")
	errInvalidColor      = errors.New("color must be a hex RGB string")
	errInvalidWeight     = errors.New("font weight must be normal or bold")
	errInvalidSlant      = errors.New("font slant must be normal or italic")
	errInvalidAlign      = errors.New("alignment must be left, center or right")
	errNegativeTimestamp = errors.New("timestamp must not be negative")
	errDurationRange     = errors.New("duration must be positive")
	errPageRange         = errors.New("page must be a positive 1-based number")
)

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Position is a normalized coordinate pair: percentages (0-100) of the
// media's rendered width and height, origin top-left. Normalization
// decouples placement from native pixel resolution and zoom level.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style bundles the text rendering attributes of an annotation.
type Style struct {
	FontSize   int        `json:"fontSize"`
	FontFamily string     `json:"fontFamily"`
	Color      string     `json:"color"`
	FontWeight FontWeight `json:"fontWeight"`
	FontSlant  FontSlant  `json:"fontStyle"`
	TextAlign  TextAlign  `json:"textAlign"`
}

// Annotation is one positioned, styled text overlay. Exactly one of the
// temporal fields (Timestamp/Duration) or Page is meaningful, depending on
// the owning file's media kind.
type Annotation struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Position Position `json:"position"`
	Style    Style    `json:"style"`

	// Video scoping: visible while playback time is within
	// [Timestamp, Timestamp+Duration], boundaries included.
	Timestamp float64 `json:"timestamp,omitempty"`
	Duration  float64 `json:"duration,omitempty"`

	// Document scoping: 1-based page number.
	Page int `json:"page,omitempty"`
}

// Draft carries the caller-supplied fields of a new annotation before an id
// is assigned.
type Draft struct {
	Content   string
	Position  Position
	Style     Style
	Timestamp float64
	Duration  float64
	Page      int
}

// Validate checks the draft against the media kind it will be attached to.
func (d Draft) Validate(kind MediaKind) error {
	if strings.TrimSpace(d.Content) == "" {
		return errEmptyContent
	}
	if d.Position.X < 0 || d.Position.X > 100 || d.Position.Y < 0 || d.Position.Y > 100 {
		return errPositionRange
	}
	if err := d.Style.validate(); err != nil {
		return err
	}
	switch kind {
	case MediaVideo:
		if d.Timestamp < 0 {
			return errNegativeTimestamp
		}
		if d.Duration <= 0 {
			return errDurationRange
		}
	case MediaDocument:
		if d.Page < 1 {
			return errPageRange
		}
	default:
		return fmt.Errorf("unknown media kind %q", kind)
	}
	return nil
}

func (s Style) validate() error {
	if s.FontSize <= 0 {
		return errFontSize
	}
	if !familyAllowed(s.FontFamily) {
		return errUnknownFamily
	}
	if !hexColorPattern.MatchString(s.Color) {
		return errInvalidColor
	}
	switch s.FontWeight {
	case WeightNormal, WeightBold:
	default:
		return errInvalidWeight
	}
	switch s.FontSlant {
	case SlantNormal, SlantItalic:
	default:
		return errInvalidSlant
	}
	switch s.TextAlign {
	case AlignLeft, AlignCenter, AlignRight:
	default:
		return errInvalidAlign
	}
	return nil
}

func familyAllowed(family string) bool {
	for _, allowed := range FontFamilies {
		if allowed == family {
			return true
		}
	}
	return false
}

// VisibleAt reports whether a video annotation is visible at the given
// playback time. Both interval boundaries are inclusive.
func (a Annotation) VisibleAt(seconds float64) bool {
	return seconds >= a.Timestamp && seconds <= a.Timestamp+a.Duration
}

// OnPage reports whether a document annotation belongs to the given
// 1-based page.
func (a Annotation) OnPage(page int) bool {
	return a.Page == page
}
