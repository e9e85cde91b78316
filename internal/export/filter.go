package export

import (
	"fmt"
	"strings"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/ffmpeg"
)

// DrawOp is one drawtext invocation, fully resolved against the video's
// native resolution. Ops are descriptors; they only become filter syntax
// inside FilterChain, where escaping is centralized.
type DrawOp struct {
	Text       string
	FontFile   string
	FontSizePx int
	Color      string
	XExpr      string
	YExpr      string
	Start      float64
	End        float64
}

// drawtextEscaper neutralizes the characters ffmpeg's filter parser treats
// specially inside a drawtext text argument.
var drawtextEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`:`, `\:`,
	`%`, `\%`,
	`,`, `\,`,
	`;`, `\;`,
	`[`, `\[`,
	`]`, `\]`,
	"\n", `\n`,
)

// BuildOps turns the annotation list into draw operations scaled to the
// probed resolution. Percent coordinates become expressions over the frame
// dimensions so alignment can use the measured text width; font sizes
// scale with the ratio of the native width to the canonical editing width.
func BuildOps(list []annotations.Annotation, info ffmpeg.MediaInfo, canonicalWidth int, fontFile string) []DrawOp {
	scale := 1.0
	if canonicalWidth > 0 && info.Width > 0 {
		scale = float64(info.Width) / float64(canonicalWidth)
	}

	ops := make([]DrawOp, 0, len(list))
	for _, annotation := range list {
		fontSize := int(float64(annotation.Style.FontSize) * scale)
		if fontSize < 1 {
			fontSize = 1
		}

		xFraction := annotation.Position.X / 100
		var xExpr string
		switch annotation.Style.TextAlign {
		case annotations.AlignCenter:
			xExpr = fmt.Sprintf("%.4f*w-text_w/2", xFraction)
		case annotations.AlignRight:
			xExpr = fmt.Sprintf("%.4f*w-text_w", xFraction)
		default:
			xExpr = fmt.Sprintf("%.4f*w", xFraction)
		}

		ops = append(ops, DrawOp{
			Text:       annotation.Content,
			FontFile:   fontFile,
			FontSizePx: fontSize,
			Color:      "0x" + strings.TrimPrefix(annotation.Style.Color, "#"),
			XExpr:      xExpr,
			YExpr:      fmt.Sprintf("%.4f*h", annotation.Position.Y/100),
			Start:      annotation.Timestamp,
			End:        annotation.Timestamp + annotation.Duration,
		})
	}
	return ops
}

// FilterChain renders the ops into a filter_complex graph and returns the
// graph plus the label of its final video stream. With no ops the input is
// passed through a copy filter so the caller's mapping stays uniform.
func FilterChain(ops []DrawOp) (graph, outputLabel string) {
	if len(ops) == 0 {
		return "[0:v]copy[v0]", "v0"
	}

	var builder strings.Builder
	input := "0:v"
	for i, op := range ops {
		label := fmt.Sprintf("v%d", i)
		if i > 0 {
			builder.WriteString(";")
		}
		builder.WriteString(fmt.Sprintf("[%s]drawtext=%s[%s]", input, drawtextArgs(op), label))
		input = label
	}
	return builder.String(), fmt.Sprintf("v%d", len(ops)-1)
}

func drawtextArgs(op DrawOp) string {
	parts := []string{
		fmt.Sprintf("text='%s'", drawtextEscaper.Replace(op.Text)),
	}
	if op.FontFile != "" {
		parts = append(parts, fmt.Sprintf("fontfile='%s'", drawtextEscaper.Replace(op.FontFile)))
	}
	parts = append(parts,
		fmt.Sprintf("fontsize=%d", op.FontSizePx),
		fmt.Sprintf("fontcolor=%s", op.Color),
		fmt.Sprintf("x=%s", op.XExpr),
		fmt.Sprintf("y=%s", op.YExpr),
		fmt.Sprintf("enable='between(t,%.3f,%.3f)'", op.Start, op.End),
	)
	return strings.Join(parts, ":")
}
