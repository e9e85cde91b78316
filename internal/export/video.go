package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/faults"
	"github.com/overmarklabs/overmark/internal/ffmpeg"
)

var errMissingEngine = errors.New("encoder engine is required")

const (
	opVideoNew    = "export.video.new"
	opVideoRender = "export.video.render"
)

// Prober reads media geometry. Satisfied by the ffmpeg engine.
type Prober interface {
	Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
}

// Transcoder burns a filter graph into a new encode. Satisfied by the
// ffmpeg engine.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath, filterComplex, outputLabel string, durationSeconds float64, onProgress func(percent int)) error
}

// VideoPipelineConfig tunes the video export.
type VideoPipelineConfig struct {
	Prober          Prober
	Transcoder      Transcoder
	CanonicalWidth  int
	CanonicalHeight int
	FontFile        string
	Logger          *zap.Logger
}

// VideoPipeline renders annotations into a re-encoded copy of the video.
// The whole annotation set becomes a single filter graph so one engine
// pass produces the final artifact.
type VideoPipeline struct {
	prober          Prober
	transcoder      Transcoder
	canonicalWidth  int
	canonicalHeight int
	fontFile        string
	logger          *zap.Logger
}

// NewVideoPipeline constructs the pipeline.
func NewVideoPipeline(cfg VideoPipelineConfig) (*VideoPipeline, error) {
	if cfg.Prober == nil || cfg.Transcoder == nil {
		return nil, faults.New(faults.KindInternal, opVideoNew, "missing_engine", errMissingEngine)
	}
	canonicalWidth := cfg.CanonicalWidth
	if canonicalWidth <= 0 {
		canonicalWidth = 1920
	}
	canonicalHeight := cfg.CanonicalHeight
	if canonicalHeight <= 0 {
		canonicalHeight = 1080
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoPipeline{
		prober:          cfg.Prober,
		transcoder:      cfg.Transcoder,
		canonicalWidth:  canonicalWidth,
		canonicalHeight: canonicalHeight,
		fontFile:        cfg.FontFile,
		logger:          logger,
	}, nil
}

// Render writes the input to scratch space, probes it, builds the filter
// graph and runs the encode. It returns the bytes of the finished file.
func (p *VideoPipeline) Render(ctx context.Context, data []byte, filename string, list []annotations.Annotation, onProgress func(percent int)) ([]byte, error) {
	scratch, err := os.MkdirTemp("", "overmark-export-*")
	if err != nil {
		return nil, faults.New(faults.KindInternal, opVideoRender, "scratch_failed", err)
	}
	defer os.RemoveAll(scratch)

	extension := filepath.Ext(filename)
	if extension == "" {
		extension = ".mp4"
	}
	inputPath := filepath.Join(scratch, "input"+extension)
	// The derived artifact is always an mp4 whatever container came in.
	outputPath := filepath.Join(scratch, "output.mp4")
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, faults.New(faults.KindInternal, opVideoRender, "write_input_failed", err)
	}

	info, err := p.prober.Probe(ctx, inputPath)
	if err != nil {
		// Geometry falls back to the canonical editing surface so an
		// unprobeable but decodable file still exports.
		p.logger.Warn("probe failed, using canonical resolution", zap.Error(err))
		info = ffmpeg.MediaInfo{Width: p.canonicalWidth, Height: p.canonicalHeight}
	}

	ops := BuildOps(list, info, p.canonicalWidth, p.fontFile)
	graph, outputLabel := FilterChain(ops)

	if err := p.transcoder.Transcode(ctx, inputPath, outputPath, graph, outputLabel, info.DurationSeconds, onProgress); err != nil {
		return nil, err
	}

	rendered, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, faults.New(faults.KindInternal, opVideoRender, "read_output_failed", err)
	}
	return rendered, nil
}
