// Package ffmpeg drives the external ffmpeg and ffprobe binaries. The
// engine serializes invocations; only one encode runs at a time.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/faults"
)

var (
	errMissingInput  = errors.New("input path is required")
	errMissingOutput = errors.New("output path is required")
	errNoVideoStream = errors.New("no video stream found")
	noOpLogger       = zap.NewNop()
)

const (
	opProbe     = "ffmpeg.probe"
	opTranscode = "ffmpeg.transcode"
)

// MediaInfo is the probed shape of a video file.
type MediaInfo struct {
	Width           int
	Height          int
	DurationSeconds float64
}

// EngineConfig points the engine at the binaries and tunes the encode.
type EngineConfig struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string
	CRF         int
	Logger      *zap.Logger
}

// Engine runs probe and transcode jobs. The mutex keeps encodes from
// competing for CPU; callers queue behind the running job.
type Engine struct {
	mu      sync.Mutex
	ffmpeg  string
	ffprobe string
	preset  string
	crf     int
	logger  *zap.Logger
}

// NewEngine constructs the engine. Binary paths default to the names
// resolved through PATH.
func NewEngine(cfg EngineConfig) *Engine {
	ffmpegPath := cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	preset := cfg.Preset
	if preset == "" {
		preset = "medium"
	}
	crf := cfg.CRF
	if crf <= 0 {
		crf = 23
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		preset:  preset,
		crf:     crf,
		logger:  logger,
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the resolution and duration of the file at path.
func (e *Engine) Probe(ctx context.Context, path string) (MediaInfo, error) {
	if path == "" {
		return MediaInfo{}, faults.New(faults.KindValidation, opProbe, "missing_input", errMissingInput)
	}
	cmd := exec.CommandContext(ctx, e.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		e.logger.Error("ffprobe failed",
			zap.String("path", path),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return MediaInfo{}, faults.New(faults.KindEngine, opProbe, "probe_failed", err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return MediaInfo{}, faults.New(faults.KindEngine, opProbe, "parse_failed", err)
	}

	info := MediaInfo{}
	for _, stream := range parsed.Streams {
		if stream.CodecType == "video" && stream.Width > 0 && stream.Height > 0 {
			info.Width = stream.Width
			info.Height = stream.Height
			break
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return MediaInfo{}, faults.New(faults.KindEngine, opProbe, "no_video_stream", errNoVideoStream)
	}
	if parsed.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(parsed.Format.Duration, 64)
		if err == nil {
			info.DurationSeconds = seconds
		}
	}
	return info, nil
}

// Transcode re-encodes the input applying the filter graph and maps the
// labeled output stream plus any audio, copied untouched. onProgress, when
// non-nil, receives a 0-100 percentage derived from the encode clock
// against durationSeconds.
func (e *Engine) Transcode(ctx context.Context, inputPath, outputPath, filterComplex, outputLabel string, durationSeconds float64, onProgress func(percent int)) error {
	if inputPath == "" {
		return faults.New(faults.KindValidation, opTranscode, "missing_input", errMissingInput)
	}
	if outputPath == "" {
		return faults.New(faults.KindValidation, opTranscode, "missing_output", errMissingOutput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	args := []string{
		"-y",
		"-i", inputPath,
		"-filter_complex", filterComplex,
		"-map", "[" + outputLabel + "]",
		"-map", "0:a?",
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", e.preset,
		"-crf", strconv.Itoa(e.crf),
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return faults.New(faults.KindEngine, opTranscode, "pipe_failed", err)
	}
	if err := cmd.Start(); err != nil {
		return faults.New(faults.KindEngine, opTranscode, "start_failed", err)
	}

	readProgress(stdout, durationSeconds, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return faults.New(faults.KindEngine, opTranscode, "canceled", ctx.Err())
		}
		e.logger.Error("ffmpeg failed",
			zap.String("input", inputPath),
			zap.String("stderr", tail(stderr.String(), 2048)),
			zap.Error(err))
		return faults.New(faults.KindEngine, opTranscode, "encode_failed",
			fmt.Errorf("%w: %s", err, tail(stderr.String(), 512)))
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// readProgress consumes the key=value progress stream ffmpeg writes to
// stdout and turns out_time_ms into a percentage.
func readProgress(reader io.Reader, durationSeconds float64, onProgress func(percent int)) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, found := strings.CutPrefix(line, "out_time_ms=")
		if !found {
			continue
		}
		if onProgress == nil || durationSeconds <= 0 {
			continue
		}
		microseconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil || microseconds < 0 {
			continue
		}
		percent := int(float64(microseconds) / 1e6 / durationSeconds * 100)
		if percent > 100 {
			percent = 100
		}
		onProgress(percent)
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
