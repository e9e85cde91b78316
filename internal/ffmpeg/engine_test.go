package ffmpeg

import (
	"strings"
	"testing"
)

func TestReadProgressReportsPercentages(t *testing.T) {
	stream := strings.Join([]string{
		"frame=10",
		"out_time_ms=2500000",
		"progress=continue",
		"out_time_ms=5000000",
		"progress=continue",
		"out_time_ms=10000000",
		"progress=end",
	}, "\n")

	var reported []int
	readProgress(strings.NewReader(stream), 10, func(percent int) {
		reported = append(reported, percent)
	})

	want := []int{25, 50, 100}
	if len(reported) != len(want) {
		t.Fatalf("reported = %v, want %v", reported, want)
	}
	for i := range want {
		if reported[i] != want[i] {
			t.Fatalf("reported = %v, want %v", reported, want)
		}
	}
}

func TestReadProgressClampsOvershoot(t *testing.T) {
	var reported []int
	readProgress(strings.NewReader("out_time_ms=99000000\n"), 10, func(percent int) {
		reported = append(reported, percent)
	})
	if len(reported) != 1 || reported[0] != 100 {
		t.Fatalf("reported = %v, want [100]", reported)
	}
}

func TestReadProgressIgnoresGarbage(t *testing.T) {
	stream := "out_time_ms=notanumber\nout_time_ms=-5\nspeed=1.2x\n"
	readProgress(strings.NewReader(stream), 10, func(percent int) {
		t.Fatalf("unexpected progress callback: %d", percent)
	})
}

func TestNewEngineDefaults(t *testing.T) {
	engine := NewEngine(EngineConfig{})
	if engine.ffmpeg != "ffmpeg" || engine.ffprobe != "ffprobe" {
		t.Fatalf("binaries = %q %q", engine.ffmpeg, engine.ffprobe)
	}
	if engine.preset != "medium" || engine.crf != 23 {
		t.Fatalf("encode defaults = %q %d", engine.preset, engine.crf)
	}
}
