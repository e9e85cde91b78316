package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.FreeQuota != 3 {
		t.Fatalf("expected default free quota 3, got %d", cfg.FreeQuota)
	}
	if cfg.MaxUploadBytes != 100<<20 {
		t.Fatalf("expected default upload ceiling of 100 MiB, got %d", cfg.MaxUploadBytes)
	}
	if cfg.CanonicalWidth != 1920 || cfg.CanonicalHeight != 1080 {
		t.Fatalf("unexpected canonical frame size: %dx%d", cfg.CanonicalWidth, cfg.CanonicalHeight)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.TokenTTL)
	}
	if cfg.VideoPreset != "medium" || cfg.VideoCRF != 23 {
		t.Fatalf("unexpected video encode defaults: %s/%d", cfg.VideoPreset, cfg.VideoCRF)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Fatalf("expected single export in flight by default, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	v := NewViper()

	if _, err := Load(v); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "zero upload ceiling", key: "upload.max_bytes", value: 0},
		{name: "negative quota", key: "export.free_quota", value: -1},
		{name: "zero export scale", key: "export.scale", value: 0.0},
		{name: "zero canonical width", key: "export.video.canonical_width", value: 0},
		{name: "zero worker concurrency", key: "worker.concurrency", value: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewViper()
			v.Set("auth.signing_secret", "test-secret")
			v.Set(tc.key, tc.value)
			if _, err := Load(v); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
