package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.DPI != 300 {
		t.Errorf("DPI = %d, want 300", cfg.Watchdog.DPI)
	}
	if cfg.Dedup.Threshold != 0.85 {
		t.Errorf("Threshold = %v, want 0.85", cfg.Dedup.Threshold)
	}
	if cfg.Dedup.Candidates != 25 {
		t.Errorf("Candidates = %d, want 25", cfg.Dedup.Candidates)
	}
	if !cfg.Modules.DuplicateDetector {
		t.Error("duplicate detector should default to enabled")
	}
	if cfg.Modules.ContentEnhancer {
		t.Error("content enhancer should default to disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
archive:
  url: http://paperless:8000
  token: secret
watchdog:
  max_pages: 4
dedup:
  threshold: 0.9
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configPathEnv, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Archive.URL != "http://paperless:8000" {
		t.Errorf("URL = %q", cfg.Archive.URL)
	}
	if cfg.Watchdog.MaxPages != 4 {
		t.Errorf("MaxPages = %d, want 4", cfg.Watchdog.MaxPages)
	}
	if cfg.Dedup.Threshold != 0.9 {
		t.Errorf("Threshold = %v, want 0.9", cfg.Dedup.Threshold)
	}
	// Unset keys keep their defaults.
	if cfg.Inference.VisionModel != "qwen2.5vl:7b" {
		t.Errorf("VisionModel = %q", cfg.Inference.VisionModel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv("ARCHIVE_TOKEN", "env-token")
	t.Setenv("WATCH_DIR", "/scans")
	t.Setenv("MAX_PAGES", "7")
	t.Setenv("INFERENCE_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Archive.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Archive.Token)
	}
	if cfg.Watchdog.WatchDir != "/scans" {
		t.Errorf("WatchDir = %q", cfg.Watchdog.WatchDir)
	}
	if cfg.Watchdog.MaxPages != 7 {
		t.Errorf("MaxPages = %d, want 7", cfg.Watchdog.MaxPages)
	}
	if cfg.Inference.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Inference.Timeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Archive.Token = "t"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := defaultConfig()
	if err := missing.Validate(); err == nil {
		t.Error("missing token should fail validation")
	}

	band := defaultConfig()
	band.Archive.Token = "t"
	band.Dedup.LengthRatioMax = band.Dedup.LengthRatioMin
	if err := band.Validate(); err == nil {
		t.Error("degenerate length ratio band should fail validation")
	}
}
