package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"timeweave/internal/store"
)

const minimalConfig = "project: test\nversion: 1\n"

func TestLoadProjectConfig(t *testing.T) {
	t.Run("valid config loads", func(t *testing.T) {
		cfg, err := LoadProjectConfig(filepath.Join("testdata", "valid_config.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Project != "constitutional-convention" {
			t.Fatalf("expected project name, got %q", cfg.Project)
		}
		if cfg.Temporal.Mode != string(store.ModeDirectorial) {
			t.Fatalf("expected directorial mode, got %q", cfg.Temporal.Mode)
		}
		if cfg.Portal.TimeLimit != 45*time.Second {
			t.Fatalf("expected 45s portal time limit, got %v", cfg.Portal.TimeLimit)
		}
		if cfg.Portal.BeamWidth != 5 || cfg.Portal.MaxDepth != 4 {
			t.Fatalf("expected beam width 5 and default depth 4, got %d and %d", cfg.Portal.BeamWidth, cfg.Portal.MaxDepth)
		}
		if cfg.Generator.APIKeyEnv != "GEMINI_API_KEY" {
			t.Fatalf("expected gemini key env, got %q", cfg.Generator.APIKeyEnv)
		}
		if cfg.Resolution.CriticalEventThreshold != 0.7 {
			t.Fatalf("expected default critical event threshold, got %v", cfg.Resolution.CriticalEventThreshold)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg, err := LoadProjectConfig(writeTempConfig(t, minimalConfig))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Database.DSN != "sqlite://timeweave.db" {
			t.Fatalf("expected default dsn, got %q", cfg.Database.DSN)
		}
		if cfg.Resolution.FrequentAccessThreshold != 5 {
			t.Fatalf("expected default threshold 5, got %d", cfg.Resolution.FrequentAccessThreshold)
		}
		if cfg.Temporal.Mode != string(store.ModePearl) {
			t.Fatalf("expected pearl mode, got %q", cfg.Temporal.Mode)
		}
		if !cfg.Temporal.CounterfactualsEnabled() {
			t.Fatalf("expected counterfactuals enabled by default")
		}
		if cfg.Query.CacheEntries != 1024 {
			t.Fatalf("expected default cache size, got %d", cfg.Query.CacheEntries)
		}
	})

	t.Run("counterfactuals disabled", func(t *testing.T) {
		cfg, err := LoadProjectConfig(writeTempConfig(t, minimalConfig+"temporal:\n  enable_counterfactuals: false\n"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Temporal.CounterfactualsEnabled() {
			t.Fatalf("expected counterfactuals disabled")
		}
	})

	t.Run("missing project name", func(t *testing.T) {
		path := writeTempConfig(t, "version: 1\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 2\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unknown database scheme", func(t *testing.T) {
		path := writeTempConfig(t, minimalConfig+"database:\n  dsn: mysql://localhost/db\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unknown temporal mode", func(t *testing.T) {
		path := writeTempConfig(t, minimalConfig+"temporal:\n  mode: reverse\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("threshold out of range", func(t *testing.T) {
		path := writeTempConfig(t, minimalConfig+"resolution:\n  central_node_threshold: 1.5\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("arc boundaries out of order", func(t *testing.T) {
		path := writeTempConfig(t, minimalConfig+"temporal:\n  narrative_arc: { setup: 0.5, rising: 0.4, climax: 0.7, falling: 0.9 }\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		path := writeTempConfig(t, minimalConfig+"generator:\n  provider: llama\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := LoadProjectConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeTempConfig(t, "project: [\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "timeweave.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
