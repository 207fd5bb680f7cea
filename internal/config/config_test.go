package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COWORKD_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.ApprovalTimeout != 5*time.Minute {
		t.Fatalf("unexpected approval timeout %v", cfg.ApprovalTimeout)
	}
	if cfg.DBPath != filepath.Join("data", "coworkd.db") {
		t.Fatalf("db path not derived from data dir: %q", cfg.DBPath)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coworkd.yaml")
	content := "http_addr: \":9999\"\ndefault_model: test-model\napproval_timeout: 30s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COWORKD_CONFIG", path)

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("yaml addr not applied: %q", cfg.HTTPAddr)
	}
	if cfg.DefaultModel != "test-model" {
		t.Fatalf("yaml model not applied: %q", cfg.DefaultModel)
	}
	if cfg.ApprovalTimeout != 30*time.Second {
		t.Fatalf("yaml timeout not applied: %v", cfg.ApprovalTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.DefaultProvider != "local" {
		t.Fatalf("default provider lost: %q", cfg.DefaultProvider)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coworkd.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COWORKD_CONFIG", path)
	t.Setenv("COWORKD_HTTP_ADDR", ":7777")
	t.Setenv("COWORKD_EVENT_BUFFER", "250")
	t.Setenv("COWORKD_APPROVAL_TIMEOUT", "bogus")

	cfg := Load()
	if cfg.HTTPAddr != ":7777" {
		t.Fatalf("env should win over file, got %q", cfg.HTTPAddr)
	}
	if cfg.EventBufferSize != 250 {
		t.Fatalf("env int not applied: %d", cfg.EventBufferSize)
	}
	if cfg.ApprovalTimeout != 5*time.Minute {
		t.Fatalf("bad duration should fall back, got %v", cfg.ApprovalTimeout)
	}
}
