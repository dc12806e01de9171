package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("UNIFYD_CONFIG")
	defer os.Setenv("UNIFYD_CONFIG", originalEnv)

	os.Setenv("UNIFYD_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_NoBackendsEnabled verifies run refuses a config with every
// backend disabled.
func TestRun_NoBackendsEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
api:
  host: "127.0.0.1"
  port: 18337

journal:
  enabled: false

telemetry:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

backends:
  bluetooth:
    enabled: false
  audio:
    enabled: false
  network:
    enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("UNIFYD_CONFIG")
	defer os.Setenv("UNIFYD_CONFIG", originalEnv)
	os.Setenv("UNIFYD_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with no backends enabled")
	}
	if !strings.Contains(err.Error(), "no backends enabled") {
		t.Errorf("error = %v, want mention of disabled backends", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("UNIFYD_CONFIG")
	defer os.Setenv("UNIFYD_CONFIG", originalEnv)

	os.Unsetenv("UNIFYD_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("UNIFYD_CONFIG")
	defer os.Setenv("UNIFYD_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("UNIFYD_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}
