package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.DataDir != "/var/lib/spinvm" {
		t.Errorf("expected DataDir /var/lib/spinvm, got %s", cfg.Paths.DataDir)
	}
	if cfg.Paths.CacheDir != "/var/cache/spinvm" {
		t.Errorf("expected CacheDir /var/cache/spinvm, got %s", cfg.Paths.CacheDir)
	}
	if cfg.Backend.Driver != DefaultDriver() {
		t.Errorf("expected driver %s, got %s", DefaultDriver(), cfg.Backend.Driver)
	}
	if cfg.Defaults.SSHUsername != "ubuntu" {
		t.Errorf("expected default ssh username ubuntu, got %s", cfg.Defaults.SSHUsername)
	}
	if cfg.Timeouts.RetryAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Timeouts.RetryAttempts)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "/nonexistent/path/config.json") {
		t.Errorf("error should mention config file path, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "config file not found") {
		t.Errorf("error should mention 'config file not found', got: %s", errMsg)
	}
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoadFrom_PartialConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	partial := map[string]any{
		"backend":  map[string]any{"driver": DriverFake},
		"network":  map[string]any{"subnet": "192.168.50.0/24"},
		"timeouts": map[string]any{"shutdown": "30s"},
		"defaults": map[string]any{"cpus": 2},
	}
	data, err := json.Marshal(partial)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("failed to load partial config: %v", err)
	}

	if cfg.Backend.Driver != DriverFake {
		t.Errorf("expected fake driver, got %s", cfg.Backend.Driver)
	}
	if cfg.Network.Bridge != "spinvmbr0" {
		t.Errorf("expected default bridge, got %s", cfg.Network.Bridge)
	}
	if got := cfg.Timeouts.GetShutdown().String(); got != "30s" {
		t.Errorf("expected shutdown 30s, got %s", got)
	}
	if got := cfg.Timeouts.GetStart().String(); got != "5m0s" {
		t.Errorf("expected default start 5m0s, got %s", got)
	}
	if cfg.Defaults.CPUs != 2 {
		t.Errorf("expected 2 cpus, got %d", cfg.Defaults.CPUs)
	}
	if cfg.Defaults.Memory != "1G" {
		t.Errorf("expected default memory 1G, got %s", cfg.Defaults.Memory)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"network":{"bridge":"testbr0"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnvVar, configPath)

	Reset()
	t.Cleanup(Reset)

	cfg, err := Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if cfg.Network.Bridge != "testbr0" {
		t.Errorf("expected bridge testbr0, got %s", cfg.Network.Bridge)
	}

	again, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if again != cfg {
		t.Error("expected Get() to return the cached config")
	}
}

func TestLoad_EnvOverrideMissingFile(t *testing.T) {
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "missing.json"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error when the configured file does not exist")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Paths: PathsConfig{
			DataDir: "/custom/data",
		},
	}

	cfg.applyDefaults()

	if cfg.Paths.DataDir != "/custom/data" {
		t.Errorf("DataDir should be preserved, got %s", cfg.Paths.DataDir)
	}
	if cfg.Paths.StateDir != "/run/spinvm" {
		t.Errorf("StateDir should be defaulted, got %s", cfg.Paths.StateDir)
	}
	if cfg.Paths.QEMUPath != "" {
		t.Errorf("QEMUPath should stay empty for discovery, got %s", cfg.Paths.QEMUPath)
	}
	if cfg.Timeouts.PollInterval != "500ms" {
		t.Errorf("PollInterval should be defaulted, got %s", cfg.Timeouts.PollInterval)
	}
}

func TestMustParseDuration_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid duration")
		}
	}()
	mustParseDuration("not-a-duration")
}
