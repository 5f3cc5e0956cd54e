package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(BasePathEnvVar, "")
	t.Setenv(LogLevelEnvVar, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BasePath != DefaultBasePath {
		t.Errorf("BasePath = %q, want %q", cfg.BasePath, DefaultBasePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadMergesLocalOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(BasePathEnvVar, "")
	t.Setenv(LogLevelEnvVar, "")

	dir := filepath.Join(home, ConfigDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	base, _ := json.Marshal(Config{BasePath: "/tmp/base", LogLevel: "warn"})
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), base, 0o600); err != nil {
		t.Fatal(err)
	}
	local, _ := json.Marshal(map[string]string{"log_level": "debug"})
	if err := os.WriteFile(filepath.Join(dir, ConfigLocalFileName), local, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BasePath != "/tmp/base" {
		t.Errorf("BasePath = %q, want /tmp/base (from base file, untouched by override)", cfg.BasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (from local override)", cfg.LogLevel)
	}
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(BasePathEnvVar, "/env/base")
	t.Setenv(LogLevelEnvVar, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BasePath != "/env/base" {
		t.Errorf("BasePath = %q, want /env/base", cfg.BasePath)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(BasePathEnvVar, "")
	t.Setenv(LogLevelEnvVar, "")

	want := &Config{BasePath: "/custom/path", LogLevel: "debug", DefaultModel: "claude-sonnet-4-5"}
	if err := Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.BasePath != want.BasePath || got.LogLevel != want.LogLevel || got.DefaultModel != want.DefaultModel {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}
