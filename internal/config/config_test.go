package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsWhenFileIsMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshLeadTime != DefaultRefreshLeadTime {
		t.Fatalf("refreshLeadTime = %s, want %s", cfg.RefreshLeadTime, DefaultRefreshLeadTime)
	}
	if cfg.SessionSyncSchedule != DefaultSessionSyncSchedule {
		t.Fatalf("sessionSyncSchedule = %q, want %q", cfg.SessionSyncSchedule, DefaultSessionSyncSchedule)
	}
	if cfg.KeyringService != AppBundleID {
		t.Fatalf("keyringService = %q, want %q", cfg.KeyringService, AppBundleID)
	}
}

func TestLoadAppliesFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("apiBaseUrl: https://file.example.com/api\nrequestTimeout: 3s\ncallbackPort: 9999\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOMESCOUT_API_URL", "https://env.example.com/api")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIBaseURL != "https://env.example.com/api" {
		t.Fatalf("apiBaseUrl = %q, env should win", cfg.APIBaseURL)
	}
	if cfg.RequestTimeout != 3*time.Second {
		t.Fatalf("requestTimeout = %s, want 3s from file", cfg.RequestTimeout)
	}
	if cfg.CallbackPort != 9999 {
		t.Fatalf("callbackPort = %d, want 9999 from file", cfg.CallbackPort)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("requestTimeout: 0s\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for zero timeout")
	}
}

func TestDataDirHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOMESCOUT_DATA_DIR", dir)

	if DataDir() != dir {
		t.Fatalf("DataDir() = %q, want %q", DataDir(), dir)
	}
	if DBPath() != filepath.Join(dir, DBFileName) {
		t.Fatalf("DBPath() = %q", DBPath())
	}
	if err := EnsureDataDirs(); err != nil {
		t.Fatalf("EnsureDataDirs() error = %v", err)
	}
	if _, err := os.Stat(LogDir()); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}
