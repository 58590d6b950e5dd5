package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBType != defaultConfig.DBType {
		t.Errorf("DBType = %s, want default %s", cfg.DBType, defaultConfig.DBType)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	contents := "IMCSD_DATA_DIR=/tmp/imcsd-data\nIMCSD_REDIS_ENABLED=true\nIMCSD_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/imcsd-data" {
		t.Errorf("DataDir = %s, want /tmp/imcsd-data", cfg.DataDir)
	}
	if !cfg.RedisEnabled {
		t.Errorf("RedisEnabled = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadRejectsBadDBType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("IMCSD_DB_TYPE=mongodb\n"), 0o644); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unsupported DB type")
	}
}
