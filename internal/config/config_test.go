package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Routing.QueueCapacity != 0 {
		t.Fatalf("expected unlimited queue capacity by default, got %d", cfg.Routing.QueueCapacity)
	}
}

func TestLoadReadsFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Default()
	cfg.Routing.QueueCapacity = 5
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHATROUTE_REDIS_ADDR", "redis-override:6379")

	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Routing.QueueCapacity != 5 {
		t.Fatalf("expected queue capacity from file, got %d", loaded.Routing.QueueCapacity)
	}
	if loaded.Redis.Addr != "redis-override:6379" {
		t.Fatalf("expected env override for redis addr, got %s", loaded.Redis.Addr)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected invalid driver to be rejected")
	}
}

func TestValidateRejectsNegativeQueueCapacity(t *testing.T) {
	cfg := Default()
	cfg.Routing.QueueCapacity = -1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected negative queue capacity to be rejected")
	}
}
