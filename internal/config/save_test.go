package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveWritesDurationsAsStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), `"initial_interval": "100ms"`) {
		t.Errorf("expected duration string in output, got:\n%s", data)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Storage = StorageConfig{Driver: "gorm-sqlite", DSN: "/var/lib/taskflow.db"}
	cfg.Kafka.Brokers = []string{"kafka:9092"}
	cfg.Run = RunConfig{Concurrency: 2, FailFast: true}
	cfg.Retry.Enabled = true
	cfg.Retry.MaxRetries = 3
	cfg.Retry.MaxElapsedTime = Duration(30 * time.Second)
	cfg.Schedules["nightly"] = ScheduleConfig{Cron: "0 2 * * *", TemplateID: "tmpl"}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Storage != cfg.Storage {
		t.Errorf("storage mismatch: got %+v", loaded.Storage)
	}
	if len(loaded.Kafka.Brokers) != 1 || loaded.Kafka.Brokers[0] != "kafka:9092" {
		t.Errorf("brokers mismatch: got %v", loaded.Kafka.Brokers)
	}
	if loaded.Run != cfg.Run {
		t.Errorf("run mismatch: got %+v", loaded.Run)
	}
	if loaded.Retry != cfg.Retry {
		t.Errorf("retry mismatch: got %+v, want %+v", loaded.Retry, cfg.Retry)
	}
	if loaded.Schedules["nightly"].TemplateID != "tmpl" {
		t.Errorf("schedule mismatch: got %+v", loaded.Schedules)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.HTTP.Addr = ":1111"
	if err := Save(first, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := DefaultConfig()
	second.HTTP.Addr = ":2222"
	if err := Save(second, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.HTTP.Addr != ":2222" {
		t.Errorf("Expected ':2222', got '%s'", loaded.HTTP.Addr)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"
	if err := Save(cfg, path); err == nil {
		t.Fatal("expected error for unknown driver")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("invalid config left files behind: %v", entries)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := Save(DefaultConfig(), filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.json" {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}
