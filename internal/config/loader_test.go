package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvDBDriver, EnvDBDSN, EnvKafka, EnvHTTPAddr, EnvConcurrency} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		global          string
		project         string
		expectDriver    string
		expectDSN       string
		expectAddr      string
		expectConc      int
		expectSchedules int
		expectRetry     time.Duration
	}{
		{
			name:         "No config files - returns defaults",
			expectDriver: "sqlite",
			expectDSN:    "taskflow.db",
			expectAddr:   ":8888",
			expectConc:   4,
			expectRetry:  100 * time.Millisecond,
		},
		{
			name:            "Global only - adds schedule and switches driver",
			global:          `{"storage": {"driver": "mysql", "dsn": "user:pw@tcp(db:3306)/tasks"}, "schedules": {"nightly": {"cron": "0 2 * * *", "template_id": "t1"}}}`,
			expectDriver:    "mysql",
			expectDSN:       "user:pw@tcp(db:3306)/tasks",
			expectAddr:      ":8888",
			expectConc:      4,
			expectSchedules: 1,
			expectRetry:     100 * time.Millisecond,
		},
		{
			name:         "Project only - partial section keeps other fields",
			project:      `{"run": {"fail_fast": true}, "retry": {"initial_interval": "250ms"}}`,
			expectDriver: "sqlite",
			expectDSN:    "taskflow.db",
			expectAddr:   ":8888",
			expectConc:   4,
			expectRetry:  250 * time.Millisecond,
		},
		{
			name:            "Project overrides global - project wins, schedules merge",
			global:          `{"http": {"addr": ":9000"}, "schedules": {"a": {"cron": "@hourly", "template_id": "x"}}}`,
			project:         `{"http": {"addr": ":9100"}, "run": {"concurrency": 8}, "schedules": {"b": {"cron": "@daily", "template_id": "y"}}}`,
			expectDriver:    "sqlite",
			expectDSN:       "taskflow.db",
			expectAddr:      ":9100",
			expectConc:      8,
			expectSchedules: 2,
			expectRetry:     100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.global)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Storage.Driver != tt.expectDriver {
				t.Errorf("driver = %q, want %q", cfg.Storage.Driver, tt.expectDriver)
			}
			if cfg.Storage.DSN != tt.expectDSN {
				t.Errorf("dsn = %q, want %q", cfg.Storage.DSN, tt.expectDSN)
			}
			if cfg.HTTP.Addr != tt.expectAddr {
				t.Errorf("addr = %q, want %q", cfg.HTTP.Addr, tt.expectAddr)
			}
			if cfg.Run.Concurrency != tt.expectConc {
				t.Errorf("concurrency = %d, want %d", cfg.Run.Concurrency, tt.expectConc)
			}
			if got := len(cfg.Schedules); got != tt.expectSchedules {
				t.Errorf("schedules count = %d, want %d", got, tt.expectSchedules)
			}
			if got := cfg.Retry.InitialInterval.Std(); got != tt.expectRetry {
				t.Errorf("retry initial interval = %v, want %v", got, tt.expectRetry)
			}
			// Untouched defaults survive partial files
			if cfg.Retry.MaxInterval.Std() != 10*time.Second {
				t.Errorf("retry max interval = %v, want 10s", cfg.Retry.MaxInterval.Std())
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	project := writeFile(t, tmpDir, "project.json", `{"storage": {"driver": "sqlite", "dsn": "file.db"}, "http": {"addr": ":9000"}}`)

	t.Setenv(EnvDBDriver, "mysql")
	t.Setenv(EnvDBDSN, "root@tcp(localhost:3306)/taskflow")
	t.Setenv(EnvKafka, "k1:9092, k2:9092,")
	t.Setenv(EnvHTTPAddr, ":7000")
	t.Setenv(EnvConcurrency, "16")

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != "mysql" || cfg.Storage.DSN != "root@tcp(localhost:3306)/taskflow" {
		t.Errorf("storage = %+v, want env values", cfg.Storage)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v, want [k1:9092 k2:9092]", cfg.Kafka.Brokers)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("addr = %q, want :7000", cfg.HTTP.Addr)
	}
	if cfg.Run.Concurrency != 16 {
		t.Errorf("concurrency = %d, want 16", cfg.Run.Concurrency)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "malformed JSON", content: "{invalid json"},
		{name: "bad duration", content: `{"retry": {"initial_interval": "soon"}}`},
		{name: "numeric duration", content: `{"retry": {"initial_interval": 100}}`},
		{name: "unknown driver", content: `{"storage": {"driver": "postgres", "dsn": "x"}}`},
		{name: "mysql without dsn", content: `{"storage": {"driver": "mysql", "dsn": ""}}`},
		{name: "schedule without template", content: `{"schedules": {"x": {"cron": "@daily"}}}`},
		{name: "bad concurrency env", content: `{}`, env: map[string]string{EnvConcurrency: "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, t.TempDir(), "global.json", tt.content)

			if _, err := Load(path, ""); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Schedules == nil {
		t.Error("expected an empty schedules map, got nil")
	}
}
