package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables applied over the loaded files.
const (
	EnvDBDriver    = "TASKFLOW_DB_DRIVER"
	EnvDBDSN       = "TASKFLOW_DB_DSN"
	EnvKafka       = "KAFKA_BROKERS" // Comma separated
	EnvHTTPAddr    = "TASKFLOW_HTTP_ADDR"
	EnvConcurrency = "TASKFLOW_CONCURRENCY"
)

var drivers = map[string]bool{"sqlite": true, "memory": true, "gorm-sqlite": true, "mysql": true}

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*TaskflowConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest file precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskflow/config.json
// Project: .taskflow/config.json (relative to cwd)
// The default SQLite database lives next to the global config.
func LoadDefault() (*TaskflowConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskflow", "config.json")
	projectPath := filepath.Join(".taskflow", "config.json")

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN == DefaultConfig().Storage.DSN {
		cfg.Storage.DSN = filepath.Join(homeDir, ".taskflow", "taskflow.db")
	}
	return cfg, nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Fields present in the file replace the base value; schedules merge by name.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *TaskflowConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if base.Schedules == nil {
		base.Schedules = map[string]ScheduleConfig{}
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from the environment through getenv.
func applyEnv(cfg *TaskflowConfig, getenv func(string) string) error {
	if v := getenv(EnvDBDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := getenv(EnvDBDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := getenv(EnvKafka); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
	if v := getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := getenv(EnvConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvConcurrency, err)
		}
		cfg.Run.Concurrency = n
	}
	return nil
}

// Validate checks the merged configuration.
func (c *TaskflowConfig) Validate() error {
	if !drivers[c.Storage.Driver] {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %q needs a dsn", c.Storage.Driver)
	}
	if c.Run.Concurrency < 0 {
		return fmt.Errorf("run concurrency must not be negative, got %d", c.Run.Concurrency)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka brokers set without a topic")
	}
	for name, s := range c.Schedules {
		if strings.TrimSpace(s.Cron) == "" || s.TemplateID == "" {
			return fmt.Errorf("schedule %q needs both cron and template_id", name)
		}
	}
	return nil
}
