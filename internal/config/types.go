package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a string in JSON ("250ms", "2m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Driver string `json:"driver"`        // "sqlite", "memory", "gorm-sqlite" or "mysql"
	DSN    string `json:"dsn,omitempty"` // File path for sqlite, connection string otherwise
}

// KafkaConfig enables the Kafka event sink when brokers are set.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// RunConfig holds the default policy of tree runs.
type RunConfig struct {
	Concurrency int  `json:"concurrency"`
	FailFast    bool `json:"fail_fast"`
}

// RetryConfig configures retry of failed executions and per-type circuit
// breaking. Both are off unless enabled.
type RetryConfig struct {
	Enabled         bool     `json:"enabled"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	MaxElapsedTime  Duration `json:"max_elapsed_time"`
	MaxRetries      uint64   `json:"max_retries,omitempty"`
	CircuitBreaker  bool     `json:"circuit_breaker"`
}

// ReporterConfig tunes event delivery to sinks.
type ReporterConfig struct {
	PutTimeout   Duration `json:"put_timeout"`
	RetryInitial Duration `json:"retry_initial"`
	RetryMax     Duration `json:"retry_max"` // Zero disables delivery retry
}

// ScheduleConfig runs a fresh copy of a template tree on a cron expression.
type ScheduleConfig struct {
	Cron       string `json:"cron"`
	TemplateID string `json:"template_id"` // Root id of the tree to clone
	Disabled   bool   `json:"disabled,omitempty"`
}

// TaskflowConfig is the top-level configuration.
type TaskflowConfig struct {
	Storage   StorageConfig             `json:"storage"`
	Kafka     KafkaConfig               `json:"kafka"`
	HTTP      HTTPConfig                `json:"http"`
	Run       RunConfig                 `json:"run"`
	Retry     RetryConfig               `json:"retry"`
	Reporter  ReporterConfig            `json:"reporter"`
	Schedules map[string]ScheduleConfig `json:"schedules"`
}
