package config

import "time"

// DefaultConfig returns the default configuration: a local SQLite store, the
// admin API on :8888 and no Kafka sink or schedules.
func DefaultConfig() *TaskflowConfig {
	return &TaskflowConfig{
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "taskflow.db",
		},
		Kafka: KafkaConfig{
			Topic: "taskflow-events",
		},
		HTTP: HTTPConfig{
			Addr: ":8888",
		},
		Run: RunConfig{
			Concurrency: 4,
		},
		Retry: RetryConfig{
			InitialInterval: Duration(100 * time.Millisecond),
			MaxInterval:     Duration(10 * time.Second),
			MaxElapsedTime:  Duration(2 * time.Minute),
		},
		Reporter: ReporterConfig{
			PutTimeout:   Duration(5 * time.Second),
			RetryInitial: Duration(100 * time.Millisecond),
			RetryMax:     Duration(10 * time.Second),
		},
		Schedules: map[string]ScheduleConfig{},
	}
}
