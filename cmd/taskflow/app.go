package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/executor/builtin"
	"github.com/aristath/taskflow/internal/extension"
	"github.com/aristath/taskflow/internal/hooks"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/persistence"
	"github.com/aristath/taskflow/internal/streaming"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       *config.TaskflowConfig
	ext       *extension.Registry
	store     persistence.Store
	executors *executor.Registry
	pm        *builtin.ProcessManager
	bus       *events.EventBus
	sink      *streaming.MultiSink
	manager   *orchestrator.Manager
}

// newApp opens the store and wires the manager from cfg.
func newApp(ctx context.Context, cfg *config.TaskflowConfig) (*app, error) {
	ext := extension.NewRegistry()

	store, err := persistence.Open(ctx, persistence.Options{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN}, ext)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}

	pm := builtin.NewProcessManager()
	executors := executor.NewRegistry(ext)
	if err := builtin.Register(executors, pm); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register built-in executors: %w", err)
	}

	pipeline := hooks.NewPipeline(ext)
	pre, post := hooks.AuditHooks(nil)
	pipeline.RegisterPreHook(pre)
	pipeline.RegisterPostHook(post)

	bus := events.NewEventBus()
	sink := streaming.NewMultiSink(streaming.NewBusSink(bus))
	if len(cfg.Kafka.Brokers) > 0 {
		writer := streaming.NewKafkaWriter(strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
		sink.Add(streaming.NewKafkaSink(writer))
	}

	retry, breakers := resilienceFromConfig(cfg.Retry)
	manager := orchestrator.NewManager(orchestrator.Config{
		Store:           store,
		Executors:       executors,
		Hooks:           pipeline,
		Sink:            sink,
		Concurrency:     cfg.Run.Concurrency,
		FailFast:        cfg.Run.FailFast,
		Retry:           retry,
		Breakers:        breakers,
		ReporterOptions: reporterOptions(cfg.Reporter),
	})

	return &app{
		cfg:       cfg,
		ext:       ext,
		store:     store,
		executors: executors,
		pm:        pm,
		bus:       bus,
		sink:      sink,
		manager:   manager,
	}, nil
}

// Close waits for background runs, then releases sinks and the store.
func (a *app) Close() {
	a.manager.Wait()
	if err := a.sink.Close(); err != nil {
		log.Printf("WARNING: closing event sinks: %v", err)
	}
	a.bus.Close()
	if n := a.bus.Dropped(); n > 0 {
		log.Printf("WARNING: %d events dropped for slow subscribers", n)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("WARNING: closing store: %v", err)
	}
}

// Shutdown kills tracked subprocesses so running command tasks end quickly.
func (a *app) Shutdown() {
	if err := a.pm.KillAll(); err != nil {
		log.Printf("Error killing subprocesses: %v", err)
	}
}

func resilienceFromConfig(rc config.RetryConfig) (*orchestrator.RetryConfig, *orchestrator.CircuitBreakerRegistry) {
	var breakers *orchestrator.CircuitBreakerRegistry
	if rc.CircuitBreaker {
		breakers = orchestrator.NewCircuitBreakerRegistry()
	}
	if !rc.Enabled {
		return nil, breakers
	}

	retry := orchestrator.DefaultRetryConfig()
	if d := rc.InitialInterval.Std(); d > 0 {
		retry.InitialInterval = d
	}
	if d := rc.MaxInterval.Std(); d > 0 {
		retry.MaxInterval = d
	}
	if d := rc.MaxElapsedTime.Std(); d > 0 {
		retry.MaxElapsedTime = d
	}
	retry.MaxRetries = rc.MaxRetries
	return &retry, breakers
}

func reporterOptions(rc config.ReporterConfig) []streaming.Option {
	return []streaming.Option{
		streaming.WithPutTimeout(rc.PutTimeout.Std()),
		streaming.WithRetry(rc.RetryInitial.Std(), rc.RetryMax.Std()),
	}
}
