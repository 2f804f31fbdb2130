package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"

	"github.com/aristath/taskflow/internal/api"
	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/cron"
)

func serve(ctx context.Context, cfg *config.TaskflowConfig) error {
	log.Println("Taskflow server starting...")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Runs outlive the request that started them but stop with the process.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	schedules, err := cron.NewService(runCtx, a.manager)
	if err != nil {
		return err
	}
	if err := schedules.Start(cfg.Schedules); err != nil {
		log.Printf("WARNING: some schedules were not registered: %v", err)
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(cfg.HTTP.Addr), server.WithExitWaitTime(5*time.Second))
	api.Register(h.Engine, api.NewHandler(runCtx, a.manager, a.store, a.executors))

	errChan := make(chan error, 1)
	go func() {
		hlog.Infof("Admin API listening on %s", cfg.HTTP.Addr)
		errChan <- h.Run()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		hlog.Errorf("Hertz server shutdown error: %v", err)
	}

	schedules.Stop()
	cancelRuns()
	a.Shutdown()

	log.Println("Shutdown complete")
	return nil
}
