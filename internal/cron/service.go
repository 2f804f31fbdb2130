// Package cron runs fresh copies of template trees on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/orchestrator"
	"github.com/aristath/taskflow/internal/scheduler"
)

const jobTag = "taskflow_schedule"

// Runner clones and starts trees. *orchestrator.Manager implements it.
type Runner interface {
	CloneTree(ctx context.Context, rootID string) ([]*scheduler.Task, error)
	RunTreeAsync(ctx context.Context, rootID string, opts ...orchestrator.RunOption) error
}

// Service owns a gocron scheduler with one job per enabled schedule.
type Service struct {
	runner    Runner
	scheduler gocron.Scheduler
	ctx       context.Context // Bounds the runs started by jobs

	mu        sync.Mutex
	schedules map[string]config.ScheduleConfig
}

// NewService creates a stopped service.
func NewService(ctx context.Context, runner Runner, opts ...gocron.SchedulerOption) (*Service, error) {
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Service{
		runner:    runner,
		scheduler: s,
		ctx:       ctx,
		schedules: make(map[string]config.ScheduleConfig),
	}, nil
}

// Start starts the scheduler and schedules every enabled entry.
func (s *Service) Start(schedules map[string]config.ScheduleConfig) error {
	log.Println("Cron service starting...")
	s.scheduler.Start()
	return s.Reload(schedules)
}

// Stop shuts the scheduler down. Runs already started keep going.
func (s *Service) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("ERROR: failed to shut down cron scheduler: %v", err)
		return
	}
	log.Println("Cron service stopped")
}

// Reload replaces every scheduled job with the given schedules. Entries that
// fail to schedule are reported together; the others are still scheduled.
func (s *Service) Reload(schedules map[string]config.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.RemoveByTags(jobTag)
	s.schedules = make(map[string]config.ScheduleConfig, len(schedules))

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		sc := schedules[name]
		s.schedules[name] = sc
		if sc.Disabled {
			log.Printf("Schedule %q is disabled", name)
			continue
		}

		job, err := s.scheduler.NewJob(
			gocron.CronJob(sc.Cron, false),
			gocron.NewTask(s.fire, name, sc.TemplateID),
			gocron.WithName(name),
			gocron.WithTags(jobTag, "template:"+sc.TemplateID),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q (%s): %w", name, sc.Cron, err))
			continue
		}

		if next, err := job.NextRun(); err == nil {
			log.Printf("Scheduled %q from template %s, next run %s", name, sc.TemplateID, next.Format(time.RFC3339))
		}
	}
	return errors.Join(errs...)
}

// Jobs returns the names of scheduled jobs, sorted.
func (s *Service) Jobs() []string {
	var names []string
	for _, job := range s.scheduler.Jobs() {
		names = append(names, job.Name())
	}
	sort.Strings(names)
	return names
}

// Trigger runs a schedule immediately and returns the root id of the new
// tree.
func (s *Service) Trigger(name string) (string, error) {
	s.mu.Lock()
	sc, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown schedule %q", name)
	}
	return s.start(name, sc.TemplateID)
}

func (s *Service) fire(name, templateID string) {
	if _, err := s.start(name, templateID); err != nil {
		log.Printf("ERROR: scheduled run %q failed to start: %v", name, err)
	}
}

// start clones the template and runs the clone.
func (s *Service) start(name, templateID string) (string, error) {
	clones, err := s.runner.CloneTree(s.ctx, templateID)
	if err != nil {
		return "", fmt.Errorf("failed to clone template %s: %w", templateID, err)
	}

	rootID := ""
	for _, t := range clones {
		if t.IsRoot() {
			rootID = t.ID
			break
		}
	}
	if rootID == "" {
		return "", fmt.Errorf("clone of template %s has no root", templateID)
	}

	if err := s.runner.RunTreeAsync(s.ctx, rootID); err != nil {
		return "", fmt.Errorf("failed to start tree %s: %w", rootID, err)
	}
	log.Printf("Schedule %q started tree %s from template %s", name, rootID, templateID)
	return rootID, nil
}
