package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

// TaskStore reads scheduled extraction tasks. *db.Client implements it.
type TaskStore interface {
	ListExtractionTasks(ctx context.Context, enabledOnly bool) ([]models.ExtractionTask, error)
	CountMessages(ctx context.Context, channelIDs []string, since time.Time) (int, error)
	MarkTaskRun(ctx context.Context, id string, at time.Time) error
}

// ValidateSchedule checks a standard five-field cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler starts runs for extraction tasks on their cron schedule once
// enough new messages have arrived.
type Scheduler struct {
	store  TaskStore
	runs   *RunTracker
	cfg    config.Pipeline
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler. Zero task thresholds fall back to cfg.
func NewScheduler(store TaskStore, runs *RunTracker, cfg config.Pipeline, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	return &Scheduler{
		store:  store,
		runs:   runs,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Start schedules all enabled tasks and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for running triggers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Reload replaces the schedule with the currently enabled tasks.
func (s *Scheduler) Reload(ctx context.Context) error {
	tasks, err := s.store.ListExtractionTasks(ctx, true)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, task := range tasks {
		schedule, err := cron.ParseStandard(task.Schedule)
		if err != nil {
			s.logger.Warn("skipping task with invalid schedule", "task", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		s.entries[task.Key()] = s.cron.Schedule(schedule, cron.FuncJob(func() {
			if _, err := s.Trigger(context.Background(), task); err != nil {
				s.logger.Error("trigger task", "task", task.Name, "error", err)
			}
		}))
	}
	return nil
}

// Entries returns the number of scheduled tasks.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Trigger counts the task's new messages and starts a run when the count
// reaches the task's threshold. It returns nil when the threshold is not met.
func (s *Scheduler) Trigger(ctx context.Context, task models.ExtractionTask) (*models.ExtractionRun, error) {
	threshold := task.MessageThreshold
	if threshold <= 0 {
		threshold = s.cfg.MessageThreshold
	}
	lookback := task.LookbackHours
	if lookback <= 0 {
		lookback = s.cfg.LookbackHours
	}

	now := s.now()
	since := now.Add(-time.Duration(lookback) * time.Hour)
	if task.LastRunAt != nil && task.LastRunAt.After(since) {
		since = *task.LastRunAt
	}
	count, err := s.store.CountMessages(ctx, task.ChannelIDs, since)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	log := s.logger.With("task", task.Name, "messages", count, "threshold", threshold)
	if count < threshold {
		log.Debug("below message threshold")
		return nil, nil
	}

	taskID := task.Key()
	run, err := s.runs.Start(ctx, StartRequest{
		AgentConfig: task.AgentConfigID,
		TaskID:      &taskID,
		Filters: models.RunFilters{
			ChannelIDs:    task.ChannelIDs,
			LookbackHours: lookback,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkTaskRun(ctx, taskID, now); err != nil {
		log.Warn("mark task run", "error", err)
	}
	log.Info("task triggered", "run_id", run.Key())
	return run, nil
}

// cronLogger routes cron's logr-style logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
