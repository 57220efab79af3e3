// Package service runs extraction: the run lifecycle, the pipeline that
// executes a run, the worker that picks runs up and the task scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/db"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned when a run has already finished.
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrRunClaimed is returned when another worker claimed the run first.
	ErrRunClaimed = errors.New("run already claimed")
)

// orphanReason is recorded on runs a previous worker left running.
const orphanReason = "interrupted by worker restart"

// RunStore persists extraction runs. *db.Client implements it.
type RunStore interface {
	GetAgentConfig(ctx context.Context, idOrName string) (*models.AgentConfig, error)
	CreateRun(ctx context.Context, agentConfigID string, taskID *string, messageIDs []string, filters models.RunFilters) (*models.ExtractionRun, error)
	GetRun(ctx context.Context, id string) (*models.ExtractionRun, error)
	ListRuns(ctx context.Context, status *models.RunStatus, limit int) ([]models.ExtractionRun, error)
	ListPendingRuns(ctx context.Context, limit int) ([]models.ExtractionRun, error)
	ClaimRun(ctx context.Context, id, owner string) (*models.ExtractionRun, error)
	UpdateRunCounters(ctx context.Context, id string, counters models.RunCounters) error
	RequestRunCancel(ctx context.Context, id string) (*models.ExtractionRun, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	FinishRun(ctx context.Context, id string, status models.RunStatus, counters models.RunCounters, errMsg *string) (*models.ExtractionRun, error)
	FailOrphanedRuns(ctx context.Context, owner, reason string) (int, error)
}

// StartRequest selects the messages of a new run. MessageIDs take precedence
// over Filters.
type StartRequest struct {
	AgentConfig string // id or name
	TaskID      *string
	MessageIDs  []string
	Filters     models.RunFilters
}

// RunTracker owns the lifecycle of extraction runs. Terminal states are
// sticky: the store only moves runs out of pending or running.
type RunTracker struct {
	store   RunStore
	events  events.Broadcaster
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewRunTracker creates a tracker. broadcaster may be nil.
func NewRunTracker(store RunStore, broadcaster events.Broadcaster, logger *slog.Logger, collector *metrics.Collector) *RunTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	return &RunTracker{
		store:   store,
		events:  broadcaster,
		logger:  logger.With("component", "runs"),
		metrics: collector,
	}
}

// Start creates a pending run for the given agent config.
func (t *RunTracker) Start(ctx context.Context, req StartRequest) (*models.ExtractionRun, error) {
	if req.AgentConfig == "" {
		return nil, errors.New("agent config is required")
	}
	if req.Filters.LookbackHours < 0 {
		return nil, fmt.Errorf("lookback hours must not be negative, got %d", req.Filters.LookbackHours)
	}
	agent, err := t.store.GetAgentConfig(ctx, req.AgentConfig)
	if err != nil {
		return nil, fmt.Errorf("agent config %q: %w", req.AgentConfig, err)
	}
	run, err := t.store.CreateRun(ctx, agent.Key(), req.TaskID, req.MessageIDs, req.Filters)
	if err != nil {
		return nil, err
	}
	t.logger.Info("run created", "run_id", run.Key(), "agent", agent.Name, "messages", len(req.MessageIDs))
	return run, nil
}

// Claim moves a pending run to running on behalf of owner. Only one caller wins.
func (t *RunTracker) Claim(ctx context.Context, id, owner string) (*models.ExtractionRun, error) {
	run, err := t.store.ClaimRun(ctx, id, owner)
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrRunClaimed, id)
		}
		return nil, mapRunError(err)
	}
	t.events.Publish(ctx, events.TopicExtractionStarted, runEvent(run))
	return run, nil
}

// RecordBatch persists counters after a batch.
func (t *RunTracker) RecordBatch(ctx context.Context, id string, counters models.RunCounters) error {
	if err := t.store.UpdateRunCounters(ctx, id, counters); err != nil {
		return mapRunError(err)
	}
	t.events.Publish(ctx, events.TopicExtractionProgress, events.RunEvent{
		RunID:    id,
		Status:   models.RunRunning,
		Counters: counters,
	})
	return nil
}

// CancelRequested reports whether someone asked the run to stop.
func (t *RunTracker) CancelRequested(ctx context.Context, id string) (bool, error) {
	ok, err := t.store.IsCancelRequested(ctx, id)
	if err != nil {
		return false, mapRunError(err)
	}
	return ok, nil
}

// RequestCancel flags a run for cancellation. The run stops at its next
// batch boundary; callers poll Get for the terminal state.
func (t *RunTracker) RequestCancel(ctx context.Context, id string) (*models.ExtractionRun, error) {
	run, err := t.store.RequestRunCancel(ctx, id)
	if err != nil {
		return nil, mapRunError(err)
	}
	t.logger.Info("run cancellation requested", "run_id", id)
	return run, nil
}

// Complete finishes a run successfully.
func (t *RunTracker) Complete(ctx context.Context, id string, counters models.RunCounters) (*models.ExtractionRun, error) {
	run, err := t.finish(ctx, id, models.RunCompleted, counters, nil)
	if err != nil {
		return nil, err
	}
	t.metrics.Inc(metrics.CounterRunsCompleted)
	t.events.Publish(ctx, events.TopicExtractionCompleted, runEvent(run))
	t.logger.Info("run completed",
		"run_id", id,
		"batches", counters.BatchesProcessed,
		"failed_batches", counters.BatchesFailed,
		"atoms", counters.AtomsCreated,
		"topics", counters.TopicsCreated)
	return run, nil
}

// Cancel finishes a run that honored a cancellation request.
func (t *RunTracker) Cancel(ctx context.Context, id string, counters models.RunCounters) (*models.ExtractionRun, error) {
	run, err := t.finish(ctx, id, models.RunCancelled, counters, nil)
	if err != nil {
		return nil, err
	}
	t.metrics.Inc(metrics.CounterRunsCancelled)
	t.events.Publish(ctx, events.TopicExtractionCancelled, runEvent(run))
	t.logger.Info("run cancelled", "run_id", id, "batches", counters.BatchesProcessed)
	return run, nil
}

// Fail finishes a run with an error.
func (t *RunTracker) Fail(ctx context.Context, id string, counters models.RunCounters, cause error) (*models.ExtractionRun, error) {
	msg := cause.Error()
	run, err := t.finish(ctx, id, models.RunFailed, counters, &msg)
	if err != nil {
		return nil, err
	}
	t.metrics.Inc(metrics.CounterRunsFailed)
	t.events.Publish(ctx, events.TopicExtractionFailed, runEvent(run))
	t.logger.Error("run failed", "run_id", id, "error", cause)
	return run, nil
}

func (t *RunTracker) finish(ctx context.Context, id string, status models.RunStatus, counters models.RunCounters, errMsg *string) (*models.ExtractionRun, error) {
	// the run's own context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	run, err := t.store.FinishRun(ctx, id, status, counters, errMsg)
	if err != nil {
		return nil, mapRunError(err)
	}
	return run, nil
}

// Get returns a run.
func (t *RunTracker) Get(ctx context.Context, id string) (*models.ExtractionRun, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return nil, mapRunError(err)
	}
	return run, nil
}

// List returns recent runs, optionally filtered by status.
func (t *RunTracker) List(ctx context.Context, status *models.RunStatus, limit int) ([]models.ExtractionRun, error) {
	return t.store.ListRuns(ctx, status, limit)
}

// Pending returns runs waiting for a worker, oldest first.
func (t *RunTracker) Pending(ctx context.Context, limit int) ([]models.ExtractionRun, error) {
	return t.store.ListPendingRuns(ctx, limit)
}

// RecoverOrphans fails runs left running by a previous incarnation of owner,
// and runs claimed without an owner. Runs held by other owners are untouched.
func (t *RunTracker) RecoverOrphans(ctx context.Context, owner string) (int, error) {
	n, err := t.store.FailOrphanedRuns(ctx, owner, orphanReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Warn("failed orphaned runs", "count", n, "owner", owner)
	}
	return n, nil
}

func runEvent(run *models.ExtractionRun) events.RunEvent {
	ev := events.RunEvent{RunID: run.Key(), Status: run.Status, Counters: run.Counters}
	if run.Error != nil {
		ev.Error = *run.Error
	}
	return ev
}

func mapRunError(err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrRunNotFound, err)
	case errors.Is(err, db.ErrRunTerminal):
		return fmt.Errorf("%w: %w", ErrRunTerminal, err)
	}
	return err
}
