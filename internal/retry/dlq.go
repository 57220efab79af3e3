package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// ErrNoHandler is returned when a dead letter has no registered replay handler.
var ErrNoHandler = errors.New("no replay handler registered")

// ErrNotReplayable is returned when retrying a dead letter that is not in the
// failed state.
var ErrNotReplayable = errors.New("failed task is not replayable")

// Store persists dead letters.
type Store interface {
	CreateFailedTask(ctx context.Context, in models.FailedTaskInput) (*models.FailedTask, error)
	GetFailedTask(ctx context.Context, id string) (*models.FailedTask, error)
	ListFailedTasks(ctx context.Context, status *models.FailedTaskStatus, limit int) ([]models.FailedTask, error)
	UpdateFailedTask(ctx context.Context, id string, status models.FailedTaskStatus, attempts int, errMsg string) (*models.FailedTask, error)
	DeleteFailedTask(ctx context.Context, id string) error
}

// Handler replays a dead letter from its recorded arguments.
type Handler func(ctx context.Context, args map[string]any) error

// Registry maps task names to replay handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register sets the handler for task, replacing any previous one.
func (r *Registry) Register(task string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = h
}

// Lookup returns the handler for task.
func (r *Registry) Lookup(task string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[task]
	return h, ok
}

// Tasks lists registered task names in order.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeadLetterQueue records and replays work that exhausted its retries.
type DeadLetterQueue struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
}

// NewDeadLetterQueue creates a queue backed by store. registry may be nil
// when the caller never replays.
func NewDeadLetterQueue(store Store, registry *Registry, logger *slog.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &DeadLetterQueue{store: store, registry: registry, logger: logger.With("component", "dlq")}
}

// Registry returns the queue's replay registry.
func (q *DeadLetterQueue) Registry() *Registry {
	return q.registry
}

// Record implements Recorder. Storage failures are logged, never returned,
// so the caller keeps seeing the original error.
func (q *DeadLetterQueue) Record(ctx context.Context, task string, args map[string]any, attempts int, cause error) {
	in := models.FailedTaskInput{
		TaskName:       task,
		TaskArgs:       args,
		ErrorMessage:   cause.Error(),
		ErrorTraceback: string(debug.Stack()),
		Attempts:       attempts,
	}
	if in.TaskArgs == nil {
		in.TaskArgs = map[string]any{}
	}
	// the caller's context may be about to expire; the record must still land
	ft, err := q.store.CreateFailedTask(context.WithoutCancel(ctx), in)
	if err != nil {
		q.logger.Error("failed to record dead letter", "task", task, "error", err)
		return
	}
	q.logger.Info("dead letter recorded", "id", ft.Key(), "task", task, "attempts", attempts)
}

// List returns dead letters, optionally filtered by status.
func (q *DeadLetterQueue) List(ctx context.Context, status *models.FailedTaskStatus, limit int) ([]models.FailedTask, error) {
	return q.store.ListFailedTasks(ctx, status, limit)
}

// Get returns one dead letter.
func (q *DeadLetterQueue) Get(ctx context.Context, id string) (*models.FailedTask, error) {
	return q.store.GetFailedTask(ctx, id)
}

// Retry replays a failed dead letter through its registered handler. Success
// deletes the record; failure returns it to failed with one more attempt.
func (q *DeadLetterQueue) Retry(ctx context.Context, id string) error {
	ft, err := q.store.GetFailedTask(ctx, id)
	if err != nil {
		return err
	}
	if ft.Status != models.FailedTaskFailed {
		return fmt.Errorf("%w: status %s", ErrNotReplayable, ft.Status)
	}
	handler, ok := q.registry.Lookup(ft.TaskName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ft.TaskName)
	}
	if _, err := q.store.UpdateFailedTask(ctx, id, models.FailedTaskRetrying, ft.Attempts, ""); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}

	if replayErr := handler(ctx, ft.TaskArgs); replayErr != nil {
		q.logger.Warn("replay failed", "id", id, "task", ft.TaskName, "error", replayErr)
		if _, err := q.store.UpdateFailedTask(ctx, id, models.FailedTaskFailed, ft.Attempts+1, replayErr.Error()); err != nil {
			return errors.Join(replayErr, fmt.Errorf("mark failed: %w", err))
		}
		return replayErr
	}

	if err := q.store.DeleteFailedTask(ctx, id); err != nil {
		return fmt.Errorf("delete replayed task: %w", err)
	}
	q.logger.Info("replay succeeded", "id", id, "task", ft.TaskName)
	return nil
}

// Abandon marks a dead letter as given up on.
func (q *DeadLetterQueue) Abandon(ctx context.Context, id string) (*models.FailedTask, error) {
	ft, err := q.store.GetFailedTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.store.UpdateFailedTask(ctx, id, models.FailedTaskAbandoned, ft.Attempts, "")
}
