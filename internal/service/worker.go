package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// Executor runs a claimed run to completion. *Pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, run *models.ExtractionRun) (*models.ExtractionRun, error)
}

// DefaultWorkerID owns the runs of a worker started without an explicit id.
const DefaultWorkerID = "worker"

// LocalOwner identifies runs executed in-process by this CLI invocation.
func LocalOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("local:%s:%d", host, os.Getpid())
}

// Worker claims pending runs and executes them with bounded concurrency.
// Runs it claims are owned by its id; restarting a worker with the same id
// fails the runs its previous process left running.
type Worker struct {
	id          string
	runs        *RunTracker
	exec        Executor
	concurrency int
	poll        time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewWorker creates a worker.
func NewWorker(runs *RunTracker, exec Executor, id string, concurrency int, poll time.Duration, logger *slog.Logger) *Worker {
	if id == "" {
		id = DefaultWorkerID
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:          id,
		runs:        runs,
		exec:        exec,
		concurrency: concurrency,
		poll:        poll,
		logger:      logger.With("component", "worker", "worker_id", id),
		inflight:    make(map[string]bool),
	}
}

// Run recovers orphaned runs, then polls for pending runs until ctx is done.
// It waits for in-flight runs before returning.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.runs.RecoverOrphans(ctx, w.id); err != nil {
		return fmt.Errorf("recover orphaned runs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	w.logger.Info("worker started", "concurrency", w.concurrency, "poll", w.poll)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		w.dispatch(ctx, &g, nil)
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, waiting for in-flight runs")
			_ = g.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Drain executes pending runs until none are left, then returns how many
// were processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	seen := make(map[string]bool)
	for {
		var g errgroup.Group
		g.SetLimit(w.concurrency)
		n := w.dispatch(ctx, &g, seen)
		_ = g.Wait()
		total += n
		if n == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// dispatch claims as many pending runs as there are free slots. Runs in
// seen are skipped, and dispatched runs are added to it when it is non-nil.
func (w *Worker) dispatch(ctx context.Context, g *errgroup.Group, seen map[string]bool) int {
	if ctx.Err() != nil {
		return 0
	}
	pending, err := w.runs.Pending(ctx, w.concurrency)
	if err != nil {
		w.logger.Error("list pending runs", "error", err)
		return 0
	}
	started := 0
	for _, run := range pending {
		id := run.Key()
		if seen[id] || !w.track(id) {
			continue
		}
		if seen != nil {
			seen[id] = true
		}
		if !g.TryGo(func() error {
			defer w.untrack(id)
			w.execute(ctx, id)
			return nil
		}) {
			w.untrack(id)
			break
		}
		started++
	}
	return started
}

func (w *Worker) execute(ctx context.Context, id string) {
	log := w.logger.With("run_id", id)
	run, err := w.runs.Claim(ctx, id, w.id)
	if errors.Is(err, ErrRunClaimed) {
		log.Debug("run claimed elsewhere")
		return
	}
	if err != nil {
		log.Error("claim run", "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", r)
			if _, err := w.runs.Fail(ctx, id, run.Counters, fmt.Errorf("panic: %v", r)); err != nil {
				log.Error("fail panicked run", "error", err)
			}
		}
	}()

	start := time.Now()
	done, err := w.exec.Execute(ctx, run)
	if err != nil {
		log.Error("run execution", "error", err)
		return
	}
	log.Info("run finished",
		"status", done.Status,
		"duration", time.Since(start).Round(time.Millisecond),
		"atoms_created", done.Counters.AtomsCreated,
		"topics_created", done.Counters.TopicsCreated,
		"batches_failed", done.Counters.BatchesFailed)
}

func (w *Worker) track(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[id] {
		return false
	}
	w.inflight[id] = true
	return true
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}
