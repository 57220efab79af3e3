// Package retry wraps external calls in a bounded exponential backoff and
// records exhausted work in a dead-letter queue.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
)

// Task names of the units of work the pipeline wraps.
const (
	TaskGenerate   = "llm.generate"
	TaskEmbed      = "embed"
	TaskStoreWrite = "store.write"
)

// Recorder persists work that exhausted its retries.
type Recorder interface {
	Record(ctx context.Context, task string, args map[string]any, attempts int, cause error)
}

// Policy retries transient failures with exponential backoff.
type Policy struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
	recorder    Recorder
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// NewPolicy creates a policy from the retry configuration. recorder may be nil.
func NewPolicy(cfg config.Retry, recorder Recorder, logger *slog.Logger, collector *metrics.Collector) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		maxAttempts: max(cfg.MaxAttempts, 1),
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		recorder:    recorder,
		logger:      logger.With("component", "retry"),
		metrics:     collector,
	}
}

// MaxAttempts returns the total number of attempts per call.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.minDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are exhausted. Exhausted transient failures are recorded and the
// last error is returned unchanged.
func (p *Policy) Do(ctx context.Context, task string, args map[string]any, fn func(ctx context.Context) error) error {
	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.Inc(metrics.CounterRetries)
		p.logger.Warn("transient failure, retrying",
			"task", task, "attempt", attempts, "wait_ms", wait.Milliseconds(), "error", err)
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	if attempts >= p.maxAttempts && IsTransient(lastErr) && ctx.Err() == nil {
		p.metrics.Inc(metrics.CounterDeadLetters)
		p.logger.Error("retries exhausted", "task", task, "attempts", attempts, "error", lastErr)
		if p.recorder != nil {
			p.recorder.Record(ctx, task, args, attempts, lastErr)
		}
	}
	return lastErr
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, p *Policy, task string, args map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, task, args, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsTransient reports whether err is a connection, timeout or low-level I/O
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
