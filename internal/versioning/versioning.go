// Package versioning manages proposed versions of topics and atoms and their
// review. Live entities only change when a version is approved.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/db"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

var (
	// ErrNotFound is returned for an unknown entity or version.
	ErrNotFound = errors.New("version not found")
	// ErrConflict is returned when a version was already approved, or a
	// concurrent review won the race.
	ErrConflict = errors.New("version conflict")
	// ErrInvalidData is returned when a payload does not fit the entity kind.
	ErrInvalidData = errors.New("invalid version data")
)

// createAttempts bounds retries when concurrent creators race for a number.
const createAttempts = 3

// Store persists versions. *db.Client implements it.
type Store interface {
	CreateVersion(ctx context.Context, kind models.EntityKind, entityID string, data models.VersionData, embedding []float32, createdBy string) (*models.Version, error)
	GetVersion(ctx context.Context, kind models.EntityKind, entityID string, n int) (*models.Version, error)
	ListVersions(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Version, error)
	ListPendingVersions(ctx context.Context, kind models.EntityKind, limit int) ([]models.Version, error)
	ApproveVersion(ctx context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error)
	RejectVersion(ctx context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error)
	CountPendingVersions(ctx context.Context) (int, error)
	VersionStats(ctx context.Context, since time.Time) (models.VersionStats, error)
}

// Ref addresses one version.
type Ref struct {
	Kind     models.EntityKind
	EntityID string
	Version  int
}

// String renders the ref as kind:entity:version.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s:%d", r.Kind, r.EntityID, r.Version)
}

// ParseRef parses kind:entity:version.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("invalid version ref %q (want kind:entity:version)", s)
	}
	kind, err := models.ParseEntityKind(parts[0])
	if err != nil {
		return Ref{}, err
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 1 {
		return Ref{}, fmt.Errorf("invalid version number in %q", s)
	}
	if parts[1] == "" {
		return Ref{}, fmt.Errorf("missing entity id in %q", s)
	}
	return Ref{Kind: kind, EntityID: parts[1], Version: n}, nil
}

// BulkResult summarizes a bulk review. Failures do not stop the batch.
type BulkResult struct {
	SuccessCount int               `json:"success_count"`
	FailedIDs    []string          `json:"failed_ids"`
	Errors       map[string]string `json:"errors"`
}

// Engine creates and reviews versions.
type Engine struct {
	store   Store
	events  events.Broadcaster
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewEngine creates an engine. broadcaster may be nil.
func NewEngine(store Store, broadcaster events.Broadcaster, logger *slog.Logger, collector *metrics.Collector) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.Nop{}
	}
	return &Engine{
		store:   store,
		events:  broadcaster,
		logger:  logger.With("component", "versioning"),
		metrics: collector,
		now:     time.Now,
	}
}

// CreateVersion stores a pending version numbered after the entity's latest.
// embedding, if set, replaces the entity's embedding on approval.
func (e *Engine) CreateVersion(
	ctx context.Context,
	kind models.EntityKind,
	entityID string,
	data models.VersionData,
	embedding []float32,
	createdBy string,
) (*models.Version, error) {
	if err := data.Validate(kind); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	var lastErr error
	for range createAttempts {
		v, err := e.store.CreateVersion(ctx, kind, entityID, data, embedding, createdBy)
		if err == nil {
			e.logger.Debug("version created", "kind", kind, "entity", entityID, "version", v.Version)
			return v, nil
		}
		if !errors.Is(err, db.ErrEntityAlreadyExists) && !errors.Is(err, db.ErrTransactionConflict) {
			return nil, mapError(err)
		}
		lastErr = err
	}
	return nil, mapError(lastErr)
}

// Approve applies a version to its live entity. A version is approved at
// most once; later attempts fail with ErrConflict.
func (e *Engine) Approve(ctx context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error) {
	v, err := e.approve(ctx, Ref{Kind: kind, EntityID: entityID, Version: n}, review)
	if err != nil {
		return nil, err
	}
	e.publishPendingCount(ctx)
	return v, nil
}

// Reject marks a version reviewed without applying it.
func (e *Engine) Reject(ctx context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error) {
	v, err := e.reject(ctx, Ref{Kind: kind, EntityID: entityID, Version: n}, review)
	if err != nil {
		return nil, err
	}
	e.publishPendingCount(ctx)
	return v, nil
}

func (e *Engine) approve(ctx context.Context, ref Ref, review models.Review) (*models.Version, error) {
	start := e.now()
	review = e.stamp(review)
	v, err := e.store.ApproveVersion(ctx, ref.Kind, ref.EntityID, ref.Version, review)
	if err != nil {
		return nil, mapError(err)
	}
	e.metrics.RecordTiming(metrics.OpApproval, e.now().Sub(start))
	if review.Auto {
		e.metrics.Inc(metrics.CounterAutoApproved)
	}
	e.logger.Info("version approved", "ref", ref.String(), "by", review.By, "auto", review.Auto)
	return v, nil
}

func (e *Engine) reject(ctx context.Context, ref Ref, review models.Review) (*models.Version, error) {
	review = e.stamp(review)
	v, err := e.store.RejectVersion(ctx, ref.Kind, ref.EntityID, ref.Version, review)
	if err != nil {
		return nil, mapError(err)
	}
	if review.Auto {
		e.metrics.Inc(metrics.CounterAutoRejected)
	}
	e.logger.Info("version rejected", "ref", ref.String(), "by", review.By, "auto", review.Auto)
	return v, nil
}

func (e *Engine) stamp(review models.Review) models.Review {
	if review.At.IsZero() {
		review.At = e.now().UTC()
	}
	return review
}

// BulkApprove approves each ref independently.
func (e *Engine) BulkApprove(ctx context.Context, refs []Ref, review models.Review) BulkResult {
	return e.bulk(ctx, refs, review, e.approve)
}

// BulkReject rejects each ref independently.
func (e *Engine) BulkReject(ctx context.Context, refs []Ref, review models.Review) BulkResult {
	return e.bulk(ctx, refs, review, e.reject)
}

func (e *Engine) bulk(
	ctx context.Context,
	refs []Ref,
	review models.Review,
	op func(context.Context, Ref, models.Review) (*models.Version, error),
) BulkResult {
	res := BulkResult{FailedIDs: []string{}, Errors: map[string]string{}}
	for _, ref := range refs {
		if _, err := op(ctx, ref, review); err != nil {
			res.FailedIDs = append(res.FailedIDs, ref.String())
			res.Errors[ref.String()] = err.Error()
			continue
		}
		res.SuccessCount++
	}
	if res.SuccessCount > 0 {
		e.publishPendingCount(ctx)
	}
	return res
}

// Get returns one version.
func (e *Engine) Get(ctx context.Context, kind models.EntityKind, entityID string, n int) (*models.Version, error) {
	v, err := e.store.GetVersion(ctx, kind, entityID, n)
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}

// List returns all versions of an entity, oldest first.
func (e *Engine) List(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Version, error) {
	vs, err := e.store.ListVersions(ctx, kind, entityID)
	if err != nil {
		return nil, mapError(err)
	}
	return vs, nil
}

// Pending returns unreviewed versions of a kind.
func (e *Engine) Pending(ctx context.Context, kind models.EntityKind, limit int) ([]models.Version, error) {
	return e.store.ListPendingVersions(ctx, kind, limit)
}

// PendingCount counts unreviewed versions of all kinds.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.CountPendingVersions(ctx)
}

// DailyStats aggregates reviews of the last 24 hours.
func (e *Engine) DailyStats(ctx context.Context) (models.VersionStats, error) {
	return e.store.VersionStats(ctx, e.now().Add(-24*time.Hour))
}

// Diff compares two versions of the same entity.
func (e *Engine) Diff(ctx context.Context, kind models.EntityKind, entityID string, v1, v2 int) (*DiffResult, error) {
	a, err := e.Get(ctx, kind, entityID, v1)
	if err != nil {
		return nil, err
	}
	b, err := e.Get(ctx, kind, entityID, v2)
	if err != nil {
		return nil, err
	}
	changes := DiffData(a.Data, b.Data)
	return &DiffResult{
		Kind:     kind,
		EntityID: entityID,
		From:     v1,
		To:       v2,
		Changes:  changes,
		Summary:  Summarize(changes),
	}, nil
}

func (e *Engine) publishPendingCount(ctx context.Context) {
	n, err := e.store.CountPendingVersions(ctx)
	if err != nil {
		e.logger.Warn("count pending versions", "error", err)
		return
	}
	e.events.Publish(ctx, events.TopicPendingCount, events.PendingCountEvent{Count: n})
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, db.ErrConflict), errors.Is(err, db.ErrTransactionConflict), errors.Is(err, db.ErrEntityAlreadyExists):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
