package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

func countersVars(c models.RunCounters) map[string]any {
	return map[string]any{
		"messages_processed": c.MessagesProcessed,
		"topics_created":     c.TopicsCreated,
		"atoms_created":      c.AtomsCreated,
		"links_created":      c.LinksCreated,
		"versions_created":   c.VersionsCreated,
		"batches_total":      c.BatchesTotal,
		"batches_processed":  c.BatchesProcessed,
		"batches_failed":     c.BatchesFailed,
	}
}

func filtersVars(f models.RunFilters) map[string]any {
	m := map[string]any{}
	if len(f.ChannelIDs) > 0 {
		m["channel_ids"] = f.ChannelIDs
	}
	if f.LookbackHours > 0 {
		m["lookback_hours"] = f.LookbackHours
	}
	return m
}

// CreateRun inserts a pending extraction run.
func (c *Client) CreateRun(
	ctx context.Context,
	agentConfigID string,
	taskID *string,
	messageIDs []string,
	filters models.RunFilters,
) (*models.ExtractionRun, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		CREATE type::record("extraction_run", $id) CONTENT {
			agent_config_id: $agent,
			task_id: $task,
			status: "pending",
			cancel_requested: false,
			message_ids: $message_ids,
			filters: $filters,
			counters: $counters
		} RETURN AFTER
	`, map[string]any{
		"id":          models.MustRecordIDString(models.NewRecordID("extraction_run")),
		"agent":       agentConfigID,
		"task":        taskID,
		"message_ids": orEmpty(messageIDs),
		"filters":     filtersVars(filters),
		"counters":    countersVars(models.RunCounters{}),
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", wrapQueryError(err))
	}
	run := first(rows(results))
	if run == nil {
		return nil, errors.New("create run: no result returned")
	}
	return run, nil
}

// GetRun retrieves a run by key.
func (c *Client) GetRun(ctx context.Context, id string) (*models.ExtractionRun, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		SELECT * FROM type::record("extraction_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run := first(rows(results))
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status *models.RunStatus, limit int) ([]models.ExtractionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	where := ""
	vars := map[string]any{}
	if status != nil {
		where = "WHERE status = $status"
		vars["status"] = string(*status)
	}
	sql := fmt.Sprintf(`SELECT * FROM extraction_run %s ORDER BY created_at DESC LIMIT %d`, where, limit)

	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return rows(results), nil
}

// ListPendingRuns returns runs waiting for a worker, oldest first.
func (c *Client) ListPendingRuns(ctx context.Context, limit int) ([]models.ExtractionRun, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM extraction_run WHERE status = "pending" ORDER BY created_at ASC LIMIT %d
	`, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	return rows(results), nil
}

// ClaimRun moves a pending run to running and records owner as its holder.
// Only one caller can win the claim; the others get ErrConflict.
func (c *Client) ClaimRun(ctx context.Context, id, owner string) (*models.ExtractionRun, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		UPDATE type::record("extraction_run", $id) SET
			status = "running",
			claimed_by = $owner,
			started_at = time::now()
		WHERE status = "pending"
		RETURN AFTER
	`, map[string]any{"id": id, "owner": owner})
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", wrapQueryError(err))
	}
	run := first(rows(results))
	if run == nil {
		return nil, fmt.Errorf("claim run %s: %w", id, ErrConflict)
	}
	return run, nil
}

// UpdateRunCounters persists the progress counters of a running run.
func (c *Client) UpdateRunCounters(ctx context.Context, id string, counters models.RunCounters) error {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		UPDATE type::record("extraction_run", $id) SET counters = $counters
		WHERE status = "running"
		RETURN AFTER
	`, map[string]any{"id": id, "counters": countersVars(counters)})
	if err != nil {
		return fmt.Errorf("update run counters: %w", wrapQueryError(err))
	}
	if len(rows(results)) == 0 {
		return fmt.Errorf("update run counters %s: %w", id, ErrRunTerminal)
	}
	return nil
}

// RequestRunCancel sets cancel_requested on a non-terminal run.
func (c *Client) RequestRunCancel(ctx context.Context, id string) (*models.ExtractionRun, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		BEGIN TRANSACTION;
		LET $run = (SELECT * FROM ONLY type::record("extraction_run", $id));
		IF $run = NONE {
			THROW "not found: run";
		};
		IF $run.status IN ["completed", "failed", "cancelled"] {
			THROW "`+throwRunTerminal+`";
		};
		UPDATE $run.id SET cancel_requested = true RETURN AFTER;
		COMMIT TRANSACTION;
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", wrapQueryError(err))
	}
	run := first(lastRows(results))
	if run == nil {
		return nil, fmt.Errorf("request cancel %s: no result returned", id)
	}
	return run, nil
}

// IsCancelRequested polls the cancel flag of a run.
func (c *Client) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	run, err := c.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}

// FinishRun moves a non-terminal run to a terminal status with its final
// counters. Finishing an already terminal run fails with ErrRunTerminal.
func (c *Client) FinishRun(
	ctx context.Context,
	id string,
	status models.RunStatus,
	counters models.RunCounters,
	errMsg *string,
) (*models.ExtractionRun, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		UPDATE type::record("extraction_run", $id) SET
			status = $status,
			counters = $counters,
			error = $error,
			completed_at = IF $status != "cancelled" THEN time::now() ELSE completed_at END,
			cancelled_at = IF $status = "cancelled" THEN time::now() ELSE cancelled_at END
		WHERE status IN ["pending", "running"]
		RETURN AFTER
	`, map[string]any{
		"id":       id,
		"status":   string(status),
		"counters": countersVars(counters),
		"error":    errMsg,
	})
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", wrapQueryError(err))
	}
	run := first(rows(results))
	if run == nil {
		if _, getErr := c.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("finish run %s: %w", id, ErrRunTerminal)
	}
	return run, nil
}

// FailOrphanedRuns fails running runs held by owner (or by nobody) that its
// previous process exited without finishing.
func (c *Client) FailOrphanedRuns(ctx context.Context, owner, reason string) (int, error) {
	results, err := surrealdb.Query[[]models.ExtractionRun](ctx, c.db, `
		UPDATE extraction_run SET
			status = "failed",
			error = $reason,
			completed_at = time::now()
		WHERE status = "running" AND (claimed_by = $owner OR claimed_by = NONE)
		RETURN AFTER
	`, map[string]any{"owner": owner, "reason": reason})
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	return len(rows(results)), nil
}
