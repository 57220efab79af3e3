package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateFailedTask records a dead letter.
func (c *Client) CreateFailedTask(ctx context.Context, in models.FailedTaskInput) (*models.FailedTask, error) {
	args := in.TaskArgs
	if args == nil {
		args = map[string]any{}
	}
	results, err := surrealdb.Query[[]models.FailedTask](ctx, c.db, `
		CREATE type::record("failed_task", $id) CONTENT {
			task_name: $name,
			task_args: $args,
			error_message: $message,
			error_traceback: $traceback,
			attempts: $attempts,
			status: "failed"
		} RETURN AFTER
	`, map[string]any{
		"id":        models.MustRecordIDString(models.NewRecordID("failed_task")),
		"name":      in.TaskName,
		"args":      args,
		"message":   in.ErrorMessage,
		"traceback": in.ErrorTraceback,
		"attempts":  in.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create failed task: %w", wrapQueryError(err))
	}
	task := first(rows(results))
	if task == nil {
		return nil, errors.New("create failed task: no result returned")
	}
	return task, nil
}

// GetFailedTask retrieves a dead letter by key.
func (c *Client) GetFailedTask(ctx context.Context, id string) (*models.FailedTask, error) {
	results, err := surrealdb.Query[[]models.FailedTask](ctx, c.db, `
		SELECT * FROM type::record("failed_task", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get failed task: %w", err)
	}
	task := first(rows(results))
	if task == nil {
		return nil, fmt.Errorf("failed task %s: %w", id, ErrNotFound)
	}
	return task, nil
}

// ListFailedTasks returns dead letters newest first, optionally by status.
func (c *Client) ListFailedTasks(ctx context.Context, status *models.FailedTaskStatus, limit int) ([]models.FailedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	vars := map[string]any{}
	if status != nil {
		where = "WHERE status = $status"
		vars["status"] = string(*status)
	}
	sql := fmt.Sprintf(`SELECT * FROM failed_task %s ORDER BY created_at DESC LIMIT %d`, where, limit)

	results, err := surrealdb.Query[[]models.FailedTask](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	return rows(results), nil
}

// UpdateFailedTask sets the status, attempt count and last error of a dead letter.
func (c *Client) UpdateFailedTask(
	ctx context.Context,
	id string,
	status models.FailedTaskStatus,
	attempts int,
	errMsg string,
) (*models.FailedTask, error) {
	results, err := surrealdb.Query[[]models.FailedTask](ctx, c.db, `
		UPDATE type::record("failed_task", $id) SET
			status = $status,
			attempts = $attempts,
			error_message = IF $message != "" THEN $message ELSE error_message END,
			updated_at = time::now()
		RETURN AFTER
	`, map[string]any{
		"id":       id,
		"status":   string(status),
		"attempts": attempts,
		"message":  errMsg,
	})
	if err != nil {
		return nil, fmt.Errorf("update failed task: %w", wrapQueryError(err))
	}
	task := first(rows(results))
	if task == nil {
		return nil, fmt.Errorf("failed task %s: %w", id, ErrNotFound)
	}
	return task, nil
}

// DeleteFailedTask removes a dead letter after a successful replay.
func (c *Client) DeleteFailedTask(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("failed_task", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete failed task: %w", err)
	}
	return nil
}
