package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// =============================================================================
// AGENT CONFIGS
// =============================================================================

// CreateAgentConfig stores an LLM provider/model selection.
func (c *Client) CreateAgentConfig(ctx context.Context, a models.AgentConfig) (*models.AgentConfig, error) {
	results, err := surrealdb.Query[[]models.AgentConfig](ctx, c.db, `
		CREATE type::record("agent_config", $id) CONTENT {
			name: $name,
			provider: $provider,
			model: $model,
			language: $language,
			system_prompt: $system_prompt
		} RETURN AFTER
	`, map[string]any{
		"id":            models.MustRecordIDString(models.NewRecordID("agent_config")),
		"name":          a.Name,
		"provider":      a.Provider,
		"model":         a.Model,
		"language":      a.Language,
		"system_prompt": a.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent config: %w", wrapQueryError(err))
	}
	cfg := first(rows(results))
	if cfg == nil {
		return nil, errors.New("create agent config: no result returned")
	}
	return cfg, nil
}

// GetAgentConfig looks an agent config up by key, falling back to its name.
func (c *Client) GetAgentConfig(ctx context.Context, idOrName string) (*models.AgentConfig, error) {
	results, err := surrealdb.Query[[]models.AgentConfig](ctx, c.db, `
		SELECT * FROM agent_config
		WHERE id = type::record("agent_config", $key) OR name = $key
		LIMIT 1
	`, map[string]any{"key": idOrName})
	if err != nil {
		return nil, fmt.Errorf("get agent config: %w", err)
	}
	cfg := first(rows(results))
	if cfg == nil {
		return nil, fmt.Errorf("agent config %s: %w", idOrName, ErrNotFound)
	}
	return cfg, nil
}

// ListAgentConfigs returns all agent configs by name.
func (c *Client) ListAgentConfigs(ctx context.Context) ([]models.AgentConfig, error) {
	results, err := surrealdb.Query[[]models.AgentConfig](ctx, c.db, `
		SELECT * FROM agent_config ORDER BY name
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list agent configs: %w", err)
	}
	return rows(results), nil
}

// =============================================================================
// SCHEDULED EXTRACTION TASKS
// =============================================================================

// CreateExtractionTask stores a scheduled extraction.
func (c *Client) CreateExtractionTask(ctx context.Context, t models.ExtractionTask) (*models.ExtractionTask, error) {
	types := make([]string, 0, len(t.AllowedAtomTypes))
	for _, at := range t.AllowedAtomTypes {
		types = append(types, string(at))
	}
	results, err := surrealdb.Query[[]models.ExtractionTask](ctx, c.db, `
		CREATE type::record("extraction_task", $id) CONTENT {
			name: $name,
			agent_config_id: $agent,
			schedule: $schedule,
			enabled: $enabled,
			channel_ids: $channels,
			message_threshold: $threshold,
			lookback_hours: $lookback,
			auto_approve_enabled: $auto_approve,
			confidence_threshold: $confidence,
			allowed_atom_types: $types
		} RETURN AFTER
	`, map[string]any{
		"id":           models.MustRecordIDString(models.NewRecordID("extraction_task")),
		"name":         t.Name,
		"agent":        t.AgentConfigID,
		"schedule":     t.Schedule,
		"enabled":      t.Enabled,
		"channels":     orEmpty(t.ChannelIDs),
		"threshold":    t.MessageThreshold,
		"lookback":     t.LookbackHours,
		"auto_approve": t.AutoApproveEnabled,
		"confidence":   t.ConfidenceThreshold,
		"types":        types,
	})
	if err != nil {
		return nil, fmt.Errorf("create extraction task: %w", wrapQueryError(err))
	}
	task := first(rows(results))
	if task == nil {
		return nil, errors.New("create extraction task: no result returned")
	}
	return task, nil
}

// GetExtractionTask retrieves a scheduled task by key.
func (c *Client) GetExtractionTask(ctx context.Context, id string) (*models.ExtractionTask, error) {
	results, err := surrealdb.Query[[]models.ExtractionTask](ctx, c.db, `
		SELECT * FROM type::record("extraction_task", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get extraction task: %w", err)
	}
	task := first(rows(results))
	if task == nil {
		return nil, fmt.Errorf("extraction task %s: %w", id, ErrNotFound)
	}
	return task, nil
}

// ListExtractionTasks returns scheduled tasks by name.
func (c *Client) ListExtractionTasks(ctx context.Context, enabledOnly bool) ([]models.ExtractionTask, error) {
	sql := "SELECT * FROM extraction_task ORDER BY name"
	if enabledOnly {
		sql = "SELECT * FROM extraction_task WHERE enabled = true ORDER BY name"
	}
	results, err := surrealdb.Query[[]models.ExtractionTask](ctx, c.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("list extraction tasks: %w", err)
	}
	return rows(results), nil
}

// DeleteExtractionTask removes a scheduled task.
func (c *Client) DeleteExtractionTask(ctx context.Context, id string) error {
	results, err := surrealdb.Query[[]models.ExtractionTask](ctx, c.db, `
		DELETE type::record("extraction_task", $id) RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete extraction task: %w", err)
	}
	if len(rows(results)) == 0 {
		return fmt.Errorf("extraction task %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTaskRun records when a scheduled task last started a run.
func (c *Client) MarkTaskRun(ctx context.Context, id string, at time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("extraction_task", $id) SET last_run_at = $at
	`, map[string]any{"id": id, "at": at})
	if err != nil {
		return fmt.Errorf("mark task run: %w", err)
	}
	return nil
}
