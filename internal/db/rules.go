package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// GetActiveRule returns the single active approval rule, or nil when none is active.
func (c *Client) GetActiveRule(ctx context.Context) (*models.ApprovalRule, error) {
	results, err := surrealdb.Query[[]models.ApprovalRule](ctx, c.db, `
		SELECT * FROM approval_rule WHERE active = true ORDER BY created_at DESC LIMIT 1
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("get active rule: %w", err)
	}
	return first(rows(results)), nil
}

// SetActiveRule creates a rule and makes it the only active one.
func (c *Client) SetActiveRule(ctx context.Context, in models.ApprovalRuleInput) (*models.ApprovalRule, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("set active rule: %w", err)
	}
	results, err := surrealdb.Query[[]models.ApprovalRule](ctx, c.db, `
		BEGIN TRANSACTION;
		UPDATE approval_rule SET active = false WHERE active = true RETURN NONE;
		CREATE type::record("approval_rule", $id) CONTENT {
			name: $name,
			confidence_threshold: $confidence,
			similarity_threshold: $similarity,
			auto_action: $action,
			active: true
		} RETURN AFTER;
		COMMIT TRANSACTION;
	`, map[string]any{
		"id":         models.MustRecordIDString(models.NewRecordID("approval_rule")),
		"name":       in.Name,
		"confidence": in.ConfidenceThreshold,
		"similarity": in.SimilarityThreshold,
		"action":     string(in.AutoAction),
	})
	if err != nil {
		return nil, fmt.Errorf("set active rule: %w", wrapQueryError(err))
	}
	rule := first(lastRows(results))
	if rule == nil {
		return nil, errors.New("set active rule: no result returned")
	}
	return rule, nil
}

// DisableRules deactivates every rule. Returns how many were active.
func (c *Client) DisableRules(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]models.ApprovalRule](ctx, c.db, `
		UPDATE approval_rule SET active = false WHERE active = true RETURN BEFORE
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("disable rules: %w", err)
	}
	return len(rows(results)), nil
}
