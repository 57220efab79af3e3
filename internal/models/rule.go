package models

import (
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// AutoAction is the verdict an approval rule applies when its thresholds are met.
type AutoAction string

const (
	ActionApprove      AutoAction = "approve"
	ActionReject       AutoAction = "reject"
	ActionManualReview AutoAction = "manual_review"
)

// ParseAutoAction validates s as an auto action.
func ParseAutoAction(s string) (AutoAction, error) {
	switch AutoAction(s) {
	case ActionApprove, ActionReject, ActionManualReview:
		return AutoAction(s), nil
	}
	return "", fmt.Errorf("unknown auto action %q", s)
}

// ApprovalRule is a threshold-based governance rule. Thresholds are on a 0–100 scale.
// At most one rule is active at a time.
type ApprovalRule struct {
	ID                  surrealmodels.RecordID `json:"id"`
	Name                string                 `json:"name"`
	ConfidenceThreshold float64                `json:"confidence_threshold"`
	SimilarityThreshold float64                `json:"similarity_threshold"`
	AutoAction          AutoAction             `json:"auto_action"`
	Active              bool                   `json:"active"`
	CreatedAt           time.Time              `json:"created_at"`
}

// ApprovalRuleInput is the input structure for creating a rule.
type ApprovalRuleInput struct {
	Name                string
	ConfidenceThreshold float64
	SimilarityThreshold float64
	AutoAction          AutoAction
}

// Validate checks threshold ranges and the action.
func (in ApprovalRuleInput) Validate() error {
	if in.ConfidenceThreshold < 0 || in.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence threshold %.1f out of range [0,100]", in.ConfidenceThreshold)
	}
	if in.SimilarityThreshold < 0 || in.SimilarityThreshold > 100 {
		return fmt.Errorf("similarity threshold %.1f out of range [0,100]", in.SimilarityThreshold)
	}
	if _, err := ParseAutoAction(string(in.AutoAction)); err != nil {
		return err
	}
	return nil
}
