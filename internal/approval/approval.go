// Package approval decides whether a freshly created version can skip manual
// review.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// Verdict is the advisory outcome of an evaluation.
type Verdict = models.AutoAction

// RuleSource loads the single active approval rule, or nil when none is active.
type RuleSource interface {
	GetActiveRule(ctx context.Context) (*models.ApprovalRule, error)
}

// Decide applies rule to a candidate. Confidence and similarity are on a 0–1
// scale; rule thresholds are on a 0–100 scale.
func Decide(rule *models.ApprovalRule, confidence, similarity float64) Verdict {
	if rule == nil {
		return models.ActionManualReview
	}
	return decide(rule.ConfidenceThreshold/100, rule.SimilarityThreshold/100, rule.AutoAction, confidence, similarity)
}

// decide works on 0–1 thresholds so inputs sitting exactly on a threshold pass.
func decide(minConfidence, minSimilarity float64, action Verdict, confidence, similarity float64) Verdict {
	if confidence >= minConfidence && similarity >= minSimilarity {
		return action
	}
	return models.ActionManualReview
}

// Candidate describes a pending version up for evaluation.
type Candidate struct {
	Kind       models.EntityKind
	AtomType   models.AtomType // atoms only
	Confidence float64
	Similarity float64
}

// TaskPolicy carries the overrides of a scheduled extraction task.
type TaskPolicy struct {
	Enabled             bool
	ConfidenceThreshold float64 // 0–1
	AllowedAtomTypes    []models.AtomType
}

// PolicyFromTask builds the policy of a scheduled task.
func PolicyFromTask(t models.ExtractionTask) *TaskPolicy {
	return &TaskPolicy{
		Enabled:             t.AutoApproveEnabled,
		ConfidenceThreshold: t.ConfidenceThreshold,
		AllowedAtomTypes:    t.AllowedAtomTypes,
	}
}

func (p *TaskPolicy) allows(c Candidate) bool {
	if c.Kind != models.KindAtom || len(p.AllowedAtomTypes) == 0 {
		return true
	}
	return slices.Contains(p.AllowedAtomTypes, c.AtomType)
}

// Engine evaluates candidates against the active rule.
type Engine struct {
	rules  RuleSource
	logger *slog.Logger
}

// NewEngine creates an engine reading rules from src.
func NewEngine(src RuleSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: src, logger: logger.With("component", "approval")}
}

// Evaluate loads the active rule and decides.
func (e *Engine) Evaluate(ctx context.Context, confidence, similarity float64) (Verdict, error) {
	rule, err := e.rules.GetActiveRule(ctx)
	if err != nil {
		return models.ActionManualReview, fmt.Errorf("load active rule: %w", err)
	}
	return Decide(rule, confidence, similarity), nil
}

// EvaluateCandidate decides for a candidate. A nil policy means the candidate
// came from an ad-hoc run and only the rule table applies.
func (e *Engine) EvaluateCandidate(ctx context.Context, c Candidate, policy *TaskPolicy) (Verdict, error) {
	if policy == nil {
		return e.Evaluate(ctx, c.Confidence, c.Similarity)
	}
	if !policy.Enabled {
		return models.ActionManualReview, nil
	}
	if !policy.allows(c) {
		e.logger.Debug("atom type not allowed for auto-approval", "type", c.AtomType)
		return models.ActionManualReview, nil
	}

	rule, err := e.rules.GetActiveRule(ctx)
	if err != nil {
		return models.ActionManualReview, fmt.Errorf("load active rule: %w", err)
	}
	minSimilarity, action := 0.0, models.ActionApprove
	if rule != nil {
		minSimilarity, action = rule.SimilarityThreshold/100, rule.AutoAction
	}
	return decide(policy.ConfidenceThreshold, minSimilarity, action, c.Confidence, c.Similarity), nil
}
