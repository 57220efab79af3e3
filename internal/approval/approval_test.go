package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRules struct {
	rule *models.ApprovalRule
	err  error
}

func (f *fakeRules) GetActiveRule(context.Context) (*models.ApprovalRule, error) {
	return f.rule, f.err
}

func rule(conf, sim float64, action models.AutoAction) *models.ApprovalRule {
	return &models.ApprovalRule{Name: "test", ConfidenceThreshold: conf, SimilarityThreshold: sim, AutoAction: action, Active: true}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		rule       *models.ApprovalRule
		confidence float64
		similarity float64
		want       Verdict
	}{
		{"no rule", nil, 1, 1, models.ActionManualReview},
		{"both clear", rule(90, 85, models.ActionApprove), 0.92, 0.88, models.ActionApprove},
		{"similarity short", rule(90, 85, models.ActionApprove), 0.92, 0.80, models.ActionManualReview},
		{"confidence short", rule(90, 85, models.ActionApprove), 0.89, 0.99, models.ActionManualReview},
		{"exactly at thresholds", rule(90, 85, models.ActionApprove), 0.9, 0.85, models.ActionApprove},
		{"reject action", rule(50, 50, models.ActionReject), 0.6, 0.6, models.ActionReject},
		{"zero thresholds", rule(0, 0, models.ActionApprove), 0, 0, models.ActionApprove},
		{"at 29", rule(29, 29, models.ActionApprove), 0.29, 0.29, models.ActionApprove},
		{"at 57", rule(57, 57, models.ActionApprove), 0.57, 0.57, models.ActionApprove},
		{"at 58", rule(58, 58, models.ActionReject), 0.58, 0.58, models.ActionReject},
		{"just under 57", rule(57, 57, models.ActionApprove), 0.5699, 0.57, models.ActionManualReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.rule, tt.confidence, tt.similarity))
		})
	}
}

func TestDecideEveryWholeThreshold(t *testing.T) {
	for n := 0; n <= 100; n++ {
		v := float64(n) / 100
		assert.Equal(t, models.ActionApprove, Decide(rule(float64(n), float64(n), models.ActionApprove), v, v), "threshold %d", n)
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	e := NewEngine(&fakeRules{}, nil)
	v, err := e.Evaluate(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualReview, v)

	e = NewEngine(&fakeRules{rule: rule(90, 85, models.ActionApprove)}, nil)
	v, err = e.Evaluate(ctx, 0.92, 0.88)
	require.NoError(t, err)
	assert.Equal(t, models.ActionApprove, v)

	e = NewEngine(&fakeRules{err: errors.New("db down")}, nil)
	v, err = e.Evaluate(ctx, 0.92, 0.88)
	assert.Error(t, err)
	assert.Equal(t, models.ActionManualReview, v)
}

func TestEvaluateCandidateWithTaskPolicy(t *testing.T) {
	ctx := context.Background()
	decision := Candidate{Kind: models.KindAtom, AtomType: models.AtomDecision, Confidence: 0.8, Similarity: 0.7}

	tests := []struct {
		name   string
		rule   *models.ApprovalRule
		policy *TaskPolicy
		c      Candidate
		want   Verdict
	}{
		{
			name:   "disabled",
			policy: &TaskPolicy{Enabled: false, ConfidenceThreshold: 0.1},
			c:      decision,
			want:   models.ActionManualReview,
		},
		{
			name:   "type not allowed",
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.5, AllowedAtomTypes: []models.AtomType{models.AtomProblem}},
			c:      decision,
			want:   models.ActionManualReview,
		},
		{
			name:   "no rule approves on task threshold",
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.75},
			c:      decision,
			want:   models.ActionApprove,
		},
		{
			name:   "task threshold replaces rule confidence",
			rule:   rule(95, 60, models.ActionApprove),
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.75, AllowedAtomTypes: []models.AtomType{models.AtomDecision}},
			c:      decision,
			want:   models.ActionApprove,
		},
		{
			name:   "rule similarity still gates",
			rule:   rule(10, 90, models.ActionApprove),
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.5},
			c:      decision,
			want:   models.ActionManualReview,
		},
		{
			name:   "exactly at rule similarity and task confidence",
			rule:   rule(95, 57, models.ActionApprove),
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.29},
			c:      Candidate{Kind: models.KindAtom, Confidence: 0.29, Similarity: 0.57},
			want:   models.ActionApprove,
		},
		{
			name:   "below task threshold",
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.9},
			c:      decision,
			want:   models.ActionManualReview,
		},
		{
			name:   "allow-list ignores topics",
			policy: &TaskPolicy{Enabled: true, ConfidenceThreshold: 0.5, AllowedAtomTypes: []models.AtomType{models.AtomProblem}},
			c:      Candidate{Kind: models.KindTopic, Confidence: 1, Similarity: 0},
			want:   models.ActionApprove,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&fakeRules{rule: tt.rule}, nil)
			v, err := e.EvaluateCandidate(ctx, tt.c, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEvaluateCandidateWithoutPolicyUsesRule(t *testing.T) {
	e := NewEngine(&fakeRules{rule: rule(90, 85, models.ActionApprove)}, nil)
	v, err := e.EvaluateCandidate(context.Background(), Candidate{Kind: models.KindAtom, Confidence: 0.92, Similarity: 0.80}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManualReview, v)
}

func TestPolicyFromTask(t *testing.T) {
	p := PolicyFromTask(models.ExtractionTask{AutoApproveEnabled: true, ConfidenceThreshold: 0.8, AllowedAtomTypes: []models.AtomType{models.AtomSolution}})
	assert.True(t, p.Enabled)
	assert.Equal(t, 0.8, p.ConfidenceThreshold)
	assert.Equal(t, []models.AtomType{models.AtomSolution}, p.AllowedAtomTypes)
}
