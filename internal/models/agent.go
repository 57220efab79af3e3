package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// AgentConfig selects the LLM provider, model and language used by a run.
type AgentConfig struct {
	ID           surrealmodels.RecordID `json:"id"`
	Name         string                 `json:"name"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Language     string                 `json:"language"`
	SystemPrompt *string                `json:"system_prompt,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Key returns the agent config's record key.
func (a AgentConfig) Key() string {
	return MustRecordIDString(a.ID)
}

// ExtractionTask is a scheduled extraction with its own auto-approval policy.
type ExtractionTask struct {
	ID                  surrealmodels.RecordID `json:"id"`
	Name                string                 `json:"name"`
	AgentConfigID       string                 `json:"agent_config_id"`
	Schedule            string                 `json:"schedule"`
	Enabled             bool                   `json:"enabled"`
	ChannelIDs          []string               `json:"channel_ids,omitempty"`
	MessageThreshold    int                    `json:"message_threshold"`
	LookbackHours       int                    `json:"lookback_hours"`
	AutoApproveEnabled  bool                   `json:"auto_approve_enabled"`
	ConfidenceThreshold float64                `json:"confidence_threshold"` // 0–1
	AllowedAtomTypes    []AtomType             `json:"allowed_atom_types,omitempty"`
	LastRunAt           *time.Time             `json:"last_run_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// Key returns the task's record key.
func (t ExtractionTask) Key() string {
	return MustRecordIDString(t.ID)
}
