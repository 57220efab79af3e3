package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RunStatus is the lifecycle state of an extraction run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TerminalStatuses lists the statuses a run never leaves.
var TerminalStatuses = []RunStatus{RunCompleted, RunFailed, RunCancelled}

// RunCounters are the monotonic progress counters of a run.
type RunCounters struct {
	MessagesProcessed int `json:"messages_processed"`
	TopicsCreated     int `json:"topics_created"`
	AtomsCreated      int `json:"atoms_created"`
	LinksCreated      int `json:"links_created"`
	VersionsCreated   int `json:"versions_created"`
	BatchesTotal      int `json:"batches_total"`
	BatchesProcessed  int `json:"batches_processed"`
	BatchesFailed     int `json:"batches_failed"`
}

// Add accumulates delta into c.
func (c *RunCounters) Add(delta RunCounters) {
	c.MessagesProcessed += delta.MessagesProcessed
	c.TopicsCreated += delta.TopicsCreated
	c.AtomsCreated += delta.AtomsCreated
	c.LinksCreated += delta.LinksCreated
	c.VersionsCreated += delta.VersionsCreated
	c.BatchesProcessed += delta.BatchesProcessed
	c.BatchesFailed += delta.BatchesFailed
}

// RunFilters selects messages when a run is not given explicit ids.
type RunFilters struct {
	ChannelIDs    []string `json:"channel_ids,omitempty"`
	LookbackHours int      `json:"lookback_hours,omitempty"`
}

// ExtractionRun tracks one pipeline invocation.
type ExtractionRun struct {
	ID              surrealmodels.RecordID `json:"id"`
	AgentConfigID   string                 `json:"agent_config_id"`
	TaskID          *string                `json:"task_id,omitempty"`
	Status          RunStatus              `json:"status"`
	CancelRequested bool                   `json:"cancel_requested"`
	MessageIDs      []string               `json:"message_ids,omitempty"`
	Filters         RunFilters             `json:"filters"`
	Counters        RunCounters            `json:"counters"`
	ClaimedBy       *string                `json:"claimed_by,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	CancelledAt     *time.Time             `json:"cancelled_at,omitempty"`
	Error           *string                `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Key returns the run's record key.
func (r ExtractionRun) Key() string {
	return MustRecordIDString(r.ID)
}
