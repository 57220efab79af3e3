package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// FailedTaskStatus is the state of a dead-letter record.
type FailedTaskStatus string

const (
	FailedTaskFailed    FailedTaskStatus = "failed"
	FailedTaskRetrying  FailedTaskStatus = "retrying"
	FailedTaskAbandoned FailedTaskStatus = "abandoned"
)

// FailedTask is a dead-letter record of a unit of work that exhausted its retries.
type FailedTask struct {
	ID             surrealmodels.RecordID `json:"id"`
	TaskName       string                 `json:"task_name"`
	TaskArgs       map[string]any         `json:"task_args"`
	ErrorMessage   string                 `json:"error_message"`
	ErrorTraceback string                 `json:"error_traceback"`
	Attempts       int                    `json:"attempts"`
	Status         FailedTaskStatus       `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Key returns the task's record key.
func (f FailedTask) Key() string {
	return MustRecordIDString(f.ID)
}

// FailedTaskInput is the input structure for recording a dead letter.
type FailedTaskInput struct {
	TaskName       string
	TaskArgs       map[string]any
	ErrorMessage   string
	ErrorTraceback string
	Attempts       int
}
