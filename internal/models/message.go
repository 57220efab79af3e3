package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Message is an immutable unit of conversation produced by an ingestion adapter.
// The extraction pipeline only reads messages.
type Message struct {
	ID        surrealmodels.RecordID `json:"id"`
	Content   string                 `json:"content"`
	SentAt    time.Time              `json:"sent_at"`
	ChannelID *string                `json:"channel_id,omitempty"`
	ThreadID  *string                `json:"thread_id,omitempty"`
	ParentID  *string                `json:"parent_id,omitempty"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// Key returns the message's record key.
func (m Message) Key() string {
	return MustRecordIDString(m.ID)
}

// MessageInput is the input structure for importing messages.
type MessageInput struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sent_at"`
	ChannelID *string   `json:"channel_id,omitempty"`
	ThreadID  *string   `json:"thread_id,omitempty"`
	ParentID  *string   `json:"parent_id,omitempty"`
}

// MessageQuery selects messages for an extraction run.
// IDs takes precedence over the channel/time filters when set.
type MessageQuery struct {
	IDs        []string
	ChannelIDs []string
	Since      *time.Time
	Limit      int
}
