// Package events publishes pipeline events to observers. Delivery is best
// effort: publishers never block on or retry a broadcast.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// Event topics.
const (
	TopicExtractionStarted   = "extraction_started"
	TopicTopicCreated        = "topic_created"
	TopicAtomCreated         = "atom_created"
	TopicExtractionProgress  = "extraction_progress"
	TopicExtractionCompleted = "extraction_completed"
	TopicExtractionFailed    = "extraction_failed"
	TopicExtractionCancelled = "extraction_cancelled"
	TopicPendingCount        = "pending_count_updated"
)

// Broadcaster publishes an event. Implementations must not block the caller
// for longer than it takes to enqueue.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload any)
}

// Event is the wire form of a published event.
type Event struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

// NewEvent marshals payload into an event.
func NewEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return Event{Topic: topic, Data: data, At: time.Now().UTC()}, nil
}

// RunEvent reports a run's lifecycle and progress.
type RunEvent struct {
	RunID    string             `json:"run_id"`
	Status   models.RunStatus   `json:"status"`
	Counters models.RunCounters `json:"counters"`
	Error    string             `json:"error,omitempty"`
}

// EntityEvent reports a topic or atom created by a run.
type EntityEvent struct {
	RunID string            `json:"run_id"`
	Kind  models.EntityKind `json:"kind"`
	ID    string            `json:"id"`
	Label string            `json:"label"`
}

// PendingCountEvent reports the number of versions awaiting review.
type PendingCountEvent struct {
	Count int `json:"count"`
}

// Nop discards events.
type Nop struct{}

// Publish implements Broadcaster.
func (Nop) Publish(context.Context, string, any) {}

// LogBroadcaster writes events to a logger at debug level.
type LogBroadcaster struct {
	logger *slog.Logger
}

// NewLogBroadcaster creates a broadcaster that only logs.
func NewLogBroadcaster(logger *slog.Logger) *LogBroadcaster {
	return &LogBroadcaster{logger: logger.With("component", "events")}
}

// Publish implements Broadcaster.
func (b *LogBroadcaster) Publish(_ context.Context, topic string, payload any) {
	b.logger.Debug("event", "topic", topic, "payload", payload)
}

// Fanout publishes to several broadcasters in order.
type Fanout []Broadcaster

// Publish implements Broadcaster.
func (f Fanout) Publish(ctx context.Context, topic string, payload any) {
	for _, b := range f {
		b.Publish(ctx, topic, payload)
	}
}
