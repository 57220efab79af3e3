package cli

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

func TestReadMessages(t *testing.T) {
	input := `{"content":"deploys fail on arm64","sent_at":"2025-01-01T10:00:00Z","channel_id":"eng"}

{"id":"m2","content":"pin the base image","sent_at":"2025-01-01T10:02:00Z","parent_id":"m1"}
`
	msgs, err := readMessages(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "eng", *msgs[0].ChannelID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 2, 0, 0, time.UTC), msgs[1].SentAt.UTC())
}

func TestReadMessagesRejectsBadLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"invalid json", `{"content":`, "line 1"},
		{"missing content", `{"content":" ","sent_at":"2025-01-01T10:00:00Z"}`, "content is required"},
		{"missing sent_at", "\n" + `{"content":"x"}`, "line 2: sent_at is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readMessages(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRefs(t *testing.T) {
	refs, err := parseRefs([]string{"atom:a1:2,topic:t1:1", " atom:a2:3 "})
	require.NoError(t, err)
	assert.Equal(t, []versioning.Ref{
		{Kind: models.KindAtom, EntityID: "a1", Version: 2},
		{Kind: models.KindTopic, EntityID: "t1", Version: 1},
		{Kind: models.KindAtom, EntityID: "a2", Version: 3},
	}, refs)

	_, err = parseRefs([]string{"atom:a1"})
	assert.Error(t, err)
}

func TestDescribeVersion(t *testing.T) {
	conf := 0.9
	atom := models.AtomData(models.AtomDecision, "Use arm64 runners", "...", &conf)
	assert.Equal(t, "[decision] Use arm64 runners (90%)", describeVersion(atom))

	topic := models.TopicData("Deployments", "", []string{"deploy", "rollback"})
	assert.Equal(t, "Deployments {deploy, rollback}", describeVersion(topic))

	assert.Equal(t, "keywords: ci", describeVersion(models.VersionData{Keywords: []string{"ci"}}))
	assert.Equal(t, "(partial update)", describeVersion(models.VersionData{}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héll...", truncate("héllo world", 4))
}

func mustEvent(t *testing.T, topic string, payload any) events.Event {
	t.Helper()
	ev, err := events.NewEvent(topic, payload)
	require.NoError(t, err)
	return ev
}

func TestEventRun(t *testing.T) {
	id, terminal := eventRun(mustEvent(t, events.TopicExtractionProgress, events.RunEvent{RunID: "r1"}))
	assert.Equal(t, "r1", id)
	assert.False(t, terminal)

	id, terminal = eventRun(mustEvent(t, events.TopicExtractionFailed, events.RunEvent{RunID: "r2", Error: "boom"}))
	assert.Equal(t, "r2", id)
	assert.True(t, terminal)

	id, _ = eventRun(mustEvent(t, events.TopicPendingCount, events.PendingCountEvent{Count: 3}))
	assert.Empty(t, id)
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(mustEvent(t, events.TopicAtomCreated, events.EntityEvent{RunID: "r1", Kind: models.KindAtom, ID: "a1", Label: "Pin images"}))
	assert.Contains(t, line, `a1 "Pin images"`)

	line = formatEvent(mustEvent(t, events.TopicPendingCount, events.PendingCountEvent{Count: 3}))
	assert.Contains(t, line, "3 pending")

	line = formatEvent(mustEvent(t, events.TopicExtractionFailed, events.RunEvent{
		RunID: "r1", Status: models.RunFailed, Error: "boom",
		Counters: models.RunCounters{BatchesProcessed: 1, BatchesTotal: 2},
	}))
	assert.Contains(t, line, "r1 failed 1/2 batches: boom")

	raw := events.Event{Topic: "custom", Data: json.RawMessage(`{"x":1}`)}
	assert.Contains(t, formatEvent(raw), `{"x":1}`)
}
