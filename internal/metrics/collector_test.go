package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpEmbedding, 10*time.Millisecond)
	c.RecordTiming(OpEmbedding, 30*time.Millisecond)

	snap := c.Snapshot()
	op := snap.Operations[OpEmbedding]
	require.NotNil(t, op)
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
	assert.InDelta(t, 20.0, op.AvgTimeMs, 0.001)
	assert.Nil(t, op.TotalInputTokens)
}

func TestRecordLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpLLMGenerate, time.Second, 100, 20)
	c.RecordLLMUsage(OpLLMGenerate, time.Second, 300, 40)

	op := c.Snapshot().Operations[OpLLMGenerate]
	require.NotNil(t, op)
	require.NotNil(t, op.TotalInputTokens)
	assert.Equal(t, int64(400), *op.TotalInputTokens)
	assert.Equal(t, int64(100), *op.MinInputTokens)
	assert.Equal(t, int64(40), *op.MaxOutputTokens)
}

func TestCounters(t *testing.T) {
	c := NewCollector()
	c.Inc(CounterRetries)
	c.Inc(CounterRetries)
	c.Inc(CounterDeadLetters)

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Counters[CounterRetries])
	assert.Equal(t, int64(1), snap.Counters[CounterDeadLetters])
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Inc(CounterRetries)
	c.RecordTiming(OpRun, time.Second)

	snap := c.Snapshot()
	assert.Empty(t, snap.Operations)
	assert.Empty(t, snap.Counters)
}
