package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

func testRun(status models.RunStatus) *models.ExtractionRun {
	return &models.ExtractionRun{
		ID:     models.NewRecordID("extraction_run"),
		Status: status,
		Counters: models.RunCounters{
			BatchesTotal:     4,
			BatchesProcessed: 1,
			AtomsCreated:     3,
		},
	}
}

func noFetch(context.Context, string) (*models.ExtractionRun, error) {
	return nil, nil
}

func TestProgressModelRendersCounters(t *testing.T) {
	m := newProgressModel(noFetch, testRun(models.RunRunning))

	out := m.renderContent()
	assert.Contains(t, out, "[running]")
	assert.Contains(t, out, "1/4 batches")
	assert.Contains(t, out, "3 atoms")
	assert.Contains(t, out, "continue in background")

	m.local = true
	assert.Contains(t, m.renderContent(), "cancel the run")
}

func TestProgressModelStopsOnTerminalRun(t *testing.T) {
	m := newProgressModel(noFetch, testRun(models.RunRunning))

	next, cmd := m.applyUpdate(runUpdateMsg{run: testRun(models.RunRunning)})
	assert.False(t, next.done)
	assert.NotNil(t, cmd)

	done := testRun(models.RunCompleted)
	done.Counters.BatchesProcessed = 4
	next, _ = m.applyUpdate(runUpdateMsg{run: done})
	require.True(t, next.done)
	require.NoError(t, next.err)
	assert.Contains(t, next.renderContent(), "Completed")
	assert.Contains(t, next.renderContent(), "Batches:            4/4")
}

func TestProgressModelReportsFailure(t *testing.T) {
	m := newProgressModel(noFetch, testRun(models.RunRunning))

	failed := testRun(models.RunFailed)
	failed.Error = models.Ptr("llm unavailable")
	next, _ := m.applyUpdate(runUpdateMsg{run: failed})
	require.True(t, next.done)
	require.EqualError(t, next.err, "llm unavailable")
	assert.Contains(t, next.renderContent(), "Run failed: llm unavailable")

	next, _ = m.applyUpdate(runUpdateMsg{err: assert.AnError})
	assert.ErrorIs(t, next.err, assert.AnError)
}

func TestProgressModelCancelledRun(t *testing.T) {
	m := newProgressModel(noFetch, testRun(models.RunRunning))
	next, _ := m.applyUpdate(runUpdateMsg{run: testRun(models.RunCancelled)})
	require.True(t, next.done)
	assert.NoError(t, next.err)
	assert.Contains(t, next.renderContent(), "Cancelled")
}

func TestWaitPlainReturnsTerminalRun(t *testing.T) {
	calls := 0
	fetch := func(context.Context, string) (*models.ExtractionRun, error) {
		calls++
		return testRun(models.RunCompleted), nil
	}
	run, err := waitPlain(context.Background(), fetch, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, calls)
}
