package service

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/retry"
)

const deployOutput = `{
  "topics": [{"name": "Deployments", "description": "Release process and deploy failures", "confidence": 0.9, "keywords": ["deploy"], "related_message_ids": ["m1"]}],
  "atoms": [
    {"type": "problem", "title": "Cold cache breaks deploys", "content": "Deploys fail while the build cache is cold", "confidence": 0.85, "topic_name": "Deployments", "related_message_ids": ["m1"], "links_to_atom_titles": [], "link_types": []},
    {"type": "solution", "title": "Warm the cache before deploying", "content": "Run a warmup job before each deploy", "confidence": 0.8, "topic_name": "Deployments", "related_message_ids": ["m2", "unknown"], "links_to_atom_titles": ["Cold cache breaks deploys"], "link_types": ["solves"]}
  ]
}`

const emptyOutput = `{"topics": [], "atoms": []}`

func atomOutput(title, content string, confidence float64) string {
	return fmt.Sprintf(`{"topics": [], "atoms": [{"type": "insight", "title": %q, "content": %q, "confidence": %g, "topic_name": "", "related_message_ids": [], "links_to_atom_titles": [], "link_types": []}]}`,
		title, content, confidence)
}

func smallBatches() config.Pipeline {
	cfg := config.DefaultPipeline()
	cfg.BatchSize = 1
	return cfg
}

func TestPipelineBuildsGraphFromBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	now := time.Now()
	h.db.addMessage("m1", "ops", "deploys fail when the cache is cold", now.Add(-3*time.Minute))
	h.db.addMessage("m2", "ops", "let's warm it up first", now.Add(-2*time.Minute))
	h.db.addMessage("m3", "ops", "agreed", now.Add(-time.Minute))
	h.gen.responses = []string{deployOutput}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, models.RunCounters{
		MessagesProcessed: 3,
		TopicsCreated:     1,
		AtomsCreated:      2,
		LinksCreated:      1,
		VersionsCreated:   3,
		BatchesTotal:      1,
		BatchesProcessed:  1,
	}, run.Counters)

	require.Len(t, h.db.links, 1)
	assert.Equal(t, models.LinkSolves, h.db.links[0].LinkType)
	assert.Len(t, h.db.topicAtoms, 2, "both atoms filed under their named topic")

	// no active rule: everything waits for review
	n, err := h.versions.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 1, h.events.count(events.TopicExtractionStarted))
	assert.Equal(t, 1, h.events.count(events.TopicTopicCreated))
	assert.Equal(t, 2, h.events.count(events.TopicAtomCreated))
	assert.Equal(t, 1, h.events.count(events.TopicExtractionCompleted))
	assert.GreaterOrEqual(t, h.events.count(events.TopicPendingCount), 1)
}

func TestPipelineVersionsDuplicateAtom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	h.db.addMessage("m1", "ops", "cache warmup fixed it", time.Now().Add(-time.Minute))

	existing, err := h.db.CreateAtom(ctx, models.AtomInput{
		Type: models.AtomInsight, Title: "Cache warmup", Content: "Warm caches help", Embedding: oneHot(1),
	})
	require.NoError(t, err)
	_, err = h.db.CreateVersion(ctx, models.KindAtom, existing.Key(),
		models.AtomData(models.AtomInsight, "Cache warmup", "Warm caches help", models.Ptr(0.7)), nil, "seed")
	require.NoError(t, err)

	h.embedder.pin("Cache warmup\nWarming the cache avoids cold deploys", oneHot(1))
	h.gen.responses = []string{atomOutput("Cache warmup", "Warming the cache avoids cold deploys", 0.9)}
	h.db.rule = &models.ApprovalRule{ConfidenceThreshold: 80, SimilarityThreshold: 90, AutoAction: models.ActionApprove, Active: true}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)

	assert.Equal(t, 0, run.Counters.AtomsCreated)
	assert.Equal(t, 1, run.Counters.VersionsCreated)
	assert.Len(t, h.db.atoms, 1)

	versions, err := h.versions.List(ctx, models.KindAtom, existing.Key())
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)
	assert.True(t, versions[1].Approved, "similarity 1.0 and confidence 0.9 clear the 80/90 rule")
	assert.True(t, versions[1].AutoReviewed)
	assert.Equal(t, "run:"+run.Key(), versions[1].CreatedBy)
}

func TestPipelineLinksRelatedAtom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	h.db.addMessage("m1", "ops", "retries help with flaky networks", time.Now().Add(-time.Minute))

	existing, err := h.db.CreateAtom(ctx, models.AtomInput{
		Type: models.AtomInsight, Title: "Flaky network", Content: "Network drops often", Embedding: oneHot(2),
	})
	require.NoError(t, err)

	// cosine 0.8 against the existing atom: related, not a duplicate
	v := make([]float32, embedDim)
	v[2], v[3] = 0.8, 0.6
	h.embedder.pin("Retry on network errors\nRetries mask flaky networks", v)
	h.gen.responses = []string{atomOutput("Retry on network errors", "Retries mask flaky networks", 0.6)}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)

	assert.Equal(t, 1, run.Counters.AtomsCreated)
	assert.Equal(t, 1, run.Counters.LinksCreated)
	require.Len(t, h.db.links, 1)
	link := h.db.links[0]
	assert.Equal(t, existing.Key(), link.ToID)
	assert.Equal(t, models.LinkRelatesTo, link.LinkType)
	require.NotNil(t, link.Strength)
	assert.InDelta(t, 0.8, *link.Strength, 1e-6)
}

func TestPipelineMergesTopicKeywords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	h.db.addMessage("m1", "ops", "deploy rollback again", time.Now().Add(-time.Minute))

	topic, err := h.db.CreateTopic(ctx, models.TopicInput{Name: "Deployments", Description: "Release process", Keywords: []string{"deploy"}})
	require.NoError(t, err)
	h.gen.responses = []string{`{"topics": [{"name": "deployments", "description": "Rollbacks", "confidence": 0.9, "keywords": ["Deploy", "rollback"], "related_message_ids": []}], "atoms": []}`}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, 0, run.Counters.TopicsCreated)
	assert.Equal(t, 1, run.Counters.VersionsCreated)

	versions, err := h.versions.List(ctx, models.KindTopic, topic.Key())
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, []string{"deploy", "rollback"}, versions[0].Data.Keywords)
	assert.Equal(t, "Deployments", *versions[0].Data.Name)
}

func TestPipelineHonorsCancellationBetweenBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallBatches())
	now := time.Now()
	for i, ch := range []string{"a", "b", "c"} {
		h.db.addMessage(fmt.Sprintf("m%d", i), ch, "message in "+ch, now.Add(-time.Duration(i+1)*time.Minute))
	}
	run := h.startAndClaim(t, ctx)
	h.gen.onCall = func(n int) {
		if n == 1 {
			_, err := h.runs.RequestCancel(context.Background(), run.Key())
			assert.NoError(t, err)
		}
	}

	done, err := h.pipeline.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, done.Status)
	assert.Equal(t, 3, done.Counters.BatchesTotal)
	assert.Equal(t, 1, done.Counters.BatchesProcessed)
	assert.Equal(t, 1, h.gen.Calls())
	assert.Equal(t, 1, h.events.count(events.TopicExtractionCancelled))
}

func TestPipelineCancelledBeforeDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("no messages", func(t *testing.T) {
		h := newHarness(t, smallBatches())
		run := h.startAndClaim(t, ctx)
		_, err := h.runs.RequestCancel(ctx, run.Key())
		require.NoError(t, err)

		done, err := h.pipeline.Execute(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, models.RunCancelled, done.Status)
		assert.Equal(t, 1, h.events.count(events.TopicExtractionCancelled))
		assert.Zero(t, h.events.count(events.TopicExtractionCompleted))
	})

	t.Run("with messages", func(t *testing.T) {
		h := newHarness(t, smallBatches())
		h.db.addMessage("m1", "a", "first", time.Now().Add(-time.Minute))
		run := h.startAndClaim(t, ctx)
		_, err := h.runs.RequestCancel(ctx, run.Key())
		require.NoError(t, err)

		done, err := h.pipeline.Execute(ctx, run)
		require.NoError(t, err)
		assert.Equal(t, models.RunCancelled, done.Status)
		assert.Zero(t, done.Counters.BatchesProcessed)
		assert.Zero(t, h.gen.Calls())
	})
}

func TestPipelineAbsorbsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallBatches())
	now := time.Now()
	h.db.addMessage("m1", "a", "first", now.Add(-2*time.Minute))
	h.db.addMessage("m2", "b", "second", now.Add(-time.Minute))
	h.gen.responses = []string{`{"topics": []}`, emptyOutput}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.BatchesFailed)
	assert.Equal(t, 1, run.Counters.BatchesProcessed)
	assert.Equal(t, 2, run.Counters.MessagesProcessed)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Counters[metrics.CounterBatchesFailed])
	assert.Empty(t, h.dlq.tasks, "invalid output is not retried")
}

func TestPipelineDeadLettersExhaustedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	h.db.addMessage("m1", "a", "first", time.Now().Add(-time.Minute))
	h.gen.errs = []error{syscall.ECONNREFUSED, syscall.ECONNREFUSED}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.BatchesFailed)
	assert.Equal(t, []string{retry.TaskGenerate}, h.dlq.tasks)
	assert.Equal(t, 2, h.gen.Calls())
}

func TestPipelineFailsOnFatalAPIError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, smallBatches())
	now := time.Now()
	h.db.addMessage("m1", "a", "first", now.Add(-2*time.Minute))
	h.db.addMessage("m2", "b", "second", now.Add(-time.Minute))
	h.gen.errs = []error{fmt.Errorf("%w: credit balance too low", llm.ErrFatalAPI)}

	run, err := h.pipeline.Execute(ctx, h.startAndClaim(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "credit balance")
	assert.Equal(t, 1, h.gen.Calls(), "fatal errors stop the run")
	assert.Equal(t, 1, h.events.count(events.TopicExtractionFailed))
}

func TestPipelineFailsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, smallBatches())
	now := time.Now()
	h.db.addMessage("m1", "a", "first", now.Add(-2*time.Minute))
	h.db.addMessage("m2", "b", "second", now.Add(-time.Minute))
	run := h.startAndClaim(t, ctx)
	h.gen.onCall = func(int) { cancel() }

	done, err := h.pipeline.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}

func TestPipelineAppliesTaskPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.DefaultPipeline())
	h.db.addMessage("m1", "ops", "we decided on postgres", time.Now().Add(-time.Minute))
	h.db.tasks["task1"] = &models.ExtractionTask{
		ID:                 surrealmodels.NewRecordID("extraction_task", "task1"),
		Name:               "nightly",
		AgentConfigID:      h.agent.Key(),
		AutoApproveEnabled: true,
		AllowedAtomTypes:   []models.AtomType{models.AtomDecision},
	}
	h.gen.responses = []string{`{"topics": [], "atoms": [
	  {"type": "decision", "title": "Pick postgres", "content": "The team settled on postgres", "confidence": 0.95, "topic_name": "", "related_message_ids": [], "links_to_atom_titles": [], "link_types": []},
	  {"type": "insight", "title": "Postgres is familiar", "content": "Everyone has run postgres before", "confidence": 0.95, "topic_name": "", "related_message_ids": [], "links_to_atom_titles": [], "link_types": []}
	]}`}

	taskID := "task1"
	run, err := h.runs.Start(ctx, StartRequest{AgentConfig: h.agent.Key(), TaskID: &taskID})
	require.NoError(t, err)
	claimed, err := h.runs.Claim(ctx, run.Key(), DefaultWorkerID)
	require.NoError(t, err)
	_, err = h.pipeline.Execute(ctx, claimed)
	require.NoError(t, err)

	// decisions clear the task threshold, insights are not in the allow-list
	pending, err := h.versions.Pending(ctx, models.KindAtom, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Postgres is familiar", *pending[0].Data.Title)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Counters[metrics.CounterAutoApproved])
}

func TestUnionKeywords(t *testing.T) {
	got, added := unionKeywords([]string{"Deploy", "cache"}, []string{"deploy", " ", "rollback", "CACHE"})
	assert.True(t, added)
	assert.Equal(t, []string{"Deploy", "cache", "rollback"}, got)

	_, added = unionKeywords([]string{"a"}, []string{"A"})
	assert.False(t, added)
}
