//go:build integration

// Integration tests for the SurrealDB store. Run with: go test -tags integration ./internal/db/
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDimension = 8

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx, testDimension); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

// axis returns a unit vector along dimension i.
func axis(i int) []float32 {
	v := make([]float32, testDimension)
	v[i%testDimension] = 1
	return v
}

func newAtom(t *testing.T, title, content string) *models.Atom {
	t.Helper()
	atom, err := testDB.CreateAtom(context.Background(), models.AtomInput{
		Type:       models.AtomProblem,
		Title:      title,
		Content:    content,
		Confidence: models.Ptr(0.8),
		Embedding:  axis(0),
	})
	require.NoError(t, err)
	return atom
}

// =============================================================================
// GRAPH
// =============================================================================

func TestCreateAndFindAtom(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Flaky Deploys", "Deploys fail on Fridays")

	got, err := testDB.GetAtom(ctx, atom.Key())
	require.NoError(t, err)
	assert.Equal(t, "Flaky Deploys", got.Title)
	assert.False(t, got.UserApproved)

	byTitle, err := testDB.FindAtomByTitle(ctx, "  flaky deploys ")
	require.NoError(t, err)
	require.NotNil(t, byTitle)
	assert.Equal(t, atom.Key(), byTitle.Key())

	_, err = testDB.GetAtom(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNearestAtoms(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Nearest", "nearest neighbour content")

	neighbors, err := testDB.NearestAtoms(ctx, axis(0), 5)
	require.NoError(t, err)

	var found bool
	for _, n := range neighbors {
		if n.Key() == atom.Key() {
			found = true
			assert.Len(t, n.Embedding, testDimension)
		}
	}
	assert.True(t, found, "created atom should be a neighbor of its own embedding")
}

func TestTopicAtomAndLinksAreUnique(t *testing.T) {
	ctx := context.Background()
	topic, err := testDB.CreateTopic(ctx, models.TopicInput{
		Name:        "Deployments",
		Description: "Release process",
		Keywords:    []string{"ci"},
		Embedding:   axis(1),
	})
	require.NoError(t, err)
	a := newAtom(t, "Link Source", "source")
	b := newAtom(t, "Link Target", "target")

	created, err := testDB.LinkTopicAtom(ctx, models.TopicAtomInput{TopicID: topic.Key(), AtomID: a.Key(), SimilarityScore: models.Ptr(0.7)})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = testDB.LinkTopicAtom(ctx, models.TopicAtomInput{TopicID: topic.Key(), AtomID: a.Key()})
	require.NoError(t, err)
	assert.False(t, created)

	link := models.AtomLinkInput{FromID: b.Key(), ToID: a.Key(), LinkType: models.LinkSolves}
	created, err = testDB.CreateAtomLink(ctx, link)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = testDB.CreateAtomLink(ctx, link)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = testDB.CreateAtomLink(ctx, models.AtomLinkInput{FromID: b.Key(), ToID: "missing", LinkType: models.LinkSolves})
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// VERSIONS
// =============================================================================

func TestCreateVersionNumbering(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Numbered", "v0")

	v1, err := testDB.CreateVersion(ctx, models.KindAtom, atom.Key(), models.VersionData{Content: models.Ptr("v1")}, nil, "test")
	require.NoError(t, err)
	v2, err := testDB.CreateVersion(ctx, models.KindAtom, atom.Key(), models.VersionData{Content: models.Ptr("v2")}, nil, "test")
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, v2.Pending())

	_, err = testDB.CreateVersion(ctx, models.KindAtom, "missing", models.VersionData{Content: models.Ptr("x")}, nil, "test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveVersionAppliesPayload(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Before", "old content")

	_, err := testDB.CreateVersion(ctx, models.KindAtom, atom.Key(),
		models.VersionData{Title: models.Ptr("After"), Content: models.Ptr("new content")}, nil, "test")
	require.NoError(t, err)
	_, err = testDB.CreateVersion(ctx, models.KindAtom, atom.Key(),
		models.VersionData{Title: models.Ptr("Never applied")}, nil, "test")
	require.NoError(t, err)

	v, err := testDB.ApproveVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{By: "alice"})
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.NotNil(t, v.ApprovedAt)

	live, err := testDB.GetAtom(ctx, atom.Key())
	require.NoError(t, err)
	assert.Equal(t, "After", live.Title)
	assert.Equal(t, "new content", live.Content)
	assert.Equal(t, models.AtomProblem, live.Type, "fields absent from the payload are kept")
	assert.True(t, live.UserApproved)

	_, err = testDB.ApproveVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{By: "bob"})
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = testDB.ApproveVersion(ctx, models.KindAtom, atom.Key(), 9, models.Review{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveTopicVersion(t *testing.T) {
	ctx := context.Background()
	topic, err := testDB.CreateTopic(ctx, models.TopicInput{Name: "Infra", Description: "servers", Embedding: axis(2)})
	require.NoError(t, err)

	_, err = testDB.CreateVersion(ctx, models.KindTopic, topic.Key(),
		models.VersionData{Keywords: []string{"k8s", "terraform"}}, nil, "test")
	require.NoError(t, err)
	_, err = testDB.ApproveVersion(ctx, models.KindTopic, topic.Key(), 1, models.Review{Auto: true})
	require.NoError(t, err)

	live, err := testDB.GetTopic(ctx, topic.Key())
	require.NoError(t, err)
	assert.Equal(t, "Infra", live.Name)
	assert.ElementsMatch(t, []string{"k8s", "terraform"}, live.Keywords)
}

func TestConcurrentApproveExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Race", "race content")
	_, err := testDB.CreateVersion(ctx, models.KindAtom, atom.Key(), models.VersionData{Content: models.Ptr("raced")}, nil, "test")
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testDB.ApproveVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{By: fmt.Sprintf("r%d", i)})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrTransactionConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestRejectVersion(t *testing.T) {
	ctx := context.Background()
	atom := newAtom(t, "Rejectable", "keep me")
	_, err := testDB.CreateVersion(ctx, models.KindAtom, atom.Key(), models.VersionData{Content: models.Ptr("discard me")}, nil, "test")
	require.NoError(t, err)

	v, err := testDB.RejectVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{By: "alice"})
	require.NoError(t, err)
	assert.True(t, v.Rejected)
	assert.False(t, v.Approved)

	live, err := testDB.GetAtom(ctx, atom.Key())
	require.NoError(t, err)
	assert.Equal(t, "keep me", live.Content)

	// reject is idempotent
	_, err = testDB.RejectVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{By: "bob"})
	require.NoError(t, err)
}

func TestPendingCountAndStats(t *testing.T) {
	ctx := context.Background()
	before, err := testDB.CountPendingVersions(ctx)
	require.NoError(t, err)

	atom := newAtom(t, "Counted", "count me")
	_, err = testDB.CreateVersion(ctx, models.KindAtom, atom.Key(), models.VersionData{Content: models.Ptr("a")}, nil, "test")
	require.NoError(t, err)

	after, err := testDB.CountPendingVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	_, err = testDB.ApproveVersion(ctx, models.KindAtom, atom.Key(), 1, models.Review{Auto: true})
	require.NoError(t, err)

	stats, err := testDB.VersionStats(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.AutoApproved, 1)
	assert.Equal(t, before, stats.Pending)
}

// =============================================================================
// RUNS
// =============================================================================

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	run, err := testDB.CreateRun(ctx, "default", nil, []string{"m1"}, models.RunFilters{})
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)

	claimed, err := testDB.ClaimRun(ctx, run.Key(), "worker")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "worker", *claimed.ClaimedBy)

	_, err = testDB.ClaimRun(ctx, run.Key(), "worker-2")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, testDB.UpdateRunCounters(ctx, run.Key(), models.RunCounters{MessagesProcessed: 3, AtomsCreated: 2}))

	_, err = testDB.RequestRunCancel(ctx, run.Key())
	require.NoError(t, err)
	requested, err := testDB.IsCancelRequested(ctx, run.Key())
	require.NoError(t, err)
	assert.True(t, requested)

	done, err := testDB.FinishRun(ctx, run.Key(), models.RunCancelled, models.RunCounters{MessagesProcessed: 3, AtomsCreated: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, done.Status)
	assert.NotNil(t, done.CancelledAt)
	assert.Equal(t, 2, done.Counters.AtomsCreated)

	_, err = testDB.FinishRun(ctx, run.Key(), models.RunCompleted, models.RunCounters{}, nil)
	assert.ErrorIs(t, err, ErrRunTerminal)
	_, err = testDB.RequestRunCancel(ctx, run.Key())
	assert.ErrorIs(t, err, ErrRunTerminal)
	assert.ErrorIs(t, testDB.UpdateRunCounters(ctx, run.Key(), models.RunCounters{}), ErrRunTerminal)

	_, err = testDB.RequestRunCancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailOrphanedRuns(t *testing.T) {
	ctx := context.Background()
	run, err := testDB.CreateRun(ctx, "default", nil, nil, models.RunFilters{LookbackHours: 24})
	require.NoError(t, err)
	_, err = testDB.ClaimRun(ctx, run.Key(), "orphan-worker")
	require.NoError(t, err)
	local, err := testDB.CreateRun(ctx, "default", nil, nil, models.RunFilters{LookbackHours: 24})
	require.NoError(t, err)
	_, err = testDB.ClaimRun(ctx, local.Key(), "local:host:42")
	require.NoError(t, err)

	n, err := testDB.FailOrphanedRuns(ctx, "orphan-worker", "interrupted by worker restart")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := testDB.GetRun(ctx, run.Key())
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "interrupted by worker restart", *got.Error)

	got, err = testDB.GetRun(ctx, local.Key())
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
	_, err = testDB.FinishRun(ctx, local.Key(), models.RunCompleted, models.RunCounters{}, nil)
	require.NoError(t, err)
}

// =============================================================================
// GOVERNANCE & DLQ
// =============================================================================

func TestSingleActiveRule(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.SetActiveRule(ctx, models.ApprovalRuleInput{Name: "first", ConfidenceThreshold: 80, SimilarityThreshold: 70, AutoAction: models.ActionApprove})
	require.NoError(t, err)
	second, err := testDB.SetActiveRule(ctx, models.ApprovalRuleInput{Name: "second", ConfidenceThreshold: 90, SimilarityThreshold: 85, AutoAction: models.ActionApprove})
	require.NoError(t, err)

	active, err := testDB.GetActiveRule(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	n, err := testDB.DisableRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = testDB.GetActiveRule(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestFailedTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	task, err := testDB.CreateFailedTask(ctx, models.FailedTaskInput{
		TaskName:     "llm.generate",
		TaskArgs:     map[string]any{"run_id": "r1", "message_ids": []string{"a", "b"}},
		ErrorMessage: "connection refused",
		Attempts:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.FailedTaskFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)

	updated, err := testDB.UpdateFailedTask(ctx, task.Key(), models.FailedTaskAbandoned, 3, "")
	require.NoError(t, err)
	assert.Equal(t, models.FailedTaskAbandoned, updated.Status)
	assert.Equal(t, "connection refused", updated.ErrorMessage)

	require.NoError(t, testDB.DeleteFailedTask(ctx, task.Key()))
	_, err = testDB.GetFailedTask(ctx, task.Key())
	assert.ErrorIs(t, err, ErrNotFound)
}
