package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/atomgraph/internal/approval"
	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/db"
	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/matching"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/retry"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

// memDB is an in-memory stand-in for *db.Client with the same conditional
// state transitions.
type memDB struct {
	mu sync.Mutex

	agents     map[string]*models.AgentConfig
	tasks      map[string]*models.ExtractionTask
	taskRuns   map[string]time.Time
	runs       map[string]*models.ExtractionRun
	runSeq     int
	messages   []models.Message
	countSince time.Time

	topics     map[string]*models.Topic
	atoms      map[string]*models.Atom
	topicAtoms map[string]bool
	links      []models.AtomLinkInput
	seq        int

	versions map[string][]*models.Version
	rule     *models.ApprovalRule

	// onGetCancel runs on every cancel poll of a run; used to flip the flag mid-run.
	onGetCancel func(polls int)
	cancelPolls int
}

func newMemDB() *memDB {
	return &memDB{
		agents:     map[string]*models.AgentConfig{},
		tasks:      map[string]*models.ExtractionTask{},
		taskRuns:   map[string]time.Time{},
		runs:       map[string]*models.ExtractionRun{},
		topics:     map[string]*models.Topic{},
		atoms:      map[string]*models.Atom{},
		topicAtoms: map[string]bool{},
		versions:   map[string][]*models.Version{},
	}
}

func (m *memDB) addAgent(name, language string) *models.AgentConfig {
	a := &models.AgentConfig{
		ID:       surrealmodels.NewRecordID("agent_config", "agent-"+name),
		Name:     name,
		Provider: "fake",
		Model:    "fake-model",
		Language: language,
	}
	m.agents[a.Key()] = a
	return a
}

func (m *memDB) addMessage(id, channel, content string, at time.Time) {
	m.messages = append(m.messages, models.Message{
		ID:        surrealmodels.NewRecordID("message", id),
		Content:   content,
		SentAt:    at,
		ChannelID: &channel,
	})
}

func (m *memDB) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s%d", prefix, m.seq)
}

// agents

func (m *memDB) GetAgentConfig(_ context.Context, idOrName string) (*models.AgentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[idOrName]; ok {
		cp := *a
		return &cp, nil
	}
	for _, a := range m.agents {
		if a.Name == idOrName {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("agent %s: %w", idOrName, db.ErrNotFound)
}

func (m *memDB) GetExtractionTask(_ context.Context, id string) (*models.ExtractionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, db.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memDB) ListExtractionTasks(_ context.Context, enabledOnly bool) ([]models.ExtractionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExtractionTask
	for _, t := range m.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *memDB) CountMessages(_ context.Context, channelIDs []string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countSince = since
	n := 0
	for _, msg := range m.messages {
		if msg.SentAt.Before(since) {
			continue
		}
		if len(channelIDs) > 0 && (msg.ChannelID == nil || !slices.Contains(channelIDs, *msg.ChannelID)) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memDB) MarkTaskRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskRuns[id] = at
	return nil
}

// messages

func (m *memDB) ListMessages(_ context.Context, q models.MessageQuery) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.messages {
		switch {
		case len(q.IDs) > 0:
			if !slices.Contains(q.IDs, msg.Key()) {
				continue
			}
		default:
			if q.Since != nil && msg.SentAt.Before(*q.Since) {
				continue
			}
			if len(q.ChannelIDs) > 0 && !slices.Contains(q.ChannelIDs, *msg.ChannelID) {
				continue
			}
		}
		out = append(out, msg)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// runs

func (m *memDB) CreateRun(_ context.Context, agentConfigID string, taskID *string, messageIDs []string, filters models.RunFilters) (*models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runSeq++
	run := &models.ExtractionRun{
		ID:            surrealmodels.NewRecordID("extraction_run", fmt.Sprintf("run%d", m.runSeq)),
		AgentConfigID: agentConfigID,
		TaskID:        taskID,
		Status:        models.RunPending,
		MessageIDs:    messageIDs,
		Filters:       filters,
		CreatedAt:     time.Now().Add(time.Duration(m.runSeq) * time.Millisecond),
	}
	m.runs[run.Key()] = run
	cp := *run
	return &cp, nil
}

func (m *memDB) run(id string) (*models.ExtractionRun, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, db.ErrNotFound)
	}
	return r, nil
}

func (m *memDB) GetRun(_ context.Context, id string) (*models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *memDB) ListRuns(_ context.Context, status *models.RunStatus, limit int) ([]models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExtractionRun
	for _, r := range m.runs {
		if status == nil || r.Status == *status {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b models.ExtractionRun) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDB) ListPendingRuns(_ context.Context, limit int) ([]models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExtractionRun
	for _, r := range m.runs {
		if r.Status == models.RunPending {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b models.ExtractionRun) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDB) ClaimRun(_ context.Context, id, owner string) (*models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RunPending {
		return nil, fmt.Errorf("claim run %s: %w", id, db.ErrConflict)
	}
	now := time.Now()
	r.Status = models.RunRunning
	r.ClaimedBy = &owner
	r.StartedAt = &now
	cp := *r
	return &cp, nil
}

func (m *memDB) UpdateRunCounters(_ context.Context, id string, counters models.RunCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return err
	}
	if r.Status != models.RunRunning {
		return fmt.Errorf("update run %s: %w", id, db.ErrRunTerminal)
	}
	r.Counters = counters
	return nil
}

func (m *memDB) RequestRunCancel(_ context.Context, id string) (*models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("request cancel: %w", db.ErrRunTerminal)
	}
	r.CancelRequested = true
	cp := *r
	return &cp, nil
}

func (m *memDB) IsCancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.cancelPolls++
	hook, polls := m.onGetCancel, m.cancelPolls
	m.mu.Unlock()
	if hook != nil {
		hook(polls)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return false, err
	}
	return r.CancelRequested, nil
}

func (m *memDB) FinishRun(_ context.Context, id string, status models.RunStatus, counters models.RunCounters, errMsg *string) (*models.ExtractionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.run(id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("finish run %s: %w", id, db.ErrRunTerminal)
	}
	now := time.Now()
	r.Status = status
	r.Counters = counters
	r.Error = errMsg
	if status == models.RunCancelled {
		r.CancelledAt = &now
	} else {
		r.CompletedAt = &now
	}
	cp := *r
	return &cp, nil
}

func (m *memDB) FailOrphanedRuns(_ context.Context, owner, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Status == models.RunRunning && (r.ClaimedBy == nil || *r.ClaimedBy == owner) {
			r.Status = models.RunFailed
			r.Error = &reason
			n++
		}
	}
	return n, nil
}

// graph

func (m *memDB) CreateTopic(_ context.Context, in models.TopicInput) (*models.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &models.Topic{
		ID:          surrealmodels.NewRecordID("topic", m.nextID("t")),
		Name:        in.Name,
		Description: in.Description,
		Keywords:    in.Keywords,
		Embedding:   in.Embedding,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	m.topics[t.Key()] = t
	cp := *t
	return &cp, nil
}

func (m *memDB) GetTopic(_ context.Context, id string) (*models.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", id, db.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memDB) FindTopicByName(_ context.Context, name string) (*models.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topics {
		if strings.EqualFold(strings.TrimSpace(t.Name), strings.TrimSpace(name)) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDB) LinkTopicAtom(_ context.Context, in models.TopicAtomInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := in.TopicID + "->" + in.AtomID
	if m.topicAtoms[k] {
		return false, nil
	}
	m.topicAtoms[k] = true
	return true, nil
}

func (m *memDB) CreateAtom(_ context.Context, in models.AtomInput) (*models.Atom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &models.Atom{
		ID:         surrealmodels.NewRecordID("atom", m.nextID("a")),
		Type:       in.Type,
		Title:      in.Title,
		Content:    in.Content,
		Confidence: in.Confidence,
		Embedding:  in.Embedding,
		CreatedAt:  time.Now(),
	}
	m.atoms[a.Key()] = a
	cp := *a
	return &cp, nil
}

func (m *memDB) FindAtomByTitle(_ context.Context, title string) (*models.Atom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.atoms {
		if models.NormalizeTitle(a.Title) == models.NormalizeTitle(title) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDB) CreateAtomLink(_ context.Context, in models.AtomLinkInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.FromID == in.FromID && l.ToID == in.ToID && l.LinkType == in.LinkType {
			return false, nil
		}
	}
	m.links = append(m.links, in)
	return true, nil
}

func (m *memDB) NearestTopics(_ context.Context, _ []float32, _ int) ([]models.Neighbor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Neighbor
	for _, t := range m.topics {
		out = append(out, models.Neighbor{ID: t.ID, Label: t.Name, Embedding: t.Embedding, CreatedAt: t.CreatedAt})
	}
	return out, nil
}

func (m *memDB) NearestAtoms(_ context.Context, _ []float32, _ int) ([]models.Neighbor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Neighbor
	for _, a := range m.atoms {
		out = append(out, models.Neighbor{ID: a.ID, Label: a.Title, Embedding: a.Embedding, CreatedAt: a.CreatedAt})
	}
	return out, nil
}

// versions

func versionKey(kind models.EntityKind, id string) string { return string(kind) + ":" + id }

func (m *memDB) CreateVersion(_ context.Context, kind models.EntityKind, entityID string, data models.VersionData, _ []float32, createdBy string) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exists := false
	switch kind {
	case models.KindTopic:
		_, exists = m.topics[entityID]
	case models.KindAtom:
		_, exists = m.atoms[entityID]
	}
	if !exists {
		return nil, fmt.Errorf("create version: %w", db.ErrNotFound)
	}
	k := versionKey(kind, entityID)
	n := len(m.versions[k]) + 1
	v := &models.Version{
		ID:        surrealmodels.NewRecordID(kind.VersionTable(), fmt.Sprintf("%s-%d", entityID, n)),
		Entity:    surrealmodels.NewRecordID(string(kind), entityID),
		Version:   n,
		Data:      data,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	m.versions[k] = append(m.versions[k], v)
	cp := *v
	return &cp, nil
}

func (m *memDB) find(kind models.EntityKind, entityID string, n int) (*models.Version, error) {
	vs := m.versions[versionKey(kind, entityID)]
	if n < 1 || n > len(vs) {
		return nil, fmt.Errorf("version %d: %w", n, db.ErrNotFound)
	}
	return vs[n-1], nil
}

func (m *memDB) GetVersion(_ context.Context, kind models.EntityKind, entityID string, n int) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.find(kind, entityID, n)
	if err != nil {
		return nil, err
	}
	cp := *v
	return &cp, nil
}

func (m *memDB) ListVersions(_ context.Context, kind models.EntityKind, entityID string) ([]models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Version
	for _, v := range m.versions[versionKey(kind, entityID)] {
		out = append(out, *v)
	}
	return out, nil
}

func (m *memDB) ListPendingVersions(_ context.Context, kind models.EntityKind, _ int) ([]models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Version
	for _, vs := range m.versions {
		for _, v := range vs {
			if v.Kind() == kind && v.Pending() {
				out = append(out, *v)
			}
		}
	}
	return out, nil
}

func (m *memDB) review(kind models.EntityKind, entityID string, n int, review models.Review, approve bool) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.find(kind, entityID, n)
	if err != nil {
		return nil, err
	}
	if v.Approved {
		return nil, db.ErrAlreadyApproved
	}
	v.Approved = approve
	v.Rejected = !approve
	v.ReviewedAt = &review.At
	v.ReviewedBy = &review.By
	v.AutoReviewed = review.Auto
	cp := *v
	return &cp, nil
}

func (m *memDB) ApproveVersion(_ context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error) {
	return m.review(kind, entityID, n, review, true)
}

func (m *memDB) RejectVersion(_ context.Context, kind models.EntityKind, entityID string, n int, review models.Review) (*models.Version, error) {
	return m.review(kind, entityID, n, review, false)
}

func (m *memDB) CountPendingVersions(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, vs := range m.versions {
		for _, v := range vs {
			if v.Pending() {
				n++
			}
		}
	}
	return n, nil
}

func (m *memDB) VersionStats(context.Context, time.Time) (models.VersionStats, error) {
	n, _ := m.CountPendingVersions(context.Background())
	return models.VersionStats{Pending: n}, nil
}

func (m *memDB) GetActiveRule(context.Context) (*models.ApprovalRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rule, nil
}

// scriptedGenerator returns responses (or errors) in call order, repeating the last.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	onCall    func(n int)
}

func (g *scriptedGenerator) Generate(context.Context, string, string, string) (string, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	hook := g.onCall
	g.mu.Unlock()
	if hook != nil {
		hook(i + 1)
	}
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if len(g.responses) == 0 {
		return `{"topics": [], "atoms": []}`, nil
	}
	return g.responses[min(i, len(g.responses)-1)], nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type staticGenerators struct{ gen llm.Generator }

func (s staticGenerators) Get(context.Context, string, string) (llm.Generator, error) {
	return s.gen, nil
}

// oneHotEmbedder gives every unseen text its own orthogonal vector unless a
// vector was pinned for it.
type oneHotEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	next    int
}

const embedDim = 64

func newEmbedder() *oneHotEmbedder {
	return &oneHotEmbedder{vectors: map[string][]float32{}}
}

func oneHot(i int) []float32 {
	v := make([]float32, embedDim)
	v[i%embedDim] = 1
	return v
}

func (e *oneHotEmbedder) pin(text string, v []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = v
}

func (e *oneHotEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	// reserve the low indices for pinned vectors
	v := oneHot(32 + e.next)
	e.next++
	e.vectors[text] = v
	return v, nil
}

type recordedEvent struct {
	topic   string
	payload any
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) Publish(_ context.Context, topic string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{topic, payload})
}

func (l *eventLog) count(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type deadLetters struct {
	mu    sync.Mutex
	tasks []string
}

func (d *deadLetters) Record(_ context.Context, task string, _ map[string]any, _ int, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
}

type harness struct {
	db       *memDB
	gen      *scriptedGenerator
	embedder *oneHotEmbedder
	events   *eventLog
	dlq      *deadLetters
	metrics  *metrics.Collector
	runs     *RunTracker
	versions *versioning.Engine
	pipeline *Pipeline
	agent    *models.AgentConfig
}

func newHarness(t *testing.T, cfg config.Pipeline) *harness {
	t.Helper()
	h := &harness{
		db:       newMemDB(),
		gen:      &scriptedGenerator{},
		embedder: newEmbedder(),
		events:   &eventLog{},
		dlq:      &deadLetters{},
		metrics:  metrics.NewCollector(),
	}
	// empty language disables the output language check
	h.agent = h.db.addAgent("default", "")

	matcher, err := matching.NewMatcher(h.db, h.embedder, matching.DefaultThresholds())
	require.NoError(t, err)
	policy := retry.NewPolicy(config.Retry{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, h.dlq, nil, h.metrics)

	h.runs = NewRunTracker(h.db, h.events, nil, h.metrics)
	h.versions = versioning.NewEngine(h.db, h.events, nil, h.metrics)
	h.pipeline = NewPipeline(PipelineDeps{
		Store:      h.db,
		Runs:       h.runs,
		Versions:   h.versions,
		Approval:   approval.NewEngine(h.db, nil),
		Matcher:    matcher,
		Generators: staticGenerators{h.gen},
		Retry:      policy,
		Events:     h.events,
		Metrics:    h.metrics,
	}, cfg, "")
	return h
}

// startAndClaim creates a run over all messages and claims it.
func (h *harness) startAndClaim(t *testing.T, ctx context.Context) *models.ExtractionRun {
	t.Helper()
	run, err := h.runs.Start(ctx, StartRequest{AgentConfig: h.agent.Name, Filters: models.RunFilters{LookbackHours: 48}})
	require.NoError(t, err)
	claimed, err := h.runs.Claim(ctx, run.Key(), DefaultWorkerID)
	require.NoError(t, err)
	return claimed
}
