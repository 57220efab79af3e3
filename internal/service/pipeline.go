package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/approval"
	"github.com/raphaelgruber/atomgraph/internal/batching"
	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/extraction"
	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/matching"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/retry"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

// autoReviewer is the reviewer name recorded on automatic decisions.
const autoReviewer = "auto-approval"

// GraphStore is what the pipeline reads and writes besides runs and versions.
// *db.Client implements it.
type GraphStore interface {
	ListMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error)
	GetAgentConfig(ctx context.Context, idOrName string) (*models.AgentConfig, error)
	GetExtractionTask(ctx context.Context, id string) (*models.ExtractionTask, error)

	CreateTopic(ctx context.Context, in models.TopicInput) (*models.Topic, error)
	GetTopic(ctx context.Context, id string) (*models.Topic, error)
	FindTopicByName(ctx context.Context, name string) (*models.Topic, error)
	LinkTopicAtom(ctx context.Context, in models.TopicAtomInput) (bool, error)

	CreateAtom(ctx context.Context, in models.AtomInput) (*models.Atom, error)
	FindAtomByTitle(ctx context.Context, title string) (*models.Atom, error)
	CreateAtomLink(ctx context.Context, in models.AtomLinkInput) (bool, error)
}

// GeneratorSource resolves a provider/model pair. *llm.Registry implements it.
type GeneratorSource interface {
	Get(ctx context.Context, provider, model string) (llm.Generator, error)
}

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Store      GraphStore
	Runs       *RunTracker
	Versions   *versioning.Engine
	Approval   *approval.Engine
	Matcher    *matching.Matcher
	Generators GeneratorSource
	Retry      *retry.Policy
	Events     events.Broadcaster
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Pipeline executes extraction runs: select messages, batch them, extract
// candidates, reconcile them against the graph and version the results.
type Pipeline struct {
	PipelineDeps
	cfg             config.Pipeline
	defaultLanguage string
}

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps, cfg config.Pipeline, defaultLanguage string) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	deps.Logger = deps.Logger.With("component", "pipeline")
	return &Pipeline{PipelineDeps: deps, cfg: cfg, defaultLanguage: defaultLanguage}
}

// runState is owned by the goroutine executing one run.
type runState struct {
	run       *models.ExtractionRun
	id        string
	agent     *models.AgentConfig
	policy    *approval.TaskPolicy
	requester *extraction.Requester
	language  string
	counters  models.RunCounters
}

func (s *runState) createdBy() string {
	return "run:" + s.id
}

// Execute processes a claimed (running) run to a terminal state. Batches run
// sequentially; a cancellation request is honored before each batch.
// Per-batch extraction failures are absorbed, anything else fails the run.
func (p *Pipeline) Execute(ctx context.Context, run *models.ExtractionRun) (*models.ExtractionRun, error) {
	start := time.Now()
	st := &runState{run: run, id: run.Key(), counters: run.Counters}
	log := p.Logger.With("run_id", st.id)

	finished, err := p.execute(ctx, st, log)
	p.Metrics.RecordTiming(metrics.OpRun, time.Since(start))
	if err == nil {
		return finished, nil
	}
	if errors.Is(err, ErrRunTerminal) {
		return nil, err
	}
	failed, ferr := p.Runs.Fail(ctx, st.id, st.counters, err)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return failed, nil
}

func (p *Pipeline) execute(ctx context.Context, st *runState, log *slog.Logger) (*models.ExtractionRun, error) {
	// a run cancelled before the worker picked it up never selects messages
	if cancelled, err := p.cancelIfRequested(ctx, st); err != nil || cancelled != nil {
		return cancelled, err
	}
	if err := p.prepare(ctx, st); err != nil {
		return nil, err
	}

	msgs, err := p.selectMessages(ctx, st.run)
	if err != nil {
		return nil, err
	}
	grouped := batching.GroupMessages(msgs, batching.Options{
		TimeGap:        p.cfg.TimeGap(),
		GroupByThread:  p.cfg.GroupByThread,
		GroupByChannel: p.cfg.GroupByChannel,
	})
	batches := batching.Pack(grouped.Groups, p.cfg.BatchSize)
	st.counters.BatchesTotal = len(batches)
	log.Info("run started",
		"agent", st.agent.Name,
		"messages", len(msgs),
		"batches", len(batches),
		"grouping", grouped.Summary())
	if err := p.Runs.RecordBatch(ctx, st.id, st.counters); err != nil {
		return nil, err
	}

	for i, batch := range batches {
		if cancelled, err := p.cancelIfRequested(ctx, st); err != nil || cancelled != nil {
			return cancelled, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if batch.Warning != "" {
			log.Warn("batch truncated", "batch", i, "warning", batch.Warning)
		}

		delta, err := p.processBatch(ctx, st, batch)
		switch {
		case err == nil:
			delta.BatchesProcessed = 1
		case isBatchFailure(err):
			log.Warn("batch failed", "batch", i, "error", err)
			p.Metrics.Inc(metrics.CounterBatchesFailed)
			delta = models.RunCounters{BatchesFailed: 1}
		default:
			st.counters.Add(delta)
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		delta.MessagesProcessed = len(batch.Messages)
		st.counters.Add(delta)
		if err := p.Runs.RecordBatch(ctx, st.id, st.counters); err != nil {
			return nil, err
		}
	}

	done, err := p.Runs.Complete(ctx, st.id, st.counters)
	if err != nil {
		return nil, err
	}
	if n, err := p.Versions.PendingCount(ctx); err == nil {
		p.Events.Publish(ctx, events.TopicPendingCount, events.PendingCountEvent{Count: n})
	}
	return done, nil
}

// cancelIfRequested finishes the run as cancelled when a cancellation was
// requested. It returns nil when the run should go on.
func (p *Pipeline) cancelIfRequested(ctx context.Context, st *runState) (*models.ExtractionRun, error) {
	requested, err := p.Runs.CancelRequested(ctx, st.id)
	if err != nil || !requested {
		return nil, err
	}
	return p.Runs.Cancel(ctx, st.id, st.counters)
}

// isBatchFailure reports errors that fail one batch but not the run: invalid
// LLM output and transport failures that exhausted their retries (those are
// already in the dead-letter queue).
func isBatchFailure(err error) bool {
	if errors.Is(err, llm.ErrFatalAPI) {
		return false
	}
	var be *batchError
	if !errors.As(err, &be) {
		return false
	}
	return errors.Is(be.err, extraction.ErrInvalidOutput) || retry.IsTransient(be.err)
}

// batchError marks an error raised by the extraction stage.
type batchError struct{ err error }

func (e *batchError) Error() string { return "extract: " + e.err.Error() }
func (e *batchError) Unwrap() error { return e.err }

func (p *Pipeline) prepare(ctx context.Context, st *runState) error {
	agent, err := p.Store.GetAgentConfig(ctx, st.run.AgentConfigID)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	st.agent = agent
	gen, err := p.Generators.Get(ctx, agent.Provider, agent.Model)
	if err != nil {
		return fmt.Errorf("resolve generator %s/%s: %w", agent.Provider, agent.Model, err)
	}
	st.requester = extraction.NewRequester(gen, p.Retry, p.Logger, p.Metrics)
	st.language = agent.Language
	if st.language == "" {
		st.language = p.defaultLanguage
	}

	if st.run.TaskID != nil {
		task, err := p.Store.GetExtractionTask(ctx, *st.run.TaskID)
		if err != nil {
			return fmt.Errorf("load extraction task: %w", err)
		}
		st.policy = approval.PolicyFromTask(*task)
		if st.policy.ConfidenceThreshold == 0 {
			st.policy.ConfidenceThreshold = p.cfg.ConfidenceThreshold
		}
	}
	return nil
}

func (p *Pipeline) selectMessages(ctx context.Context, run *models.ExtractionRun) ([]models.Message, error) {
	q := models.MessageQuery{
		IDs:        run.MessageIDs,
		ChannelIDs: run.Filters.ChannelIDs,
		Limit:      p.cfg.MaxBatchSize,
	}
	if len(q.IDs) == 0 {
		lookback := p.cfg.Lookback()
		if run.Filters.LookbackHours > 0 {
			lookback = time.Duration(run.Filters.LookbackHours) * time.Hour
		}
		since := time.Now().Add(-lookback)
		q.Since = &since
	}
	msgs, err := p.Store.ListMessages(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	return msgs, nil
}

// batchRefs tracks what a batch created so atoms can reference topics and
// each other by name.
type batchRefs struct {
	topics map[string]topicRef
	atoms  map[string]string
}

type topicRef struct {
	id        string
	embedding []float32
}

func (p *Pipeline) processBatch(ctx context.Context, st *runState, batch batching.Batch) (models.RunCounters, error) {
	var delta models.RunCounters
	res, err := st.requester.Extract(ctx, batch.Messages, extraction.Options{
		Language:     st.language,
		SystemPrompt: deref(st.agent.SystemPrompt),
		RunID:        st.id,
	})
	if err != nil {
		return delta, &batchError{err: err}
	}

	refs := batchRefs{topics: map[string]topicRef{}, atoms: map[string]string{}}
	ids := batch.MessageIDs()
	for _, t := range res.Topics {
		if err := p.applyTopic(ctx, st, ids, t, &refs, &delta); err != nil {
			return delta, fmt.Errorf("topic %q: %w", t.Name, err)
		}
	}
	for _, a := range res.Atoms {
		if err := p.applyAtom(ctx, st, ids, a, &refs, &delta); err != nil {
			return delta, fmt.Errorf("atom %q: %w", a.Title, err)
		}
	}
	for _, a := range res.Atoms {
		if err := p.applyLinks(ctx, st, a, &refs, &delta); err != nil {
			return delta, fmt.Errorf("links of %q: %w", a.Title, err)
		}
	}
	return delta, nil
}

func (p *Pipeline) embed(ctx context.Context, st *runState, ids []string, text string) ([]float32, error) {
	args := map[string]any{"run_id": st.id, "agent_config_id": st.agent.Key(), "message_ids": ids}
	return retry.Call(ctx, p.Retry, retry.TaskEmbed, args, func(ctx context.Context) ([]float32, error) {
		return p.Matcher.Embed(ctx, text)
	})
}

// write runs a store write through the retry policy.
func write[T any](ctx context.Context, p *Pipeline, st *runState, ids []string, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	args := map[string]any{"run_id": st.id, "agent_config_id": st.agent.Key(), "message_ids": ids, "op": op}
	return retry.Call(ctx, p.Retry, retry.TaskStoreWrite, args, fn)
}

func (p *Pipeline) applyTopic(ctx context.Context, st *runState, ids []string, t extraction.TopicCandidate, refs *batchRefs, delta *models.RunCounters) error {
	emb, err := p.embed(ctx, st, ids, t.Text())
	if err != nil {
		return err
	}
	decision, err := p.Matcher.MatchTopic(ctx, emb)
	if err != nil {
		return err
	}

	var existing *models.Topic
	if decision.Kind == matching.Duplicate {
		existing, err = p.Store.GetTopic(ctx, decision.Best.Neighbor.Key())
	} else {
		existing, err = p.Store.FindTopicByName(ctx, t.Name)
	}
	if err != nil {
		return err
	}

	if existing != nil {
		refs.topics[models.NormalizeTitle(t.Name)] = topicRef{id: existing.Key(), embedding: existing.Embedding}
		keywords, added := unionKeywords(existing.Keywords, t.Keywords)
		if !added {
			return nil
		}
		v, err := p.Versions.CreateVersion(ctx, models.KindTopic, existing.Key(),
			models.TopicData(existing.Name, existing.Description, keywords), nil, st.createdBy())
		if err != nil {
			return err
		}
		delta.VersionsCreated++
		return p.autoReview(ctx, st, v, approval.Candidate{
			Kind:       models.KindTopic,
			Confidence: t.Confidence,
			Similarity: decision.Similarity(),
		})
	}

	topic, err := write(ctx, p, st, ids, "create_topic", func(ctx context.Context) (*models.Topic, error) {
		return p.Store.CreateTopic(ctx, models.TopicInput{
			Name:        t.Name,
			Description: t.Description,
			Keywords:    t.Keywords,
			Embedding:   emb,
		})
	})
	if err != nil {
		return err
	}
	delta.TopicsCreated++
	refs.topics[models.NormalizeTitle(t.Name)] = topicRef{id: topic.Key(), embedding: emb}
	p.Events.Publish(ctx, events.TopicTopicCreated, events.EntityEvent{
		RunID: st.id, Kind: models.KindTopic, ID: topic.Key(), Label: topic.Name,
	})

	v, err := p.Versions.CreateVersion(ctx, models.KindTopic, topic.Key(),
		models.TopicData(t.Name, t.Description, t.Keywords), emb, st.createdBy())
	if err != nil {
		return err
	}
	delta.VersionsCreated++
	return p.autoReview(ctx, st, v, approval.Candidate{
		Kind:       models.KindTopic,
		Confidence: t.Confidence,
		Similarity: decision.Similarity(),
	})
}

func (p *Pipeline) applyAtom(ctx context.Context, st *runState, ids []string, a extraction.AtomCandidate, refs *batchRefs, delta *models.RunCounters) error {
	emb, err := p.embed(ctx, st, ids, a.Text())
	if err != nil {
		return err
	}
	decision, err := p.Matcher.MatchAtom(ctx, emb)
	if err != nil {
		return err
	}
	confidence := a.Confidence
	data := models.AtomData(a.Type, a.Title, a.Content, &confidence)
	candidate := approval.Candidate{
		Kind:       models.KindAtom,
		AtomType:   a.Type,
		Confidence: a.Confidence,
		Similarity: decision.Similarity(),
	}

	if decision.Kind == matching.Duplicate {
		atomID := decision.Best.Neighbor.Key()
		refs.atoms[models.NormalizeTitle(a.Title)] = atomID
		v, err := p.Versions.CreateVersion(ctx, models.KindAtom, atomID, data, emb, st.createdBy())
		if err != nil {
			return err
		}
		delta.VersionsCreated++
		return p.autoReview(ctx, st, v, candidate)
	}

	atom, err := write(ctx, p, st, ids, "create_atom", func(ctx context.Context) (*models.Atom, error) {
		return p.Store.CreateAtom(ctx, models.AtomInput{
			Type:       a.Type,
			Title:      a.Title,
			Content:    a.Content,
			Confidence: &confidence,
			Embedding:  emb,
		})
	})
	if err != nil {
		return err
	}
	atomID := atom.Key()
	delta.AtomsCreated++
	refs.atoms[models.NormalizeTitle(a.Title)] = atomID
	p.Events.Publish(ctx, events.TopicAtomCreated, events.EntityEvent{
		RunID: st.id, Kind: models.KindAtom, ID: atomID, Label: atom.Title,
	})

	v, err := p.Versions.CreateVersion(ctx, models.KindAtom, atomID, data, emb, st.createdBy())
	if err != nil {
		return err
	}
	delta.VersionsCreated++
	if err := p.autoReview(ctx, st, v, candidate); err != nil {
		return err
	}

	if decision.Kind == matching.Linkable {
		strength := decision.Similarity()
		created, err := p.Store.CreateAtomLink(ctx, models.AtomLinkInput{
			FromID:   atomID,
			ToID:     decision.Best.Neighbor.Key(),
			LinkType: models.LinkRelatesTo,
			Strength: &strength,
			RunID:    &st.id,
		})
		if err != nil {
			return err
		}
		if created {
			delta.LinksCreated++
		}
	}
	return p.assignTopic(ctx, atomID, a, emb, refs)
}

// assignTopic links an atom to the topic it names, or else to the closest
// topic above the semantic threshold.
func (p *Pipeline) assignTopic(ctx context.Context, atomID string, a extraction.AtomCandidate, emb []float32, refs *batchRefs) error {
	var topicID string
	var similarity float64
	if ref, ok := refs.topics[models.NormalizeTitle(a.TopicName)]; ok && a.TopicName != "" {
		topicID = ref.id
		similarity = matching.CosineSimilarity(emb, ref.embedding)
	} else {
		match, err := p.Matcher.TopicForAtom(ctx, emb)
		if err != nil {
			return err
		}
		if match == nil {
			return nil
		}
		topicID = match.Neighbor.Key()
		similarity = match.Similarity
	}
	_, err := p.Store.LinkTopicAtom(ctx, models.TopicAtomInput{
		TopicID:         topicID,
		AtomID:          atomID,
		SimilarityScore: &similarity,
	})
	return err
}

func (p *Pipeline) applyLinks(ctx context.Context, st *runState, a extraction.AtomCandidate, refs *batchRefs, delta *models.RunCounters) error {
	from, ok := refs.atoms[models.NormalizeTitle(a.Title)]
	if !ok {
		return nil
	}
	for _, link := range a.Links() {
		to, ok := refs.atoms[models.NormalizeTitle(link.Title)]
		if !ok {
			target, err := p.Store.FindAtomByTitle(ctx, link.Title)
			if err != nil {
				return err
			}
			if target == nil {
				p.Logger.Debug("link target not found", "run_id", st.id, "title", link.Title)
				continue
			}
			to = target.Key()
		}
		if to == from {
			continue
		}
		created, err := p.Store.CreateAtomLink(ctx, models.AtomLinkInput{
			FromID:   from,
			ToID:     to,
			LinkType: link.Type,
			RunID:    &st.id,
		})
		if err != nil {
			return err
		}
		if created {
			delta.LinksCreated++
		}
	}
	return nil
}

// autoReview applies the approval verdict to a fresh version. A reviewer
// racing the run is not an error.
func (p *Pipeline) autoReview(ctx context.Context, st *runState, v *models.Version, c approval.Candidate) error {
	verdict, err := p.Approval.EvaluateCandidate(ctx, c, st.policy)
	if err != nil {
		return err
	}
	entityID := models.MustRecordIDString(v.Entity)
	review := models.Review{By: autoReviewer, Auto: true}
	switch verdict {
	case models.ActionApprove:
		_, err = p.Versions.Approve(ctx, c.Kind, entityID, v.Version, review)
	case models.ActionReject:
		_, err = p.Versions.Reject(ctx, c.Kind, entityID, v.Version, review)
	default:
		return nil
	}
	if errors.Is(err, versioning.ErrConflict) {
		p.Logger.Info("version reviewed concurrently", "run_id", st.id, "entity", entityID, "version", v.Version)
		return nil
	}
	return err
}

// unionKeywords merges keywords case-insensitively, keeping existing order.
func unionKeywords(existing, incoming []string) ([]string, bool) {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, k := range existing {
		seen[strings.ToLower(k)] = true
		out = append(out, k)
	}
	added := false
	for _, k := range incoming {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out = append(out, k)
		added = true
	}
	return out, added
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
