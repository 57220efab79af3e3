// Package extraction asks an LLM for the topics and atoms in a batch of
// messages and enforces the output contract.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/retry"
)

// ErrInvalidOutput marks LLM output that is not valid JSON or violates the
// schema. It fails the batch, not the run.
var ErrInvalidOutput = errors.New("invalid extraction output")

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt, languageHint string) (string, error)
}

// Options configure one extraction call.
type Options struct {
	Language     string // ISO 639-1; empty disables the language check
	SystemPrompt string // optional override from the agent config
	RunID        string
}

// Result is a validated candidate set.
type Result struct {
	Output
	// LanguageMismatch is set when the retried output was still in the
	// wrong language and was accepted anyway.
	LanguageMismatch bool
	Calls            int
}

// Requester runs extraction calls through the retry policy.
type Requester struct {
	gen      Generator
	policy   *retry.Policy
	detector *llm.LanguageDetector
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewRequester creates a requester.
func NewRequester(gen Generator, policy *retry.Policy, logger *slog.Logger, collector *metrics.Collector) *Requester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requester{
		gen:      gen,
		policy:   policy,
		detector: llm.NewLanguageDetector(),
		logger:   logger.With("component", "extraction"),
		metrics:  collector,
	}
}

// Extract returns the candidates found in msgs. Transport errors come back
// from the retry policy unchanged; contract violations wrap ErrInvalidOutput.
func (r *Requester) Extract(ctx context.Context, msgs []models.Message, opts Options) (*Result, error) {
	if len(msgs) == 0 {
		return &Result{Output: Output{Topics: []TopicCandidate{}, Atoms: []AtomCandidate{}}}, nil
	}
	start := time.Now()
	system := SystemPrompt(opts.SystemPrompt)
	ids := messageIDs(msgs)

	out, err := r.call(ctx, msgs, ids, system, opts, false)
	if err != nil {
		return nil, err
	}
	res := &Result{Output: *out, Calls: 1}

	if opts.Language != "" && !r.detector.Matches(out.Prose(), opts.Language) {
		r.metrics.Inc(metrics.CounterLanguageRetries)
		r.logger.Info("output language mismatch, retrying with strengthened prompt",
			"run_id", opts.RunID, "language", opts.Language)

		out, err = r.call(ctx, msgs, ids, system, opts, true)
		if err != nil {
			return nil, err
		}
		res.Output = *out
		res.Calls = 2
		if !r.detector.Matches(out.Prose(), opts.Language) {
			res.LanguageMismatch = true
			r.logger.Warn("output still in wrong language, accepting",
				"run_id", opts.RunID, "language", opts.Language)
		}
	}

	restrictMessageIDs(&res.Output, ids)
	r.metrics.RecordTiming(metrics.OpExtractionBatch, time.Since(start))
	r.logger.Debug("extracted candidates",
		"run_id", opts.RunID,
		"messages", len(msgs),
		"topics", len(res.Topics),
		"atoms", len(res.Atoms),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (r *Requester) call(ctx context.Context, msgs []models.Message, ids []string, system string, opts Options, strengthened bool) (*Output, error) {
	prompt := UserPrompt(msgs, opts.Language, strengthened)
	args := map[string]any{
		"run_id":      opts.RunID,
		"message_ids": ids,
		"language":    opts.Language,
	}
	text, err := retry.Call(ctx, r.policy, retry.TaskGenerate, args, func(ctx context.Context) (string, error) {
		return r.gen.Generate(ctx, prompt, system, opts.Language)
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	out, err := Parse(text)
	if err != nil {
		r.logger.Warn("invalid extraction output", "run_id", opts.RunID, "error", err)
		return nil, err
	}
	return out, nil
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Key()
	}
	return ids
}

// restrictMessageIDs drops message references outside the batch.
func restrictMessageIDs(out *Output, ids []string) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	keep := func(refs []string) []string {
		kept := refs[:0]
		for _, ref := range refs {
			if known[ref] {
				kept = append(kept, ref)
			}
		}
		return kept
	}
	for i := range out.Topics {
		out.Topics[i].RelatedMessageIDs = keep(out.Topics[i].RelatedMessageIDs)
	}
	for i := range out.Atoms {
		out.Atoms[i].RelatedMessageIDs = keep(out.Atoms[i].RelatedMessageIDs)
	}
}
