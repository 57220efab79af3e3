// Package matching reconciles extracted candidates against the existing graph
// by embedding similarity.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// tieTolerance is the similarity difference under which candidates tie.
const tieTolerance = 1e-9

// candidatePool is how many ANN candidates are rescored per lookup.
const candidatePool = 10

// Kind classifies a candidate against the graph.
type Kind string

const (
	// New means nothing similar enough exists.
	New Kind = "new"
	// Duplicate means the best match is effectively the same entity.
	Duplicate Kind = "duplicate"
	// Linkable means the best match is related but distinct.
	Linkable Kind = "linkable"
)

// Thresholds are cosine similarities in [0,1].
type Thresholds struct {
	Duplicate   float64
	Semantic    float64
	Exploration float64
}

// DefaultThresholds returns 0.95 / 0.65 / 0.50.
func DefaultThresholds() Thresholds {
	return Thresholds{Duplicate: 0.95, Semantic: 0.65, Exploration: 0.50}
}

// Validate checks ranges and ordering.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.Duplicate, t.Semantic, t.Exploration} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %g out of range [0,1]", v)
		}
	}
	if t.Exploration > t.Semantic || t.Semantic > t.Duplicate {
		return errors.New("thresholds must satisfy exploration <= semantic <= duplicate")
	}
	return nil
}

// Index is the approximate nearest-neighbor view of the graph.
type Index interface {
	NearestTopics(ctx context.Context, embedding []float32, k int) ([]models.Neighbor, error)
	NearestAtoms(ctx context.Context, embedding []float32, k int) ([]models.Neighbor, error)
}

// Embedder produces fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is a scored neighbor.
type Match struct {
	Neighbor   models.Neighbor
	Similarity float64
}

// Decision is the outcome of matching one candidate.
type Decision struct {
	Kind      Kind
	Best      *Match
	Embedding []float32
}

// Similarity returns the best match's similarity, or 0.
func (d Decision) Similarity() float64 {
	if d.Best == nil {
		return 0
	}
	return d.Best.Similarity
}

// Matcher classifies topic and atom candidates.
type Matcher struct {
	index      Index
	embedder   Embedder
	thresholds Thresholds
}

// NewMatcher creates a matcher.
func NewMatcher(index Index, embedder Embedder, thresholds Thresholds) (*Matcher, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{index: index, embedder: embedder, thresholds: thresholds}, nil
}

// Thresholds returns the matcher's configured thresholds.
func (m *Matcher) Thresholds() Thresholds {
	return m.thresholds
}

// Embed embeds text through the matcher's embedder.
func (m *Matcher) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedder.Embed(ctx, text)
}

// MatchTopic classifies a topic candidate by its embedding. A duplicate is
// folded into the existing topic; anything else becomes a new topic.
func (m *Matcher) MatchTopic(ctx context.Context, embedding []float32) (Decision, error) {
	neighbors, err := m.index.NearestTopics(ctx, embedding, candidatePool)
	if err != nil {
		return Decision{}, fmt.Errorf("match topic: %w", err)
	}
	best := Best(embedding, neighbors)
	return m.classify(best, embedding), nil
}

// MatchAtom classifies an atom candidate by its embedding.
func (m *Matcher) MatchAtom(ctx context.Context, embedding []float32) (Decision, error) {
	neighbors, err := m.index.NearestAtoms(ctx, embedding, candidatePool)
	if err != nil {
		return Decision{}, fmt.Errorf("match atom: %w", err)
	}
	best := Best(embedding, neighbors)
	return m.classify(best, embedding), nil
}

// TopicForAtom returns the best topic at or above the semantic threshold, or nil.
func (m *Matcher) TopicForAtom(ctx context.Context, embedding []float32) (*Match, error) {
	neighbors, err := m.index.NearestTopics(ctx, embedding, candidatePool)
	if err != nil {
		return nil, fmt.Errorf("topic for atom: %w", err)
	}
	best := Best(embedding, neighbors)
	if best == nil || best.Similarity < m.thresholds.Semantic {
		return nil, nil
	}
	return best, nil
}

func (m *Matcher) classify(best *Match, embedding []float32) Decision {
	d := Decision{Kind: New, Best: best, Embedding: embedding}
	switch {
	case best == nil:
	case best.Similarity >= m.thresholds.Duplicate:
		d.Kind = Duplicate
	case best.Similarity >= m.thresholds.Semantic:
		d.Kind = Linkable
	}
	return d
}

// Related ranks atoms and topics at or above the exploration threshold for
// discovery. It never writes.
func (m *Matcher) Related(ctx context.Context, text string, limit int) (topics, atoms []Match, err error) {
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("related: %w", err)
	}
	pool := max(limit*2, candidatePool)

	tn, err := m.index.NearestTopics(ctx, embedding, pool)
	if err != nil {
		return nil, nil, fmt.Errorf("related topics: %w", err)
	}
	an, err := m.index.NearestAtoms(ctx, embedding, pool)
	if err != nil {
		return nil, nil, fmt.Errorf("related atoms: %w", err)
	}
	return m.rank(embedding, tn, limit), m.rank(embedding, an, limit), nil
}

func (m *Matcher) rank(embedding []float32, neighbors []models.Neighbor, limit int) []Match {
	ranked := Rank(embedding, neighbors)
	out := ranked[:0]
	for _, r := range ranked {
		if r.Similarity >= m.thresholds.Exploration {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Rank scores neighbors by cosine similarity, best first. Ties within
// tolerance go to the most recently created neighbor.
func Rank(embedding []float32, neighbors []models.Neighbor) []Match {
	matches := make([]Match, 0, len(neighbors))
	for _, n := range neighbors {
		matches = append(matches, Match{Neighbor: n, Similarity: CosineSimilarity(embedding, n.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return better(matches[i], matches[j])
	})
	return matches
}

// Best returns the top-ranked neighbor, or nil if there are none.
func Best(embedding []float32, neighbors []models.Neighbor) *Match {
	var best *Match
	for _, n := range neighbors {
		c := Match{Neighbor: n, Similarity: CosineSimilarity(embedding, n.Embedding)}
		if best == nil || better(c, *best) {
			best = &c
		}
	}
	return best
}

func better(a, b Match) bool {
	if math.Abs(a.Similarity-b.Similarity) <= tieTolerance {
		return a.Neighbor.CreatedAt.After(b.Neighbor.CreatedAt)
	}
	return a.Similarity > b.Similarity
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// clamp float error so identical vectors score exactly 1
	return math.Max(-1, math.Min(1, sim))
}
