package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// annEffort is the HNSW ef parameter used for candidate search.
const annEffort = 40

// =============================================================================
// TOPICS
// =============================================================================

// CreateTopic inserts a new active topic.
func (c *Client) CreateTopic(ctx context.Context, in models.TopicInput) (*models.Topic, error) {
	results, err := surrealdb.Query[[]models.Topic](ctx, c.db, `
		CREATE type::record("topic", $id) CONTENT {
			name: $name,
			description: $description,
			keywords: $keywords,
			embedding: $embedding,
			is_active: true
		} RETURN AFTER
	`, map[string]any{
		"id":          models.MustRecordIDString(models.NewRecordID("topic")),
		"name":        in.Name,
		"description": in.Description,
		"keywords":    orEmpty(in.Keywords),
		"embedding":   in.Embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", wrapQueryError(err))
	}
	topic := first(rows(results))
	if topic == nil {
		return nil, errors.New("create topic: no result returned")
	}
	return topic, nil
}

// GetTopic retrieves a topic by key.
func (c *Client) GetTopic(ctx context.Context, id string) (*models.Topic, error) {
	results, err := surrealdb.Query[[]models.Topic](ctx, c.db, `
		SELECT * FROM type::record("topic", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	topic := first(rows(results))
	if topic == nil {
		return nil, fmt.Errorf("get topic %s: %w", id, ErrNotFound)
	}
	return topic, nil
}

// FindTopicByName returns the active topic with the given name (case-insensitive), or nil.
func (c *Client) FindTopicByName(ctx context.Context, name string) (*models.Topic, error) {
	results, err := surrealdb.Query[[]models.Topic](ctx, c.db, `
		SELECT * FROM topic
		WHERE is_active = true AND string::lowercase(string::trim(name)) = $name
		ORDER BY created_at DESC LIMIT 1
	`, map[string]any{"name": strings.ToLower(strings.TrimSpace(name))})
	if err != nil {
		return nil, fmt.Errorf("find topic by name: %w", err)
	}
	return first(rows(results)), nil
}

// NearestTopics returns up to k active topics closest to embedding by cosine distance.
func (c *Client) NearestTopics(ctx context.Context, embedding []float32, k int) ([]models.Neighbor, error) {
	sql := fmt.Sprintf(`
		SELECT id, name AS label, embedding, created_at FROM topic
		WHERE is_active = true AND embedding <|%d,%d|> $emb
	`, k, annEffort)

	results, err := surrealdb.Query[[]models.Neighbor](ctx, c.db, sql, map[string]any{"emb": embedding})
	if err != nil {
		return nil, fmt.Errorf("nearest topics: %w", err)
	}
	return rows(results), nil
}

// LinkTopicAtom relates an atom to a topic. Returns false if the pair was already linked.
func (c *Client) LinkTopicAtom(ctx context.Context, in models.TopicAtomInput) (bool, error) {
	_, err := surrealdb.Query[any](ctx, c.db, `
		RELATE type::record("topic", $topic)->topic_atom->type::record("atom", $atom) SET
			position = $position,
			note = $note,
			similarity_score = $score
	`, map[string]any{
		"topic":    in.TopicID,
		"atom":     in.AtomID,
		"position": in.Position,
		"note":     in.Note,
		"score":    in.SimilarityScore,
	})
	if err != nil {
		err = wrapQueryError(err)
		if errors.Is(err, ErrEntityAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("link topic atom: %w", err)
	}
	return true, nil
}

// ListTopicAtoms returns the topic memberships of an atom.
func (c *Client) ListTopicAtoms(ctx context.Context, atomID string) ([]models.TopicAtom, error) {
	results, err := surrealdb.Query[[]models.TopicAtom](ctx, c.db, `
		SELECT * FROM topic_atom WHERE out = type::record("atom", $id) ORDER BY created_at
	`, map[string]any{"id": atomID})
	if err != nil {
		return nil, fmt.Errorf("list topic atoms: %w", err)
	}
	return rows(results), nil
}

// =============================================================================
// ATOMS
// =============================================================================

// CreateAtom inserts a new, not yet user-approved atom.
func (c *Client) CreateAtom(ctx context.Context, in models.AtomInput) (*models.Atom, error) {
	results, err := surrealdb.Query[[]models.Atom](ctx, c.db, `
		CREATE type::record("atom", $id) CONTENT {
			type: $type,
			title: $title,
			content: $content,
			confidence: $confidence,
			embedding: $embedding,
			user_approved: false,
			archived: false
		} RETURN AFTER
	`, map[string]any{
		"id":         models.MustRecordIDString(models.NewRecordID("atom")),
		"type":       string(in.Type),
		"title":      in.Title,
		"content":    in.Content,
		"confidence": in.Confidence,
		"embedding":  in.Embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("create atom: %w", wrapQueryError(err))
	}
	atom := first(rows(results))
	if atom == nil {
		return nil, errors.New("create atom: no result returned")
	}
	return atom, nil
}

// GetAtom retrieves an atom by key.
func (c *Client) GetAtom(ctx context.Context, id string) (*models.Atom, error) {
	results, err := surrealdb.Query[[]models.Atom](ctx, c.db, `
		SELECT * FROM type::record("atom", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get atom: %w", err)
	}
	atom := first(rows(results))
	if atom == nil {
		return nil, fmt.Errorf("get atom %s: %w", id, ErrNotFound)
	}
	return atom, nil
}

// FindAtomByTitle returns the newest non-archived atom whose title matches
// case-insensitively, or nil.
func (c *Client) FindAtomByTitle(ctx context.Context, title string) (*models.Atom, error) {
	results, err := surrealdb.Query[[]models.Atom](ctx, c.db, `
		SELECT * FROM atom
		WHERE archived = false AND string::lowercase(string::trim(title)) = $title
		ORDER BY created_at DESC LIMIT 1
	`, map[string]any{"title": strings.ToLower(strings.TrimSpace(title))})
	if err != nil {
		return nil, fmt.Errorf("find atom by title: %w", err)
	}
	return first(rows(results)), nil
}

// NearestAtoms returns up to k non-archived atoms closest to embedding by cosine distance.
func (c *Client) NearestAtoms(ctx context.Context, embedding []float32, k int) ([]models.Neighbor, error) {
	sql := fmt.Sprintf(`
		SELECT id, title AS label, embedding, created_at FROM atom
		WHERE archived = false AND embedding <|%d,%d|> $emb
	`, k, annEffort)

	results, err := surrealdb.Query[[]models.Neighbor](ctx, c.db, sql, map[string]any{"emb": embedding})
	if err != nil {
		return nil, fmt.Errorf("nearest atoms: %w", err)
	}
	return rows(results), nil
}

// SearchAtoms performs BM25 full-text search over atom titles and content.
func (c *Client) SearchAtoms(ctx context.Context, query string, limit int) ([]models.Atom, error) {
	if limit <= 0 {
		limit = 10
	}
	sql := fmt.Sprintf(`
		SELECT id, type, title, content, confidence, user_approved, archived, created_at, updated_at,
			(search::score(0) + search::score(1)) AS score
		FROM atom
		WHERE archived = false AND (title @0@ $q OR content @1@ $q)
		ORDER BY score DESC
		LIMIT %d
	`, limit)

	results, err := surrealdb.Query[[]models.Atom](ctx, c.db, sql, map[string]any{"q": query})
	if err != nil {
		return nil, fmt.Errorf("search atoms: %w", err)
	}
	return rows(results), nil
}

// =============================================================================
// ATOM LINKS
// =============================================================================

// CreateAtomLink relates two atoms. Returns false if an identical link exists.
// Fails with ErrNotFound if either atom is missing.
func (c *Client) CreateAtomLink(ctx context.Context, in models.AtomLinkInput) (bool, error) {
	_, err := surrealdb.Query[any](ctx, c.db, `
		LET $from = type::record("atom", $from_id);
		LET $to = type::record("atom", $to_id);
		IF !record::exists($from) OR !record::exists($to) {
			THROW "not found: atom";
		};
		RELATE $from->atom_link->$to SET
			link_type = $link_type,
			strength = $strength,
			run_id = $run_id;
	`, map[string]any{
		"from_id":   in.FromID,
		"to_id":     in.ToID,
		"link_type": string(in.LinkType),
		"strength":  in.Strength,
		"run_id":    in.RunID,
	})
	if err != nil {
		err = wrapQueryError(err)
		if errors.Is(err, ErrEntityAlreadyExists) {
			return false, nil
		}
		return false, fmt.Errorf("create atom link: %w", err)
	}
	return true, nil
}

// ListAtomLinks returns outgoing links of an atom.
func (c *Client) ListAtomLinks(ctx context.Context, atomID string) ([]models.AtomLink, error) {
	results, err := surrealdb.Query[[]models.AtomLink](ctx, c.db, `
		SELECT * FROM atom_link WHERE in = type::record("atom", $id) ORDER BY created_at
	`, map[string]any{"id": atomID})
	if err != nil {
		return nil, fmt.Errorf("list atom links: %w", err)
	}
	return rows(results), nil
}
