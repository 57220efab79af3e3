package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// versionDataVars flattens VersionData into a map holding only the fields
// that are part of the payload.
func versionDataVars(d models.VersionData) map[string]any {
	m := map[string]any{}
	if d.Name != nil {
		m["name"] = *d.Name
	}
	if d.Description != nil {
		m["description"] = *d.Description
	}
	if d.Keywords != nil {
		m["keywords"] = d.Keywords
	}
	if d.Type != nil {
		m["type"] = string(*d.Type)
	}
	if d.Title != nil {
		m["title"] = *d.Title
	}
	if d.Content != nil {
		m["content"] = *d.Content
	}
	if d.Confidence != nil {
		m["confidence"] = *d.Confidence
	}
	return m
}

// applySQL copies an approved payload onto the live entity. Absent fields
// keep their current value.
var applySQL = map[models.EntityKind]string{
	models.KindTopic: `
		UPDATE $v.entity SET
			name = $v.data.name ?? name,
			description = $v.data.description ?? description,
			keywords = $v.data.keywords ?? keywords,
			embedding = $v.embedding ?? embedding,
			updated_at = time::now();`,
	models.KindAtom: `
		UPDATE $v.entity SET
			type = $v.data.type ?? type,
			title = $v.data.title ?? title,
			content = $v.data.content ?? content,
			confidence = $v.data.confidence ?? confidence,
			embedding = $v.embedding ?? embedding,
			user_approved = true,
			updated_at = time::now();`,
}

// CreateVersion stores a pending version numbered max(existing)+1 for the entity.
// Concurrent creators racing for the same number get ErrEntityAlreadyExists
// from the (entity, version) unique index.
func (c *Client) CreateVersion(
	ctx context.Context,
	kind models.EntityKind,
	entityID string,
	data models.VersionData,
	embedding []float32,
	createdBy string,
) (*models.Version, error) {
	sql := `
		BEGIN TRANSACTION;
		LET $e = type::record($kind, $entity_id);
		IF !record::exists($e) {
			THROW "not found: " + $kind;
		};
		LET $next = (array::max((SELECT VALUE version FROM type::table($table) WHERE entity = $e)) ?? 0) + 1;
		CREATE type::record($table, $id) CONTENT {
			entity: $e,
			version: $next,
			data: $data,
			embedding: $embedding,
			approved: false,
			rejected: false,
			auto_reviewed: false,
			created_by: $created_by
		} RETURN AFTER;
		COMMIT TRANSACTION;
	`
	results, err := surrealdb.Query[[]models.Version](ctx, c.db, sql, map[string]any{
		"kind":       string(kind),
		"table":      kind.VersionTable(),
		"entity_id":  entityID,
		"id":         models.MustRecordIDString(models.NewRecordID(kind.VersionTable())),
		"data":       versionDataVars(data),
		"embedding":  embedding,
		"created_by": createdBy,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s version: %w", kind, wrapQueryError(err))
	}
	v := first(lastRows(results))
	if v == nil {
		return nil, fmt.Errorf("create %s version: no result returned", kind)
	}
	return v, nil
}

// GetVersion returns version number n of the entity.
func (c *Client) GetVersion(ctx context.Context, kind models.EntityKind, entityID string, n int) (*models.Version, error) {
	results, err := surrealdb.Query[[]models.Version](ctx, c.db, `
		SELECT * FROM type::table($table)
		WHERE entity = type::record($kind, $entity_id) AND version = $version
		LIMIT 1
	`, map[string]any{
		"table":     kind.VersionTable(),
		"kind":      string(kind),
		"entity_id": entityID,
		"version":   n,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s version: %w", kind, err)
	}
	v := first(rows(results))
	if v == nil {
		return nil, fmt.Errorf("%s %s version %d: %w", kind, entityID, n, ErrNotFound)
	}
	return v, nil
}

// GetVersionByID returns a version by its own record key.
func (c *Client) GetVersionByID(ctx context.Context, kind models.EntityKind, versionID string) (*models.Version, error) {
	results, err := surrealdb.Query[[]models.Version](ctx, c.db, `
		SELECT * FROM type::record($table, $id)
	`, map[string]any{"table": kind.VersionTable(), "id": versionID})
	if err != nil {
		return nil, fmt.Errorf("get %s version: %w", kind, err)
	}
	v := first(rows(results))
	if v == nil {
		return nil, fmt.Errorf("%s version %s: %w", kind, versionID, ErrNotFound)
	}
	return v, nil
}

// ListVersions returns every version of an entity, oldest first.
func (c *Client) ListVersions(ctx context.Context, kind models.EntityKind, entityID string) ([]models.Version, error) {
	results, err := surrealdb.Query[[]models.Version](ctx, c.db, `
		SELECT * FROM type::table($table)
		WHERE entity = type::record($kind, $entity_id)
		ORDER BY version ASC
	`, map[string]any{
		"table":     kind.VersionTable(),
		"kind":      string(kind),
		"entity_id": entityID,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s versions: %w", kind, err)
	}
	return rows(results), nil
}

// ListPendingVersions returns unreviewed versions, oldest first.
func (c *Client) ListPendingVersions(ctx context.Context, kind models.EntityKind, limit int) ([]models.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(`
		SELECT * FROM type::table($table)
		WHERE approved = false AND rejected = false
		ORDER BY created_at ASC
		LIMIT %d
	`, limit)
	results, err := surrealdb.Query[[]models.Version](ctx, c.db, sql, map[string]any{"table": kind.VersionTable()})
	if err != nil {
		return nil, fmt.Errorf("list pending %s versions: %w", kind, err)
	}
	return rows(results), nil
}

// ApproveVersion flips a version to approved and copies its payload onto the
// live entity in one transaction. The conditional update on approved = false
// makes the already-approved check and the mutation atomic; a concurrent
// approver observes ErrAlreadyApproved or ErrTransactionConflict.
func (c *Client) ApproveVersion(
	ctx context.Context,
	kind models.EntityKind,
	entityID string,
	n int,
	review models.Review,
) (*models.Version, error) {
	sql := `
		BEGIN TRANSACTION;
		LET $v = (SELECT * FROM ONLY type::table($table)
			WHERE entity = type::record($kind, $entity_id) AND version = $version LIMIT 1);
		IF $v = NONE {
			THROW "not found: version";
		};
		IF $v.approved {
			THROW "` + throwAlreadyApproved + `";
		};
		LET $updated = (UPDATE $v.id SET
			approved = true,
			approved_at = $at,
			rejected = false,
			reviewed_at = $at,
			reviewed_by = $by,
			auto_reviewed = $auto
			WHERE approved = false RETURN AFTER);
		IF array::len($updated) = 0 {
			THROW "` + throwAlreadyApproved + `";
		};
		` + applySQL[kind] + `
		SELECT * FROM $v.id;
		COMMIT TRANSACTION;
	`
	return c.reviewVersion(ctx, "approve", sql, kind, entityID, n, review)
}

// RejectVersion marks a version reviewed without touching the live entity.
// Rejecting an approved version fails with ErrAlreadyApproved; rejecting a
// rejected version again refreshes the review fields.
func (c *Client) RejectVersion(
	ctx context.Context,
	kind models.EntityKind,
	entityID string,
	n int,
	review models.Review,
) (*models.Version, error) {
	sql := `
		BEGIN TRANSACTION;
		LET $v = (SELECT * FROM ONLY type::table($table)
			WHERE entity = type::record($kind, $entity_id) AND version = $version LIMIT 1);
		IF $v = NONE {
			THROW "not found: version";
		};
		IF $v.approved {
			THROW "` + throwAlreadyApproved + `";
		};
		LET $updated = (UPDATE $v.id SET
			rejected = true,
			reviewed_at = $at,
			reviewed_by = $by,
			auto_reviewed = $auto
			WHERE approved = false RETURN AFTER);
		IF array::len($updated) = 0 {
			THROW "` + throwAlreadyApproved + `";
		};
		SELECT * FROM $v.id;
		COMMIT TRANSACTION;
	`
	return c.reviewVersion(ctx, "reject", sql, kind, entityID, n, review)
}

func (c *Client) reviewVersion(
	ctx context.Context,
	op, sql string,
	kind models.EntityKind,
	entityID string,
	n int,
	review models.Review,
) (*models.Version, error) {
	at := review.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var by *string
	if review.By != "" {
		by = &review.By
	}

	results, err := surrealdb.Query[[]models.Version](ctx, c.db, sql, map[string]any{
		"table":     kind.VersionTable(),
		"kind":      string(kind),
		"entity_id": entityID,
		"version":   n,
		"at":        at,
		"by":        by,
		"auto":      review.Auto,
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s version %d: %w", op, kind, n, wrapQueryError(err))
	}
	v := first(lastRows(results))
	if v == nil {
		return nil, fmt.Errorf("%s %s version %d: no result returned", op, kind, n)
	}
	return v, nil
}

// CountPendingVersions counts unreviewed topic and atom versions.
func (c *Client) CountPendingVersions(ctx context.Context) (int, error) {
	results, err := surrealdb.Query[[]countRow](ctx, c.db, `
		SELECT count() AS count FROM topic_version, atom_version
		WHERE approved = false AND rejected = false
		GROUP ALL
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("count pending versions: %w", err)
	}
	return countOf(results), nil
}

type reviewStatsRow struct {
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	AutoApproved int `json:"auto_approved"`
}

// VersionStats aggregates reviews performed since the given time.
func (c *Client) VersionStats(ctx context.Context, since time.Time) (models.VersionStats, error) {
	var stats models.VersionStats

	pending, err := c.CountPendingVersions(ctx)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending

	results, err := surrealdb.Query[[]reviewStatsRow](ctx, c.db, `
		SELECT
			count(approved = true) AS approved,
			count(rejected = true AND approved = false) AS rejected,
			count(approved = true AND auto_reviewed = true) AS auto_approved
		FROM topic_version, atom_version
		WHERE reviewed_at >= $since
		GROUP ALL
	`, map[string]any{"since": since})
	if err != nil {
		return stats, fmt.Errorf("version stats: %w", err)
	}
	if r := first(rows(results)); r != nil {
		stats.Approved = r.Approved
		stats.Rejected = r.Rejected
		stats.AutoApproved = r.AutoApproved
	}
	if stats.Approved > 0 {
		stats.AutoApprovalRate = float64(stats.AutoApproved) / float64(stats.Approved)
	}
	return stats, nil
}
