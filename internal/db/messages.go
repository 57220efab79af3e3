package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// ListMessages selects messages by explicit ids or by channel/time filters,
// newest first so that Limit keeps the most recent ones.
func (c *Client) ListMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error) {
	var where []string
	vars := map[string]any{}

	switch {
	case len(q.IDs) > 0:
		where = append(where, "record::id(id) IN $ids")
		vars["ids"] = q.IDs
	default:
		if len(q.ChannelIDs) > 0 {
			where = append(where, "channel_id IN $channels")
			vars["channels"] = q.ChannelIDs
		}
		if q.Since != nil {
			where = append(where, "sent_at >= $since")
			vars["since"] = *q.Since
		}
	}

	sql := "SELECT * FROM message"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY sent_at DESC"
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	results, err := surrealdb.Query[[]models.Message](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows(results), nil
}

// CountMessages counts messages sent at or after since, optionally limited to channels.
func (c *Client) CountMessages(ctx context.Context, channelIDs []string, since time.Time) (int, error) {
	sql := "SELECT count() AS count FROM message WHERE sent_at >= $since"
	vars := map[string]any{"since": since}
	if len(channelIDs) > 0 {
		sql += " AND channel_id IN $channels"
		vars["channels"] = channelIDs
	}
	sql += " GROUP ALL"

	results, err := surrealdb.Query[[]countRow](ctx, c.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return countOf(results), nil
}

// CreateMessages inserts messages. Used by the import command.
func (c *Client) CreateMessages(ctx context.Context, inputs []models.MessageInput) (int, error) {
	created := 0
	for _, in := range inputs {
		id := in.ID
		if id == "" {
			id = models.MustRecordIDString(models.NewRecordID("message"))
		}
		_, err := surrealdb.Query[any](ctx, c.db, `
			CREATE type::record("message", $id) CONTENT {
				content: $content,
				sent_at: $sent_at,
				channel_id: $channel_id,
				thread_id: $thread_id,
				parent_id: $parent_id
			}
		`, map[string]any{
			"id":         id,
			"content":    in.Content,
			"sent_at":    in.SentAt,
			"channel_id": in.ChannelID,
			"thread_id":  in.ThreadID,
			"parent_id":  in.ParentID,
		})
		if err != nil {
			return created, fmt.Errorf("create message %s: %w", id, wrapQueryError(err))
		}
		created++
	}
	return created, nil
}
