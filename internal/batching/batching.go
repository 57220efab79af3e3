// Package batching partitions conversational messages into groups that are
// extracted together, and packs groups into size-bounded batches.
package batching

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// UngroupedKey is the group key of messages without a channel.
const UngroupedKey = "ungrouped"

// Options controls grouping.
type Options struct {
	TimeGap        time.Duration
	GroupByThread  bool
	GroupByChannel bool
}

// DefaultOptions groups by thread and by channel with a 10 minute gap.
func DefaultOptions() Options {
	return Options{TimeGap: 600 * time.Second, GroupByThread: true, GroupByChannel: true}
}

// Group is a coherent conversational unit. Messages are ordered by send time.
type Group struct {
	Key      string
	Messages []models.Message
}

// Latest returns the send time of the newest message.
func (g Group) Latest() time.Time {
	if len(g.Messages) == 0 {
		return time.Time{}
	}
	return g.Messages[len(g.Messages)-1].SentAt
}

// Diagnostics counts how messages were classified.
type Diagnostics struct {
	WithThread  int `json:"with_thread"`
	ChannelOnly int `json:"channel_only"`
	WithParent  int `json:"with_parent"`
	Ungrouped   int `json:"ungrouped"`
}

// Result is the output of Group.
type Result struct {
	Groups      []Group
	Diagnostics Diagnostics
}

// Batch is the unit of one extraction call.
type Batch struct {
	Groups    []string
	Messages  []models.Message
	Truncated bool
	Warning   string
}

// MessageIDs returns the keys of the batch's messages in order.
func (b Batch) MessageIDs() []string {
	ids := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		ids[i] = m.Key()
	}
	return ids
}

// GroupMessages partitions msgs into conversational groups. The result only
// depends on the message set and opts, not on input order.
//
// Messages with a thread id are grouped by (channel, thread). Other messages
// with a channel are split into runs separated by gaps longer than
// opts.TimeGap. Everything else lands in a single ungrouped group. Groups are
// ordered by their newest message, most recent first.
func GroupMessages(msgs []models.Message, opts Options) Result {
	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].SentAt.Equal(sorted[j].SentAt) {
			return sorted[i].SentAt.Before(sorted[j].SentAt)
		}
		return sorted[i].Key() < sorted[j].Key()
	})

	var diag Diagnostics
	groups := map[string]*Group{}
	var order []string
	add := func(key string, m models.Message) {
		g, ok := groups[key]
		if !ok {
			g = &Group{Key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.Messages = append(g.Messages, m)
	}

	lastSeen := map[string]time.Time{}
	segment := map[string]int{}

	for _, m := range sorted {
		if m.ParentID != nil && *m.ParentID != "" {
			diag.WithParent++
		}
		channel := deref(m.ChannelID)
		thread := deref(m.ThreadID)

		switch {
		case thread != "" && opts.GroupByThread:
			diag.WithThread++
			add(fmt.Sprintf("thread:%s:%s", channel, thread), m)

		case channel != "" && opts.GroupByChannel:
			diag.ChannelOnly++
			if prev, ok := lastSeen[channel]; ok && m.SentAt.Sub(prev) > opts.TimeGap {
				segment[channel]++
			}
			lastSeen[channel] = m.SentAt
			add(fmt.Sprintf("channel:%s:%d", channel, segment[channel]), m)

		default:
			diag.Ungrouped++
			add(UngroupedKey, m)
		}
	}

	out := make([]Group, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].Latest(), out[j].Latest()
		if !li.Equal(lj) {
			return li.After(lj)
		}
		return out[i].Key < out[j].Key
	})

	return Result{Groups: out, Diagnostics: diag}
}

// Pack fills batches of at most limit messages from groups in order. A group
// is never split across batches. A group larger than limit gets a batch of its
// own holding only its oldest limit messages, flagged Truncated.
func Pack(groups []Group, limit int) []Batch {
	if limit <= 0 {
		limit = 1
	}
	var batches []Batch
	var cur Batch

	flush := func() {
		if len(cur.Messages) > 0 {
			batches = append(batches, cur)
		}
		cur = Batch{}
	}

	for _, g := range groups {
		if len(g.Messages) > limit {
			flush()
			batches = append(batches, Batch{
				Groups:    []string{g.Key},
				Messages:  append([]models.Message(nil), g.Messages[:limit]...),
				Truncated: true,
				Warning: fmt.Sprintf("group %s has %d messages, only the oldest %d were batched",
					g.Key, len(g.Messages), limit),
			})
			continue
		}
		if len(cur.Messages)+len(g.Messages) > limit {
			flush()
		}
		cur.Groups = append(cur.Groups, g.Key)
		cur.Messages = append(cur.Messages, g.Messages...)
	}
	flush()
	return batches
}

// Summary renders group keys and sizes for logs.
func (r Result) Summary() string {
	parts := make([]string, len(r.Groups))
	for i, g := range r.Groups {
		parts[i] = fmt.Sprintf("%s(%d)", g.Key, len(g.Messages))
	}
	return strings.Join(parts, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
