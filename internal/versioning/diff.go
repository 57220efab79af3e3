package versioning

import (
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

// ChangeType classifies one difference between two payloads.
type ChangeType string

const (
	ValueChanged ChangeType = "value_changed"
	TypeChanged  ChangeType = "type_changed" // field present on one side only
	ItemAdded    ChangeType = "item_added"
	ItemRemoved  ChangeType = "item_removed"
)

// Change is one field-level difference.
type Change struct {
	Field string     `json:"path"`
	Type  ChangeType `json:"change_type"`
	Old   any        `json:"old_value,omitempty"`
	New   any        `json:"new_value,omitempty"`
}

// DiffResult is the structural difference between two versions.
type DiffResult struct {
	Kind     models.EntityKind `json:"kind"`
	EntityID string            `json:"entity_id"`
	From     int               `json:"from"`
	To       int               `json:"to"`
	Changes  []Change          `json:"changes"`
	Summary  string            `json:"summary"`
}

// DiffData compares two payloads field by field. Keywords compare as sets.
func DiffData(a, b models.VersionData) []Change {
	changes := []Change{}
	changes = diffField(changes, "name", a.Name, b.Name)
	changes = diffField(changes, "description", a.Description, b.Description)
	changes = diffKeywords(changes, a.Keywords, b.Keywords)
	changes = diffField(changes, "type", a.Type, b.Type)
	changes = diffField(changes, "title", a.Title, b.Title)
	changes = diffField(changes, "content", a.Content, b.Content)
	changes = diffField(changes, "confidence", a.Confidence, b.Confidence)
	return changes
}

func diffField[T comparable](changes []Change, field string, a, b *T) []Change {
	switch {
	case a == nil && b == nil:
		return changes
	case a == nil:
		return append(changes, Change{Field: field, Type: TypeChanged, New: *b})
	case b == nil:
		return append(changes, Change{Field: field, Type: TypeChanged, Old: *a})
	case *a != *b:
		return append(changes, Change{Field: field, Type: ValueChanged, Old: *a, New: *b})
	}
	return changes
}

func diffKeywords(changes []Change, a, b []string) []Change {
	for _, k := range sortedSet(b) {
		if !slices.Contains(a, k) {
			changes = append(changes, Change{Field: "keywords", Type: ItemAdded, New: k})
		}
	}
	for _, k := range sortedSet(a) {
		if !slices.Contains(b, k) {
			changes = append(changes, Change{Field: "keywords", Type: ItemRemoved, Old: k})
		}
	}
	return changes
}

func sortedSet(items []string) []string {
	out := slices.Clone(items)
	slices.Sort(out)
	return slices.Compact(out)
}

var summaryOrder = []struct {
	t                ChangeType
	singular, plural string
}{
	{ValueChanged, "value changed", "values changed"},
	{TypeChanged, "type changed", "types changed"},
	{ItemAdded, "item added", "items added"},
	{ItemRemoved, "item removed", "items removed"},
}

// Summarize renders a human readable count of changes by type.
func Summarize(changes []Change) string {
	if len(changes) == 0 {
		return "No changes detected"
	}
	counts := map[ChangeType]int{}
	for _, c := range changes {
		counts[c.Type]++
	}
	var parts []string
	for _, s := range summaryOrder {
		switch n := counts[s.t]; n {
		case 0:
		case 1:
			parts = append(parts, "1 "+s.singular)
		default:
			parts = append(parts, fmt.Sprintf("%d %s", n, s.plural))
		}
	}
	return "Changes detected: " + strings.Join(parts, ", ")
}
