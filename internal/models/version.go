package models

import (
	"errors"
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// EntityKind identifies a versioned entity table.
type EntityKind string

const (
	KindTopic EntityKind = "topic"
	KindAtom  EntityKind = "atom"
)

// ParseEntityKind validates s as an entity kind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch EntityKind(s) {
	case KindTopic, KindAtom:
		return EntityKind(s), nil
	}
	return "", fmt.Errorf("unknown entity kind %q (want topic or atom)", s)
}

// VersionTable returns the table holding versions of this kind.
func (k EntityKind) VersionTable() string {
	return string(k) + "_version"
}

// VersionData is the proposed payload of a version. Topic versions carry
// name/description/keywords, atom versions carry type/title/content/confidence.
// Nil fields are not part of the payload and leave the live entity untouched.
type VersionData struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	Type       *AtomType `json:"type,omitempty"`
	Title      *string   `json:"title,omitempty"`
	Content    *string   `json:"content,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// Validate checks that the payload only carries fields of the given kind.
func (d VersionData) Validate(kind EntityKind) error {
	topicFields := d.Name != nil || d.Description != nil || d.Keywords != nil
	atomFields := d.Type != nil || d.Title != nil || d.Content != nil || d.Confidence != nil

	switch kind {
	case KindTopic:
		if atomFields {
			return errors.New("topic version carries atom fields")
		}
		if !topicFields {
			return errors.New("empty topic version")
		}
	case KindAtom:
		if topicFields {
			return errors.New("atom version carries topic fields")
		}
		if !atomFields {
			return errors.New("empty atom version")
		}
		if d.Type != nil {
			if _, err := ParseAtomType(string(*d.Type)); err != nil {
				return err
			}
		}
		if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
			return fmt.Errorf("confidence %.3f out of range [0,1]", *d.Confidence)
		}
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	return nil
}

// TopicData builds a full topic payload.
func TopicData(name, description string, keywords []string) VersionData {
	if keywords == nil {
		keywords = []string{}
	}
	return VersionData{Name: &name, Description: &description, Keywords: keywords}
}

// AtomData builds a full atom payload.
func AtomData(t AtomType, title, content string, confidence *float64) VersionData {
	return VersionData{Type: &t, Title: &title, Content: &content, Confidence: confidence}
}

// Version is an immutable snapshot of proposed field values for a topic or atom.
// Approved flips to true at most once; Rejected marks a reviewed, unapplied version.
type Version struct {
	ID           surrealmodels.RecordID `json:"id"`
	Entity       surrealmodels.RecordID `json:"entity"`
	Version      int                    `json:"version"`
	Data         VersionData            `json:"data"`
	Approved     bool                   `json:"approved"`
	ApprovedAt   *time.Time             `json:"approved_at,omitempty"`
	Rejected     bool                   `json:"rejected"`
	ReviewedAt   *time.Time             `json:"reviewed_at,omitempty"`
	ReviewedBy   *string                `json:"reviewed_by,omitempty"`
	AutoReviewed bool                   `json:"auto_reviewed"`
	CreatedBy    string                 `json:"created_by"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Kind derives the entity kind from the version's table.
func (v Version) Kind() EntityKind {
	switch v.ID.Table {
	case KindTopic.VersionTable():
		return KindTopic
	default:
		return KindAtom
	}
}

// Pending reports whether the version still awaits review.
func (v Version) Pending() bool {
	return !v.Approved && !v.Rejected
}

// Review describes who decided a version and how.
type Review struct {
	By   string
	Auto bool
	At   time.Time
}

// VersionStats aggregates review activity for operational dashboards.
type VersionStats struct {
	Pending          int     `json:"pending"`
	Approved         int     `json:"approved"`
	Rejected         int     `json:"rejected"`
	AutoApproved     int     `json:"auto_approved"`
	AutoApprovalRate float64 `json:"auto_approval_rate"`
}
