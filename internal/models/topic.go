package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Topic is a named discussion theme under which atoms are organized.
type Topic struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Embedding   []float32              `json:"embedding,omitempty"`
	IsActive    bool                   `json:"is_active"`
	Keywords    []string               `json:"keywords"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Key returns the topic's record key.
func (t Topic) Key() string {
	return MustRecordIDString(t.ID)
}

// TopicInput is the creation payload for a topic.
type TopicInput struct {
	Name        string
	Description string
	Keywords    []string
	Embedding   []float32
}

// TopicAtom associates an atom with a topic.
type TopicAtom struct {
	ID              surrealmodels.RecordID `json:"id"`
	In              surrealmodels.RecordID `json:"in"`  // topic
	Out             surrealmodels.RecordID `json:"out"` // atom
	Position        *int                   `json:"position,omitempty"`
	Note            *string                `json:"note,omitempty"`
	SimilarityScore *float64               `json:"similarity_score,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// TopicAtomInput is the input structure for linking an atom to a topic.
type TopicAtomInput struct {
	TopicID         string
	AtomID          string
	Position        *int
	Note            *string
	SimilarityScore *float64
}
