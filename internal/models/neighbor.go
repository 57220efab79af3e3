package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Neighbor is an approximate nearest-neighbor candidate returned by the vector
// index. Similarity is rescored in-process from Embedding.
type Neighbor struct {
	ID        surrealmodels.RecordID `json:"id"`
	Label     string                 `json:"label"`
	Embedding []float32              `json:"embedding"`
	CreatedAt time.Time              `json:"created_at"`
}

// Key returns the neighbor's record key.
func (n Neighbor) Key() string {
	return MustRecordIDString(n.ID)
}
