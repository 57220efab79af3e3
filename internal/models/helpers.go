// Package models defines data structures for the atomgraph knowledge graph.
package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// MustRecordIDString extracts the string ID, panicking if not a string.
// Use only for records created by this module (all keys are UUID strings).
func MustRecordIDString(id surrealmodels.RecordID) string {
	s, err := RecordIDString(id)
	if err != nil {
		panic(err)
	}
	return s
}

// NewRecordID builds a record id for table with a fresh UUID key.
func NewRecordID(table string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(table, uuid.New().String())
}

// NormalizeTitle folds a title for case-insensitive lookups.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
