package models

import (
	"fmt"
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// AtomType classifies an atom.
type AtomType string

const (
	AtomProblem     AtomType = "problem"
	AtomSolution    AtomType = "solution"
	AtomDecision    AtomType = "decision"
	AtomInsight     AtomType = "insight"
	AtomQuestion    AtomType = "question"
	AtomPattern     AtomType = "pattern"
	AtomRequirement AtomType = "requirement"
	AtomBlocker     AtomType = "blocker"
)

// AtomTypes lists every atom type.
var AtomTypes = []AtomType{
	AtomProblem, AtomSolution, AtomDecision, AtomInsight,
	AtomQuestion, AtomPattern, AtomRequirement, AtomBlocker,
}

// ExtractableAtomTypes are the types the LLM may propose. Blockers are only
// created by reviewers.
var ExtractableAtomTypes = []AtomType{
	AtomProblem, AtomSolution, AtomInsight, AtomDecision,
	AtomQuestion, AtomPattern, AtomRequirement,
}

// ParseAtomType validates s against the closed set of atom types.
func ParseAtomType(s string) (AtomType, error) {
	t := AtomType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AtomTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown atom type %q", s)
}

// Extractable reports whether the LLM is allowed to propose this type.
func (t AtomType) Extractable() bool {
	for _, known := range ExtractableAtomTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Atom is an atomic, self-contained unit of extracted knowledge.
type Atom struct {
	ID           surrealmodels.RecordID `json:"id"`
	Type         AtomType               `json:"type"`
	Title        string                 `json:"title"`
	Content      string                 `json:"content"`
	Confidence   *float64               `json:"confidence,omitempty"`
	Embedding    []float32              `json:"embedding,omitempty"`
	UserApproved bool                   `json:"user_approved"`
	Archived     bool                   `json:"archived"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Key returns the atom's record key.
func (a Atom) Key() string {
	return MustRecordIDString(a.ID)
}

// AtomInput is the creation payload for an atom.
type AtomInput struct {
	Type       AtomType
	Title      string
	Content    string
	Confidence *float64
	Embedding  []float32
}
