package models

import (
	"fmt"
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// LinkType is the relation carried by an AtomLink.
type LinkType string

const (
	LinkSolves      LinkType = "solves"
	LinkSupports    LinkType = "supports"
	LinkContradicts LinkType = "contradicts"
	LinkContinues   LinkType = "continues"
	LinkRefines     LinkType = "refines"
	LinkRelatesTo   LinkType = "relates_to"
	LinkDependsOn   LinkType = "depends_on"
)

// LinkTypes lists every link type.
var LinkTypes = []LinkType{
	LinkSolves, LinkSupports, LinkContradicts, LinkContinues,
	LinkRefines, LinkRelatesTo, LinkDependsOn,
}

// ParseLinkType validates s against the closed set of link types.
func ParseLinkType(s string) (LinkType, error) {
	t := LinkType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range LinkTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown link type %q", s)
}

// AtomLink is a directed relation between two atoms.
type AtomLink struct {
	ID        surrealmodels.RecordID `json:"id"`
	In        surrealmodels.RecordID `json:"in"`  // source atom
	Out       surrealmodels.RecordID `json:"out"` // target atom
	LinkType  LinkType               `json:"link_type"`
	Strength  *float64               `json:"strength,omitempty"`
	RunID     *string                `json:"run_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AtomLinkInput is the input structure for creating an atom link.
type AtomLinkInput struct {
	FromID   string
	ToID     string
	LinkType LinkType
	Strength *float64
	RunID    *string
}
