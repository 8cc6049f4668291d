// Package terminology is the boundary to the terminology server: query
// evaluation, concept lookups, historical associations and ancestors.
package terminology

import (
	"context"

	"github.com/davidroman0O/refsetlite/types"
)

type Concept struct {
	Code     string `json:"conceptId"`
	Active   bool   `json:"active"`
	ModuleID string `json:"moduleId"`
	Term     string `json:"term"`
}

// Association links an inactive concept to one of its historical targets.
type Association struct {
	Type   types.AssociationType `json:"type"`
	Target string                `json:"target"`
}

type Server interface {
	// EvaluateQuery returns the codes of the active concepts matching ecl on branch.
	EvaluateQuery(ctx context.Context, branch, ecl string) ([]string, error)
	// Concepts looks codes up on branch. Unknown codes are absent from the map.
	Concepts(ctx context.Context, branch string, codes []string) (map[string]Concept, error)
	HistoricalAssociations(ctx context.Context, branch, code string) ([]Association, error)
	// Ancestors lists the ancestors of code, nearest first.
	Ancestors(ctx context.Context, branch, code string) ([]string, error)
}
