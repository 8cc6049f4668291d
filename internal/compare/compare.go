// Package compare diffs the active membership of two refset versions and
// keeps compiled comparisons until their session collects them.
package compare

import (
	"sort"

	"github.com/davidroman0O/refsetlite/types"
)

// Comparison of two versions' active members.
type Comparison struct {
	Handle    string          `json:"handle"`
	Left      types.VersionID `json:"left"`
	Right     types.VersionID `json:"right"`
	OnlyLeft  []string        `json:"onlyLeft"`
	OnlyRight []string        `json:"onlyRight"`
	Both      []string        `json:"both"`
}

// Identical reports whether both sides hold the same active codes.
func (c *Comparison) Identical() bool {
	return len(c.OnlyLeft) == 0 && len(c.OnlyRight) == 0
}

// Diff compares the active members of left and right. Every list is sorted.
func Diff(leftID types.VersionID, left []types.RefsetMember, rightID types.VersionID, right []types.RefsetMember) *Comparison {
	l := set(left)
	r := set(right)
	c := &Comparison{
		Left:      leftID,
		Right:     rightID,
		OnlyLeft:  []string{},
		OnlyRight: []string{},
		Both:      []string{},
	}
	for code := range l {
		if _, ok := r[code]; ok {
			c.Both = append(c.Both, code)
		} else {
			c.OnlyLeft = append(c.OnlyLeft, code)
		}
	}
	for code := range r {
		if _, ok := l[code]; !ok {
			c.OnlyRight = append(c.OnlyRight, code)
		}
	}
	sort.Strings(c.OnlyLeft)
	sort.Strings(c.OnlyRight)
	sort.Strings(c.Both)
	return c
}

func set(members []types.RefsetMember) map[string]struct{} {
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.Active {
			out[m.ConceptCode] = struct{}{}
		}
	}
	return out
}
