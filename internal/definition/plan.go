package definition

import (
	"sort"
	"time"

	"github.com/davidroman0O/refsetlite/types"
)

// Plan is the set of member writes that brings a version to a desired state.
type Plan struct {
	Writes  []types.RefsetMember
	Added   []string
	Removed []string
}

func (p Plan) Empty() bool {
	return len(p.Writes) == 0
}

// Target describes the version being materialized.
type Target struct {
	VersionID types.VersionID
	ModuleID  string
	Now       time.Time
}

// Materialize diffs current against desired. Only codes in scope are
// considered; a nil scope means every code of either side. Absent codes are
// inactivated, never deleted.
func Materialize(current []types.RefsetMember, desired map[string]types.Provenance, scope []string, target Target) Plan {
	existing := make(map[string]types.RefsetMember, len(current))
	for _, m := range current {
		existing[m.ConceptCode] = m
	}

	var codes []string
	if scope == nil {
		seen := map[string]bool{}
		for code := range existing {
			seen[code] = true
		}
		for code := range desired {
			seen[code] = true
		}
		for code := range seen {
			codes = append(codes, code)
		}
	} else {
		codes = dedupe(scope)
	}
	sort.Strings(codes)

	var plan Plan
	for _, code := range codes {
		provenance, want := desired[code]
		m, exists := existing[code]
		switch {
		case want && !exists:
			plan.Writes = append(plan.Writes, types.RefsetMember{
				ConceptCode:      code,
				RefsetInternalID: target.VersionID,
				Active:           true,
				ModuleID:         target.ModuleID,
				Provenance:       provenance,
				LastModified:     target.Now,
			})
			plan.Added = append(plan.Added, code)
		case want && !m.Active:
			m.Active = true
			m.Provenance = provenance
			m.LastModified = target.Now
			plan.Writes = append(plan.Writes, m)
			plan.Added = append(plan.Added, code)
		case !want && exists && m.Active:
			m.Active = false
			m.LastModified = target.Now
			plan.Writes = append(plan.Writes, m)
			plan.Removed = append(plan.Removed, code)
		}
	}
	return plan
}

// Desired builds a desired set where every code carries provenance.
func Desired(codes []string, provenance types.Provenance) map[string]types.Provenance {
	out := make(map[string]types.Provenance, len(codes))
	for _, c := range codes {
		out[c] = provenance
	}
	return out
}

// Chunks splits writes for per-operation commits. size <= 0 keeps one chunk.
func Chunks(writes []types.RefsetMember, size int) [][]types.RefsetMember {
	if size <= 0 || len(writes) <= size {
		if len(writes) == 0 {
			return nil
		}
		return [][]types.RefsetMember{writes}
	}
	var out [][]types.RefsetMember
	for start := 0; start < len(writes); start += size {
		out = append(out, writes[start:min(start+size, len(writes))])
	}
	return out
}
