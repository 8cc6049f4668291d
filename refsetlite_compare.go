package refsetlite

import (
	"context"
	"fmt"

	"github.com/davidroman0O/refsetlite/internal/compare"
	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/types"
)

// CompileComparison diffs the active members of left and right for session.
// The comparison is kept until TakeComparison collects it with the returned handle.
func (r *Refsetlite) CompileComparison(ctx context.Context, actor types.Actor, session string, left, right types.VersionID) (types.JobStatus, error) {
	if err := checkSession(session); err != nil {
		return types.JobStatus{}, err
	}
	key := jobs.ComparisonKey(actor.Username, session)
	return r.job(ctx, "compile_comparison", func(ctx context.Context) (types.JobStatus, error) {
		l, err := r.Members(ctx, actor, left, true)
		if err != nil {
			return types.JobStatus{}, err
		}
		rr, err := r.Members(ctx, actor, right, true)
		if err != nil {
			return types.JobStatus{}, err
		}
		c := compare.Diff(left, l, right, rr)
		handle := r.comparisons.Put(string(key), c)
		return types.JobStatus{
			Status:  fmt.Sprintf("Compared %d and %d concepts", len(l), len(rr)),
			Added:   c.OnlyRight,
			Removed: c.OnlyLeft,
			Handle:  handle,
		}, nil
	}, key)
}

// TakeComparison returns a compiled comparison once, to the user who compiled it.
func (r *Refsetlite) TakeComparison(actor types.Actor, session, handle string) (*compare.Comparison, error) {
	if err := checkSession(session); err != nil {
		return nil, err
	}
	return r.comparisons.Take(string(jobs.ComparisonKey(actor.Username, session)), handle)
}
