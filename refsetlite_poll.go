package refsetlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/workflow"
	"github.com/davidroman0O/refsetlite/types"
)

// Poll reports on the job of key: locked while it runs, then its result
// exactly once, then idle. Refset keys follow the visibility of the refset.
// Batch and comparison keys only answer the user who started the job.
func (r *Refsetlite) Poll(ctx context.Context, actor types.Actor, key string) (types.PollResult, error) {
	kind, id, owner, ok := jobs.Parse(jobs.Key(key))
	switch {
	case !ok:
		return types.PollResult{}, fmt.Errorf("%w: job %s", types.ErrNotFound, key)
	case kind == jobs.KindRefset:
		return r.PollRefset(ctx, actor, types.RefsetID(id))
	case owner != actor.Username:
		return types.PollResult{}, fmt.Errorf("%w: job %s", types.ErrNotFound, key)
	}
	return jobs.Poll(r.coordinator, jobs.Key(key)), nil
}

// PollRefset drains the last job status of refsetID. A private refset is
// not found for anyone outside its project.
func (r *Refsetlite) PollRefset(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.PollResult, error) {
	var found []*types.RefsetVersion
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		found, _, err = tx.FindVersions(types.VersionQuery{RefsetID: refsetID, Page: types.PageRequest{Limit: 1}})
		return err
	})
	if err != nil {
		return types.PollResult{}, r.storeError(err, "refset %s", refsetID)
	}
	// a deleted refset leaves nothing to hide
	if len(found) > 0 && !workflow.CanView(actor, found[0]) {
		return types.PollResult{}, fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
	}
	return jobs.Poll(r.coordinator, jobs.RefsetKey(refsetID)), nil
}

func (r *Refsetlite) PollComparison(actor types.Actor, session string) (types.PollResult, error) {
	if err := checkSession(session); err != nil {
		return types.PollResult{}, err
	}
	return jobs.Poll(r.coordinator, jobs.ComparisonKey(actor.Username, session)), nil
}

// IsLocked does not drain anything.
func (r *Refsetlite) IsLocked(refsetID types.RefsetID) bool {
	return r.coordinator.IsBusy(jobs.RefsetKey(refsetID))
}

func checkSession(session string) error {
	if strings.TrimSpace(session) == "" {
		return fmt.Errorf("%w: no session", types.ErrValidation)
	}
	if strings.Contains(session, ":") {
		return fmt.Errorf("%w: session %q contains ':'", types.ErrValidation, session)
	}
	return nil
}
