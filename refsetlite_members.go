package refsetlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidroman0O/refsetlite/internal/definition"
	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/types"
)

// AddMembers activates the codes of src in the draft of refsetID. Codes
// unknown to the terminology server are reported, not fatal.
func (r *Refsetlite) AddMembers(ctx context.Context, actor types.Actor, refsetID types.RefsetID, src types.MemberSource) (types.JobStatus, error) {
	return r.job(ctx, "add_members", func(ctx context.Context) (types.JobStatus, error) {
		draft, err := r.draft(ctx, actor, refsetID)
		if err != nil {
			return types.JobStatus{}, err
		}
		codes, err := r.resolver.Codes(ctx, draft.Branch, src)
		if err != nil {
			return types.JobStatus{}, err
		}
		known, unknown, err := r.resolver.Check(ctx, draft.Branch, codes)
		if err != nil {
			return types.JobStatus{}, err
		}

		// empty, not nil: with no known code nothing is touched
		scope := append([]string{}, known...)
		plan, err := r.materialize(ctx, draft, definition.Desired(known, types.ProvenanceManual), scope)
		if err != nil {
			return types.JobStatus{}, err
		}
		if err := r.commit(ctx, actor, draft, plan, nil); err != nil {
			return types.JobStatus{}, err
		}

		status := types.JobStatus{
			Status: fmt.Sprintf("Added %d concepts", len(plan.Added)),
			Added:  plan.Added,
		}
		partial(&status, "add", unknown)
		return status, nil
	}, jobs.RefsetKey(refsetID))
}

// RemoveMembers inactivates the codes of src in the draft of refsetID.
func (r *Refsetlite) RemoveMembers(ctx context.Context, actor types.Actor, refsetID types.RefsetID, src types.MemberSource) (types.JobStatus, error) {
	return r.job(ctx, "remove_members", func(ctx context.Context) (types.JobStatus, error) {
		draft, err := r.draft(ctx, actor, refsetID)
		if err != nil {
			return types.JobStatus{}, err
		}
		codes, err := r.resolver.Codes(ctx, draft.Branch, src)
		if err != nil {
			return types.JobStatus{}, err
		}

		plan, err := r.materialize(ctx, draft, nil, codes)
		if err != nil {
			return types.JobStatus{}, err
		}
		if err := r.commit(ctx, actor, draft, plan, nil); err != nil {
			return types.JobStatus{}, err
		}

		removed := make(map[string]bool, len(plan.Removed))
		for _, c := range plan.Removed {
			removed[c] = true
		}
		var missing []string
		for _, c := range codes {
			if !removed[c] {
				missing = append(missing, c)
			}
		}
		status := types.JobStatus{
			Status:  fmt.Sprintf("Removed %d concepts", len(plan.Removed)),
			Removed: plan.Removed,
		}
		partial(&status, "remove", missing)
		return status, nil
	}, jobs.RefsetKey(refsetID))
}

// materialize diffs the current members of draft against desired, limited to scope.
func (r *Refsetlite) materialize(ctx context.Context, draft *types.RefsetVersion, desired map[string]types.Provenance, scope []string) (definition.Plan, error) {
	current, err := r.currentMembers(ctx, draft.InternalID)
	if err != nil {
		return definition.Plan{}, err
	}
	return definition.Materialize(current, desired, scope, r.target(draft)), nil
}

// currentMembers returns every member row of id, inactive ones included.
func (r *Refsetlite) currentMembers(ctx context.Context, id types.VersionID) ([]types.RefsetMember, error) {
	var current []types.RefsetMember
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		current, err = tx.Members(id, false)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "members of %s", id)
	}
	return current, nil
}

func (r *Refsetlite) target(v *types.RefsetVersion) definition.Target {
	return definition.Target{VersionID: v.InternalID, ModuleID: v.ModuleID, Now: r.now()}
}

// commit writes plan to the draft and refreshes its member count. after runs
// in the final transaction. In per-operation mode every chunk of writes
// commits on its own, so a failure keeps the chunks already written.
func (r *Refsetlite) commit(ctx context.Context, actor types.Actor, draft *types.RefsetVersion, plan definition.Plan, after func(tx store.Tx) error) error {
	writes := plan.Writes
	if r.transactionMode == store.TransactionPerOperation {
		chunks := definition.Chunks(writes, r.batchSize)
		written := 0
		for _, chunk := range chunks {
			err := store.Update(ctx, r.store, func(tx store.Tx) error {
				return tx.PutMembers(chunk)
			})
			if err != nil {
				return r.storeError(err, "writing members of %s: %d of %d written", draft.InternalID, written, len(writes))
			}
			written += len(chunk)
		}
		writes = nil
	}

	err := store.Update(ctx, r.store, func(tx store.Tx) error {
		if len(writes) > 0 {
			if err := tx.PutMembers(writes); err != nil {
				return err
			}
		}
		if after != nil {
			if err := after(tx); err != nil {
				return err
			}
		}
		return r.touch(tx, actor, draft.InternalID, nil)
	})
	if err != nil {
		return r.storeError(err, "writing members of %s", draft.InternalID)
	}
	r.logger.Debug(ctx, "Members written", "refset.id", draft.RefsetID, "version.id", draft.InternalID, "added", len(plan.Added), "removed", len(plan.Removed))
	return nil
}

// touch refreshes the member count and the modification stamp of a draft.
// mutate, when set, changes the version before it is written back.
func (r *Refsetlite) touch(tx store.Tx, actor types.Actor, id types.VersionID, mutate func(v *types.RefsetVersion) error) error {
	v, err := tx.GetVersion(id)
	if err != nil {
		return err
	}
	if !v.IsDraft() {
		return fmt.Errorf("version %s: %w", id, store.ErrImmutable)
	}
	if mutate != nil {
		if err := mutate(v); err != nil {
			return err
		}
	}
	active, err := tx.Members(id, true)
	if err != nil {
		return err
	}
	v.MemberCount = len(active)
	v.LastModified = r.now()
	v.LastModifiedBy = actor.Username
	return tx.UpdateVersion(v)
}

// partial reports codes that a job could not apply.
func partial(status *types.JobStatus, verb string, failed []string) {
	if len(failed) == 0 {
		return
	}
	status.Failed = append(status.Failed, failed...)
	msg := fmt.Sprintf("Unable to %s concepts %s", verb, strings.Join(failed, ", "))
	if status.Error != "" {
		msg = status.Error + "; " + msg
	}
	status.Error = msg
}
