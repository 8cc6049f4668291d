package refsetlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/upgrade"
	"github.com/davidroman0O/refsetlite/internal/workflow"
	"github.com/davidroman0O/refsetlite/types"
	"golang.org/x/sync/errgroup"
)

// upgradeTask is one detached compilation. The lease is already held and is
// released by the worker.
type upgradeTask struct {
	lease    *jobs.Lease[types.JobStatus]
	versions []*types.RefsetVersion
	target   string
}

// CompileUpgradeData finds the members of versionID that are inactive on
// targetBranch. It returns as soon as the work is queued; poll the refset
// for the outcome.
func (r *Refsetlite) CompileUpgradeData(ctx context.Context, actor types.Actor, versionID types.VersionID, targetBranch string) (types.JobStatus, error) {
	v, err := r.upgradable(ctx, actor, versionID, targetBranch)
	if err != nil {
		return types.JobStatus{}, err
	}
	if err := r.submitUpgrade(ctx, []*types.RefsetVersion{v}, targetBranch, jobs.RefsetKey(v.RefsetID)); err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{Status: "started"}, nil
}

// BatchCompileUpgradeData compiles several versions as one job. The batch
// key and every refset key stay locked until all of them are done; the
// summary is published on the batch key, returned as the handle.
func (r *Refsetlite) BatchCompileUpgradeData(ctx context.Context, actor types.Actor, versionIDs []types.VersionID, targetBranch string) (types.JobStatus, error) {
	if len(versionIDs) == 0 {
		return types.JobStatus{}, fmt.Errorf("%w: no version to upgrade", types.ErrValidation)
	}
	batch := jobs.BatchKey(actor.Username)
	keys := []jobs.Key{batch}
	seen := map[types.RefsetID]bool{}
	var versions []*types.RefsetVersion
	for _, id := range versionIDs {
		v, err := r.upgradable(ctx, actor, id, targetBranch)
		if err != nil {
			return types.JobStatus{}, err
		}
		if seen[v.RefsetID] {
			return types.JobStatus{}, fmt.Errorf("%w: refset %s appears twice in the batch", types.ErrValidation, v.RefsetID)
		}
		seen[v.RefsetID] = true
		versions = append(versions, v)
		keys = append(keys, jobs.RefsetKey(v.RefsetID))
	}
	if err := r.submitUpgrade(ctx, versions, targetBranch, keys...); err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{Status: "started", Handle: string(batch)}, nil
}

func (r *Refsetlite) upgradable(ctx context.Context, actor types.Actor, id types.VersionID, targetBranch string) (*types.RefsetVersion, error) {
	v, err := r.version(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := workflow.CanMutate(actor, v); err != nil {
		return nil, err
	}
	if strings.TrimSpace(targetBranch) == "" || targetBranch == v.Branch {
		return nil, fmt.Errorf("%w: version %s is already on %q", types.ErrValidation, id, targetBranch)
	}
	return v, nil
}

func (r *Refsetlite) submitUpgrade(ctx context.Context, versions []*types.RefsetVersion, target string, keys ...jobs.Key) error {
	lease, err := r.coordinator.Acquire(keys...)
	if err != nil {
		r.finished(ctx, "compile_upgrade", time.Now(), err, keys...)
		return err
	}
	if _, err := r.upgradePool.Submit(&upgradeTask{lease: lease, versions: versions, target: target}); err != nil {
		lease.Release()
		r.finished(ctx, "compile_upgrade", time.Now(), err, keys...)
		return err
	}
	r.metrics.QueueDepth(r.upgradePool.Pending())
	r.logger.Info(ctx, "Upgrade compilation queued", "job.key", lease.Key(), "versions", len(versions), "target", target)
	return nil
}

// runUpgrade is the worker side of an upgrade task.
func (r *Refsetlite) runUpgrade(ctx context.Context, task *upgradeTask) (types.JobStatus, error) {
	start := time.Now()
	status, err := task.lease.Run(ctx, func(ctx context.Context) (types.JobStatus, error) {
		if len(task.versions) == 1 {
			found, err := r.compileOne(ctx, task.versions[0], task.target)
			if err != nil {
				return types.JobStatus{}, err
			}
			return compiledStatus(found, task.target), nil
		}

		found := make([]int, len(task.versions))
		done := make([]bool, len(task.versions))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.batchParallel)
		for i, v := range task.versions {
			g.Go(func() error {
				n, err := r.compileOne(gctx, v, task.target)
				if err != nil {
					err = fmt.Errorf("refset %s: %w", v.RefsetID, err)
					r.coordinator.PublishResult(jobs.RefsetKey(v.RefsetID), jobs.ErrorStatus(err))
					done[i] = true
					return err
				}
				found[i] = n
				done[i] = true
				// visible on the refset key once the batch lets go of it
				r.coordinator.PublishResult(jobs.RefsetKey(v.RefsetID), compiledStatus(n, task.target))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			// refsets the failure cancelled or skipped still get an outcome
			for i, v := range task.versions {
				if !done[i] {
					r.coordinator.PublishResult(jobs.RefsetKey(v.RefsetID), jobs.ErrorStatus(err))
				}
			}
			return types.JobStatus{}, err
		}
		total := 0
		for _, n := range found {
			total += n
		}
		return types.JobStatus{
			Status: fmt.Sprintf("Compiled %d versions, %d inactive concepts on %s", len(task.versions), total, task.target),
		}, nil
	})
	r.finished(ctx, "compile_upgrade", start, err, task.lease.Keys()...)
	// this task still counts as processing
	r.metrics.QueueDepth(max(r.upgradePool.Pending()-1, 0))
	return status, err
}

func compiledStatus(found int, target string) types.JobStatus {
	return types.JobStatus{Status: fmt.Sprintf("Found %d inactive concepts on %s", found, target)}
}

// compileOne replaces the stored upgrade records of v.
func (r *Refsetlite) compileOne(ctx context.Context, v *types.RefsetVersion, target string) (int, error) {
	members, err := r.currentMembers(ctx, v.InternalID)
	if err != nil {
		return 0, err
	}
	records, err := r.upgrader.Compile(ctx, upgrade.Request{
		VersionID:    v.InternalID,
		SourceBranch: v.Branch,
		TargetBranch: target,
		Members:      members,
	})
	if err != nil {
		return 0, err
	}
	err = store.Update(ctx, r.store, func(tx store.Tx) error {
		if err := tx.DeleteUpgradeConcepts(v.InternalID); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.PutUpgradeConcepts(records)
	})
	if err != nil {
		return 0, r.storeError(err, "storing upgrade data of %s", v.InternalID)
	}
	return len(records), nil
}

// UpgradeData returns the compiled inactive concepts of versionID.
func (r *Refsetlite) UpgradeData(ctx context.Context, actor types.Actor, versionID types.VersionID) ([]types.UpgradeInactiveConcept, error) {
	if _, err := r.version(ctx, actor, versionID); err != nil {
		return nil, err
	}
	return r.upgradeRecords(ctx, versionID)
}

func (r *Refsetlite) upgradeRecords(ctx context.Context, versionID types.VersionID) ([]types.UpgradeInactiveConcept, error) {
	var records []types.UpgradeInactiveConcept
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		records, err = tx.UpgradeConcepts(versionID)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "upgrade data of %s", versionID)
	}
	return records, nil
}

// upgradeJob runs fn exclusively on the draft versionID with its records.
func (r *Refsetlite) upgradeJob(ctx context.Context, actor types.Actor, name string, versionID types.VersionID, fn func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error)) (types.JobStatus, error) {
	v, err := r.version(ctx, actor, versionID)
	if err != nil {
		return types.JobStatus{}, err
	}
	return r.job(ctx, name, func(ctx context.Context) (types.JobStatus, error) {
		draft, err := r.draft(ctx, actor, v.RefsetID)
		if err != nil {
			return types.JobStatus{}, err
		}
		if draft.InternalID != versionID {
			return types.JobStatus{}, fmt.Errorf("%w: version %s is not in development", types.ErrForbidden, versionID)
		}
		records, err := r.upgradeRecords(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		return fn(ctx, draft, records)
	}, jobs.RefsetKey(v.RefsetID))
}

// AcceptReplacement swaps the inactive code for replacement, or for the best
// suggestion when replacement is empty.
func (r *Refsetlite) AcceptReplacement(ctx context.Context, actor types.Actor, versionID types.VersionID, code, replacement string) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "accept_replacement", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		record, err := upgrade.Find(records, code)
		if err != nil {
			return types.JobStatus{}, err
		}
		chosen, err := upgrade.Replacement(record, replacement)
		if err != nil {
			return types.JobStatus{}, err
		}
		_, unknown, err := r.resolver.Check(ctx, record.TargetBranch, []string{chosen})
		if err != nil {
			return types.JobStatus{}, err
		}
		if len(unknown) > 0 {
			return types.JobStatus{}, fmt.Errorf("%w: %s is not active on %s", types.ErrValidation, chosen, record.TargetBranch)
		}
		current, err := r.currentMembers(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		plan := upgrade.AcceptPlan(current, record, chosen, r.target(draft))
		err = r.commit(ctx, actor, draft, plan, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcept(versionID, code)
		})
		if err != nil {
			return types.JobStatus{}, err
		}
		return types.JobStatus{
			Status:  fmt.Sprintf("Replaced %s with %s", code, chosen),
			Added:   plan.Added,
			Removed: plan.Removed,
		}, nil
	})
}

// RemoveInactive drops the inactive code without a replacement.
func (r *Refsetlite) RemoveInactive(ctx context.Context, actor types.Actor, versionID types.VersionID, code string) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "remove_inactive", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		record, err := upgrade.Find(records, code)
		if err != nil {
			return types.JobStatus{}, err
		}
		current, err := r.currentMembers(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		plan := upgrade.RemovePlan(current, record, r.target(draft))
		err = r.commit(ctx, actor, draft, plan, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcept(versionID, code)
		})
		if err != nil {
			return types.JobStatus{}, err
		}
		return types.JobStatus{Status: fmt.Sprintf("Removed %s", code), Removed: plan.Removed}, nil
	})
}

// AcceptAllReplacements applies every suggestion that is active on its
// target branch. Concepts without one stay recorded.
func (r *Refsetlite) AcceptAllReplacements(ctx context.Context, actor types.Actor, versionID types.VersionID) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "accept_all_replacements", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		current, err := r.currentMembers(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		usable, rejected, err := r.activeSuggestions(ctx, records)
		if err != nil {
			return types.JobStatus{}, err
		}
		plan, accepted, skipped := upgrade.AcceptAllPlan(current, usable, r.target(draft))
		skipped = append(skipped, rejected...)
		err = r.commit(ctx, actor, draft, plan, func(tx store.Tx) error {
			for _, c := range accepted {
				if err := tx.DeleteUpgradeConcept(versionID, c.Code); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return types.JobStatus{}, err
		}
		status := types.JobStatus{
			Status:  fmt.Sprintf("Replaced %d inactive concepts", len(accepted)),
			Added:   plan.Added,
			Removed: plan.Removed,
		}
		partial(&status, "replace", skipped)
		return status, nil
	})
}

// activeSuggestions splits records into those whose suggestion is active on
// their target branch and the codes of those whose suggestion is not.
func (r *Refsetlite) activeSuggestions(ctx context.Context, records []types.UpgradeInactiveConcept) ([]types.UpgradeInactiveConcept, []string, error) {
	byBranch := map[string][]string{}
	for _, c := range records {
		if s := c.Suggested(); s != "" {
			byBranch[c.TargetBranch] = append(byBranch[c.TargetBranch], s)
		}
	}
	inactive := map[string]map[string]bool{}
	for branch, codes := range byBranch {
		_, unknown, err := r.resolver.Check(ctx, branch, codes)
		if err != nil {
			return nil, nil, err
		}
		inactive[branch] = map[string]bool{}
		for _, code := range unknown {
			inactive[branch][code] = true
		}
	}
	var (
		usable   []types.UpgradeInactiveConcept
		rejected []string
	)
	for _, c := range records {
		if s := c.Suggested(); s != "" && inactive[c.TargetBranch][s] {
			rejected = append(rejected, c.Code)
			continue
		}
		usable = append(usable, c)
	}
	return usable, rejected, nil
}

// SetManualReplacement records the replacement chosen for code, which then
// ranks ahead of every suggestion. An empty replacement clears the choice.
func (r *Refsetlite) SetManualReplacement(ctx context.Context, actor types.Actor, versionID types.VersionID, code, replacement string) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "set_manual_replacement", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		record, err := upgrade.Find(records, code)
		if err != nil {
			return types.JobStatus{}, err
		}
		replacement = strings.TrimSpace(replacement)
		if replacement != "" {
			_, unknown, err := r.resolver.Check(ctx, record.TargetBranch, []string{replacement})
			if err != nil {
				return types.JobStatus{}, err
			}
			if len(unknown) > 0 {
				return types.JobStatus{}, fmt.Errorf("%w: %s is not active on %s", types.ErrValidation, replacement, record.TargetBranch)
			}
		}
		record.ManualReplacement = replacement
		err = store.Update(ctx, r.store, func(tx store.Tx) error {
			return tx.PutUpgradeConcepts([]types.UpgradeInactiveConcept{record})
		})
		if err != nil {
			return types.JobStatus{}, r.storeError(err, "storing the replacement of %s", code)
		}
		if replacement == "" {
			return types.JobStatus{Status: fmt.Sprintf("Cleared the replacement of %s", code)}, nil
		}
		return types.JobStatus{Status: fmt.Sprintf("%s will be replaced with %s", code, replacement)}, nil
	})
}

// RemoveAllInactive drops every recorded inactive concept.
func (r *Refsetlite) RemoveAllInactive(ctx context.Context, actor types.Actor, versionID types.VersionID) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "remove_all_inactive", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		current, err := r.currentMembers(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		plan := upgrade.RemoveAllPlan(current, records, r.target(draft))
		err = r.commit(ctx, actor, draft, plan, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcepts(versionID)
		})
		if err != nil {
			return types.JobStatus{}, err
		}
		return types.JobStatus{Status: fmt.Sprintf("Removed %d inactive concepts", len(plan.Removed)), Removed: plan.Removed}, nil
	})
}

// CompleteUpgrade moves the draft onto targetBranch once no inactive concept
// remains and every active member is active there.
func (r *Refsetlite) CompleteUpgrade(ctx context.Context, actor types.Actor, versionID types.VersionID, targetBranch string) (types.JobStatus, error) {
	return r.upgradeJob(ctx, actor, "complete_upgrade", versionID, func(ctx context.Context, draft *types.RefsetVersion, records []types.UpgradeInactiveConcept) (types.JobStatus, error) {
		if strings.TrimSpace(targetBranch) == "" {
			return types.JobStatus{}, fmt.Errorf("%w: no target branch", types.ErrValidation)
		}
		if len(records) > 0 {
			return types.JobStatus{}, fmt.Errorf("%w: %d inactive concepts remain", types.ErrValidation, len(records))
		}
		current, err := r.currentMembers(ctx, versionID)
		if err != nil {
			return types.JobStatus{}, err
		}
		_, unknown, err := r.resolver.Check(ctx, targetBranch, types.ActiveCodes(current))
		if err != nil {
			return types.JobStatus{}, err
		}
		if len(unknown) > 0 {
			return types.JobStatus{}, fmt.Errorf("%w: %d members are not active on %s: %s", types.ErrValidation, len(unknown), targetBranch, strings.Join(unknown, ", "))
		}
		err = store.Update(ctx, r.store, func(tx store.Tx) error {
			return r.touch(tx, actor, versionID, func(v *types.RefsetVersion) error {
				v.Branch = targetBranch
				return nil
			})
		})
		if err != nil {
			return types.JobStatus{}, r.storeError(err, "upgrading %s", versionID)
		}
		return types.JobStatus{Status: "Upgraded to " + targetBranch}, nil
	})
}
