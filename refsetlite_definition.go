package refsetlite

import (
	"context"
	"fmt"
	"slices"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/types"
)

// UpdateDefinition replaces the definition of the draft of refsetID, which
// becomes intensional, and recalculates its members.
func (r *Refsetlite) UpdateDefinition(ctx context.Context, actor types.Actor, refsetID types.RefsetID, def types.Definition) (types.JobStatus, error) {
	return r.job(ctx, "update_definition", func(ctx context.Context) (types.JobStatus, error) {
		if err := r.resolver.Validate(types.DefinitionIntensional, def); err != nil {
			return types.JobStatus{}, err
		}
		return r.redefine(ctx, actor, refsetID, func(v *types.RefsetVersion) error {
			v.DefinitionType = types.DefinitionIntensional
			v.Definition = def.Clone()
			return nil
		})
	}, jobs.RefsetKey(refsetID))
}

// RecalculateDefinition evaluates the current definition again.
func (r *Refsetlite) RecalculateDefinition(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.JobStatus, error) {
	return r.job(ctx, "recalculate_definition", func(ctx context.Context) (types.JobStatus, error) {
		return r.redefine(ctx, actor, refsetID, nil)
	}, jobs.RefsetKey(refsetID))
}

// AddDefinitionException layers a manual inclusion or exclusion over the
// definition. An exception for the same code is replaced.
func (r *Refsetlite) AddDefinitionException(ctx context.Context, actor types.Actor, refsetID types.RefsetID, exception types.DefinitionException) (types.JobStatus, error) {
	return r.job(ctx, "add_exception", func(ctx context.Context) (types.JobStatus, error) {
		return r.redefine(ctx, actor, refsetID, func(v *types.RefsetVersion) error {
			v.Definition.Exceptions = slices.DeleteFunc(v.Definition.Exceptions, func(e types.DefinitionException) bool {
				return e.Code == exception.Code
			})
			v.Definition.Exceptions = append(v.Definition.Exceptions, exception)
			return nil
		})
	}, jobs.RefsetKey(refsetID))
}

func (r *Refsetlite) RemoveDefinitionException(ctx context.Context, actor types.Actor, refsetID types.RefsetID, code string) (types.JobStatus, error) {
	return r.job(ctx, "remove_exception", func(ctx context.Context) (types.JobStatus, error) {
		return r.redefine(ctx, actor, refsetID, func(v *types.RefsetVersion) error {
			before := len(v.Definition.Exceptions)
			v.Definition.Exceptions = slices.DeleteFunc(v.Definition.Exceptions, func(e types.DefinitionException) bool {
				return e.Code == code
			})
			if len(v.Definition.Exceptions) == before {
				return fmt.Errorf("%w: no exception for %s", types.ErrNotFound, code)
			}
			return nil
		})
	}, jobs.RefsetKey(refsetID))
}

// redefine applies change to a copy of the draft definition, resolves it and
// materializes the result. The definition is stored with the member writes.
func (r *Refsetlite) redefine(ctx context.Context, actor types.Actor, refsetID types.RefsetID, change func(v *types.RefsetVersion) error) (types.JobStatus, error) {
	draft, err := r.draft(ctx, actor, refsetID)
	if err != nil {
		return types.JobStatus{}, err
	}
	if change != nil {
		if err := change(draft); err != nil {
			return types.JobStatus{}, err
		}
	}
	res, err := r.resolver.Resolve(ctx, draft.Branch, draft.DefinitionType, draft.Definition)
	if err != nil {
		return types.JobStatus{}, err
	}

	plan, err := r.materialize(ctx, draft, res.Members, nil)
	if err != nil {
		return types.JobStatus{}, err
	}
	def := draft.Definition.Clone()
	defType := draft.DefinitionType
	err = r.commit(ctx, actor, draft, plan, func(tx store.Tx) error {
		return r.touch(tx, actor, draft.InternalID, func(v *types.RefsetVersion) error {
			v.DefinitionType = defType
			v.Definition = def
			return nil
		})
	})
	if err != nil {
		return types.JobStatus{}, err
	}

	status := types.JobStatus{
		Status:  fmt.Sprintf("Definition resolved to %d concepts", len(res.Members)),
		Added:   plan.Added,
		Removed: plan.Removed,
	}
	partial(&status, "add", res.Failed)
	return status, nil
}

// ConvertToExtensional drops the definition and keeps the current members.
func (r *Refsetlite) ConvertToExtensional(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (types.JobStatus, error) {
	return r.job(ctx, "convert_to_extensional", func(ctx context.Context) (types.JobStatus, error) {
		draft, err := r.draft(ctx, actor, refsetID)
		if err != nil {
			return types.JobStatus{}, err
		}
		if draft.DefinitionType != types.DefinitionIntensional {
			return types.JobStatus{}, fmt.Errorf("%w: refset %s is already extensional", types.ErrValidation, refsetID)
		}
		err = store.Update(ctx, r.store, func(tx store.Tx) error {
			if err := r.touch(tx, actor, draft.InternalID, func(v *types.RefsetVersion) error {
				v.DefinitionType = types.DefinitionExtensional
				v.Definition = types.Definition{}
				return nil
			}); err != nil {
				return err
			}
			return tx.AppendHistory(r.history(draft, actor, types.ActionConvertToExtensional, "", draft.WorkflowStatus, draft.WorkflowStatus))
		})
		if err != nil {
			return types.JobStatus{}, r.storeError(err, "converting %s", draft.InternalID)
		}
		return types.JobStatus{Status: "Converted to extensional"}, nil
	}, jobs.RefsetKey(refsetID))
}
