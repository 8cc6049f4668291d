package refsetlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/workflow"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/google/uuid"
)

// CreateRefsetInput describes a new refset. Its first version is a draft.
type CreateRefsetInput struct {
	RefsetID       types.RefsetID       `validate:"omitempty,max=64,excludes=:"`
	Name           string               `validate:"required,max=255"`
	ProjectID      types.ProjectID      `validate:"required"`
	WorkflowType   types.WorkflowType   `validate:"required,oneof=SIMPLE_PATH LEGACY_PATH CONFLICT_PROJECT REVIEW_PROJECT CONFLICT_AND_REVIEW_PATH CONDITIONAL_REVIEW_PATH"`
	DefinitionType types.DefinitionType `validate:"required,oneof=EXTENSIONAL INTENSIONAL"`
	Definition     types.Definition
	IsPrivate      bool
	Branch         string `validate:"required"`
	ModuleID       string
}

// CreateRefset stores the first version of a refset as a draft.
func (r *Refsetlite) CreateRefset(ctx context.Context, actor types.Actor, in CreateRefsetInput) (*types.RefsetVersion, error) {
	if !actor.Has(types.RoleEditor) {
		return nil, fmt.Errorf("%w: %s cannot create refsets", types.ErrForbidden, actor.Username)
	}
	if err := r.validate.Struct(in); err != nil {
		return nil, errors.Join(types.ErrValidation, err)
	}
	// an intensional refset may start without a definition
	if in.DefinitionType == types.DefinitionExtensional || len(in.Definition.Clauses)+len(in.Definition.Exceptions) > 0 {
		if err := r.resolver.Validate(in.DefinitionType, in.Definition); err != nil {
			return nil, err
		}
	}
	if in.RefsetID == "" {
		in.RefsetID = types.RefsetID(uuid.NewString())
	}

	now := r.now()
	v := &types.RefsetVersion{
		InternalID:          types.NewVersionID(),
		RefsetID:            in.RefsetID,
		Name:                in.Name,
		VersionDate:         types.InDevelopment,
		WorkflowStatus:      types.StatusInDevelopment,
		WorkflowType:        in.WorkflowType,
		DefinitionType:      in.DefinitionType,
		Definition:          in.Definition.Clone(),
		IsPrivate:           in.IsPrivate,
		ProjectID:           in.ProjectID,
		Branch:              in.Branch,
		ModuleID:            in.ModuleID,
		BaselineFingerprint: types.Fingerprint(nil),
		Created:             now,
		LastModified:        now,
		LastModifiedBy:      actor.Username,
	}

	err := r.guard(ctx, "create_refset", func(ctx context.Context) error {
		return store.Update(ctx, r.store, func(tx store.Tx) error {
			_, total, err := tx.FindVersions(types.VersionQuery{RefsetID: v.RefsetID, Page: types.PageRequest{Limit: 1}})
			if err != nil {
				return err
			}
			if total > 0 {
				return fmt.Errorf("%w: refset %s already exists", types.ErrConflict, v.RefsetID)
			}
			if err := tx.AddVersion(v); err != nil {
				return err
			}
			return tx.AppendHistory(r.history(v, actor, types.ActionCreate, "", "", v.WorkflowStatus))
		})
	}, jobs.RefsetKey(v.RefsetID))
	if err != nil {
		return nil, r.storeError(err, "creating refset %s", v.RefsetID)
	}
	return v, nil
}

func (r *Refsetlite) history(v *types.RefsetVersion, actor types.Actor, action types.WorkflowAction, notes string, from, to types.WorkflowStatus) types.WorkflowHistory {
	return types.WorkflowHistory{
		ID:        uuid.NewString(),
		RefsetID:  v.RefsetID,
		VersionID: v.InternalID,
		Action:    action,
		Actor:     actor.Username,
		Timestamp: r.now(),
		Notes:     notes,
		From:      from,
		To:        to,
	}
}

func (r *Refsetlite) GetVersion(ctx context.Context, actor types.Actor, id types.VersionID) (*types.RefsetVersion, error) {
	return r.version(ctx, actor, id)
}

// FindVersions pages through the versions actor can see.
func (r *Refsetlite) FindVersions(ctx context.Context, actor types.Actor, q types.VersionQuery) ([]*types.RefsetVersion, int, error) {
	var (
		found []*types.RefsetVersion
		total int
	)
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		found, total, err = tx.FindVersions(q)
		return err
	})
	if err != nil {
		return nil, 0, r.storeError(err, "finding versions")
	}
	visible := found[:0]
	for _, v := range found {
		if workflow.CanView(actor, v) {
			visible = append(visible, v)
		}
	}
	return visible, total - (len(found) - len(visible)), nil
}

// Draft returns the version in development of refsetID.
func (r *Refsetlite) Draft(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error) {
	return r.lookup(ctx, actor, refsetID, "refset %s has no version in development", func(tx store.Tx) (*types.RefsetVersion, error) {
		return tx.Draft(refsetID)
	})
}

func (r *Refsetlite) LatestPublished(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error) {
	return r.lookup(ctx, actor, refsetID, "refset %s has no published version", func(tx store.Tx) (*types.RefsetVersion, error) {
		return tx.LatestPublished(refsetID)
	})
}

func (r *Refsetlite) lookup(ctx context.Context, actor types.Actor, refsetID types.RefsetID, missing string, get func(tx store.Tx) (*types.RefsetVersion, error)) (*types.RefsetVersion, error) {
	var v *types.RefsetVersion
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		v, err = get(tx)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, missing, refsetID)
	}
	if !workflow.CanView(actor, v) {
		return nil, fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
	}
	return v, nil
}

func (r *Refsetlite) Members(ctx context.Context, actor types.Actor, id types.VersionID, activeOnly bool) ([]types.RefsetMember, error) {
	if _, err := r.version(ctx, actor, id); err != nil {
		return nil, err
	}
	var members []types.RefsetMember
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		members, err = tx.Members(id, activeOnly)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "members of %s", id)
	}
	return members, nil
}

// History lists every recorded action on refsetID, oldest first.
func (r *Refsetlite) History(ctx context.Context, actor types.Actor, refsetID types.RefsetID) ([]types.WorkflowHistory, error) {
	var (
		versions []*types.RefsetVersion
		history  []types.WorkflowHistory
	)
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		if versions, _, err = tx.FindVersions(types.VersionQuery{RefsetID: refsetID, Page: types.PageRequest{Limit: 1}}); err != nil {
			return err
		}
		history, err = tx.History(refsetID)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "history of %s", refsetID)
	}
	if len(versions) == 0 || !workflow.CanView(actor, versions[0]) {
		return nil, fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
	}
	return history, nil
}

// CreateNewRefsetVersion clones the latest published version into a new draft.
func (r *Refsetlite) CreateNewRefsetVersion(ctx context.Context, actor types.Actor, refsetID types.RefsetID) (*types.RefsetVersion, error) {
	if !actor.Has(types.RoleEditor) {
		return nil, fmt.Errorf("%w: %s cannot edit refsets", types.ErrForbidden, actor.Username)
	}
	var draft *types.RefsetVersion
	err := r.guard(ctx, "new_version", func(ctx context.Context) error {
		return store.Update(ctx, r.store, func(tx store.Tx) error {
			latest, err := tx.LatestPublished(refsetID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: refset %s has no published version", types.ErrNotFound, refsetID)
			}
			if err != nil {
				return err
			}
			if !workflow.CanView(actor, latest) {
				return fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
			}
			draft, err = r.spawnDraft(tx, actor, latest, draftSeed(latest), types.ActionNewVersion, "")
			return err
		})
	}, jobs.RefsetKey(refsetID))
	if err != nil {
		return nil, r.storeError(err, "creating a new version of refset %s", refsetID)
	}
	return draft, nil
}

// draftSeed is the starting point of a draft cloned from latest.
func draftSeed(latest *types.RefsetVersion) *types.RefsetVersion {
	seed := latest.Clone()
	seed.WorkflowStatus = types.StatusInDevelopment
	seed.VersionDate = types.InDevelopment
	seed.BasedOnLatestVersion = true
	return seed
}

// spawnDraft stores seed as the new draft of published, copying its active members.
func (r *Refsetlite) spawnDraft(tx store.Tx, actor types.Actor, published, seed *types.RefsetVersion, action types.WorkflowAction, notes string) (*types.RefsetVersion, error) {
	if _, err := tx.Draft(published.RefsetID); err == nil {
		return nil, fmt.Errorf("%w: refset %s already has a version in development", types.ErrConflict, published.RefsetID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	members, err := tx.Members(published.InternalID, true)
	if err != nil {
		return nil, err
	}

	now := r.now()
	draft := seed.Clone()
	draft.InternalID = types.NewVersionID()
	draft.ClonedFrom = published.InternalID
	draft.Finishers = nil
	draft.MemberCount = len(members)
	draft.BaselineFingerprint = types.Fingerprint(types.ActiveCodes(members))
	draft.Created = now
	draft.LastModified = now
	draft.LastModifiedBy = actor.Username
	if err := tx.AddVersion(draft); err != nil {
		return nil, err
	}

	for i := range members {
		members[i].RefsetInternalID = draft.InternalID
		members[i].LastModified = now
	}
	if len(members) > 0 {
		if err := tx.PutMembers(members); err != nil {
			return nil, err
		}
	}
	if err := tx.AppendHistory(r.history(draft, actor, action, notes, published.WorkflowStatus, draft.WorkflowStatus)); err != nil {
		return nil, err
	}
	r.logger.Info(r.ctx, "Draft created", "refset.id", draft.RefsetID, "version.id", draft.InternalID, "from", published.InternalID, "members", len(members))
	return draft, nil
}

// DeleteInDevelopmentVersion drops the draft of refsetID with its members.
func (r *Refsetlite) DeleteInDevelopmentVersion(ctx context.Context, actor types.Actor, refsetID types.RefsetID) error {
	if !actor.Has(types.RoleEditor) {
		return fmt.Errorf("%w: %s cannot edit refsets", types.ErrForbidden, actor.Username)
	}
	err := r.guard(ctx, "delete_draft", func(ctx context.Context) error {
		return store.Update(ctx, r.store, func(tx store.Tx) error {
			draft, err := tx.Draft(refsetID)
			if err != nil {
				return err
			}
			if !workflow.CanView(actor, draft) {
				return fmt.Errorf("%w: refset %s", types.ErrNotFound, refsetID)
			}
			if err := tx.DeleteVersion(draft.InternalID); err != nil {
				return err
			}
			return tx.AppendHistory(r.history(draft, actor, types.ActionDeleteDraft, "", draft.WorkflowStatus, ""))
		})
	}, jobs.RefsetKey(refsetID))
	return r.storeError(err, "refset %s has no version in development", refsetID)
}

// ApplyWorkflowAction fires action on the version id. EDIT on a published
// version leaves it untouched and returns the new draft.
func (r *Refsetlite) ApplyWorkflowAction(ctx context.Context, actor types.Actor, id types.VersionID, action types.WorkflowAction, notes string) (*types.RefsetVersion, error) {
	v, err := r.version(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var result *types.RefsetVersion
	err = r.guard(ctx, "workflow", func(ctx context.Context) error {
		return store.Update(ctx, r.store, func(tx store.Tx) error {
			current, err := tx.GetVersion(id)
			if err != nil {
				return err
			}
			changed, err := r.changed(tx, current)
			if err != nil {
				return err
			}
			out, err := r.workflow.Apply(ctx, workflow.Request{
				Version: current,
				Actor:   actor,
				Action:  action,
				Notes:   notes,
				Changed: changed,
			})
			if err != nil {
				return err
			}
			if out.SpawnDraft {
				// EDIT on any published version starts from the latest one
				latest, err := tx.LatestPublished(current.RefsetID)
				if err != nil {
					return err
				}
				result, err = r.spawnDraft(tx, actor, latest, draftSeed(latest), action, notes)
				return err
			}
			if err := tx.UpdateVersion(out.Version); err != nil {
				return err
			}
			result = out.Version
			return tx.AppendHistory(out.History)
		})
	}, jobs.RefsetKey(v.RefsetID))
	if err != nil {
		return nil, r.storeError(err, "applying %s to %s", action, id)
	}
	return result, nil
}

// AvailableActions lists the workflow actions actor may fire on id.
func (r *Refsetlite) AvailableActions(ctx context.Context, actor types.Actor, id types.VersionID) ([]types.WorkflowAction, error) {
	v, err := r.version(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var changed bool
	err = store.View(ctx, r.store, func(tx store.Tx) error {
		changed, err = r.changed(tx, v)
		return err
	})
	if err != nil {
		return nil, r.storeError(err, "members of %s", id)
	}
	return r.workflow.Available(ctx, actor, v, changed)
}

// changed tells whether the active members of v differ from its baseline.
func (r *Refsetlite) changed(tx store.Tx, v *types.RefsetVersion) (bool, error) {
	members, err := tx.Members(v.InternalID, true)
	if err != nil {
		return false, err
	}
	return types.Fingerprint(types.ActiveCodes(members)) != v.BaselineFingerprint, nil
}
