package workflow

import (
	"fmt"

	"github.com/davidroman0O/refsetlite/types"
)

var requiredRoles = map[types.WorkflowAction]types.Role{
	types.ActionEdit:            types.RoleEditor,
	types.ActionCancelEdit:      types.RoleEditor,
	types.ActionFinishEdit:      types.RoleEditor,
	types.ActionRequestReview:   types.RoleEditor,
	types.ActionResolveConflict: types.RoleReviewer,
	types.ActionApprove:         types.RoleReviewer,
	types.ActionReject:          types.RoleReviewer,
	types.ActionFailValidation:  types.RoleAdmin,
	types.ActionReopen:          types.RoleReviewer,
	types.ActionPublish:         types.RoleAdmin,
}

// RequiredRole returns the lowest role allowed to fire action.
func RequiredRole(action types.WorkflowAction) (types.Role, bool) {
	r, ok := requiredRoles[action]
	return r, ok
}

// CanMutate tells whether actor may change the members or the definition of v.
func CanMutate(actor types.Actor, v *types.RefsetVersion) error {
	if !actor.Has(types.RoleEditor) {
		return fmt.Errorf("%w: %s cannot edit refsets", types.ErrForbidden, actor.Username)
	}
	if !v.IsDraft() {
		return fmt.Errorf("%w: version %s is published", types.ErrForbidden, v.InternalID)
	}
	if !v.WorkflowStatus.Editable() {
		return fmt.Errorf("%w: version %s is %s", types.ErrForbidden, v.InternalID, v.WorkflowStatus)
	}
	return nil
}

// CanView hides private refsets from actors outside the owning project.
func CanView(actor types.Actor, v *types.RefsetVersion) bool {
	if !v.IsPrivate {
		return true
	}
	return actor.Has(types.RoleAdmin) || actor.MemberOf(v.ProjectID)
}
