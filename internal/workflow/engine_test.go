package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	editor   = types.Actor{Username: "ed", Roles: []types.Role{types.RoleEditor}}
	editor2  = types.Actor{Username: "eve", Roles: []types.Role{types.RoleEditor}}
	reviewer = types.Actor{Username: "rita", Roles: []types.Role{types.RoleReviewer}}
	admin    = types.Actor{Username: "ada", Roles: []types.Role{types.RoleAdmin}}
	viewer   = types.Actor{Username: "vic", Roles: []types.Role{types.RoleViewer}}
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
}

func draftOf(wt types.WorkflowType, status types.WorkflowStatus) *types.RefsetVersion {
	return &types.RefsetVersion{
		InternalID:     "v1",
		RefsetID:       "r1",
		VersionDate:    types.InDevelopment,
		WorkflowStatus: status,
		WorkflowType:   wt,
	}
}

func apply(t *testing.T, e *Engine, v *types.RefsetVersion, actor types.Actor, action types.WorkflowAction) *Outcome {
	t.Helper()
	out, err := e.Apply(context.Background(), Request{Version: v, Actor: actor, Action: action, Notes: "note"})
	require.NoError(t, err)
	return out
}

func TestFinishEditByWorkflowType(t *testing.T) {
	e := New(WithClock(fixedClock))
	tests := []struct {
		wt   types.WorkflowType
		want types.WorkflowStatus
	}{
		{types.WorkflowSimplePath, types.StatusReadyForPublication},
		{types.WorkflowLegacyPath, types.StatusReadyForPublication},
		{types.WorkflowReviewProject, types.StatusLeadReview},
		{types.WorkflowConditionalReviewPath, types.StatusReadyForPublication},
	}
	for _, tt := range tests {
		t.Run(string(tt.wt), func(t *testing.T) {
			out := apply(t, e, draftOf(tt.wt, types.StatusInDevelopment), editor, types.ActionFinishEdit)
			assert.Equal(t, types.StatusInDevelopment, out.From)
			assert.Equal(t, tt.want, out.To)
			assert.Equal(t, types.ActionFinishEdit, out.History.Action)
			assert.Equal(t, "ed", out.History.Actor)
			assert.Equal(t, fixedClock(), out.History.Timestamp)
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowSimplePath, types.StatusInDevelopment)
	apply(t, e, v, editor, types.ActionFinishEdit)
	assert.Equal(t, types.StatusInDevelopment, v.WorkflowStatus)
}

func TestConflictPathNeedsTwoSpecialists(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowConflictProject, types.StatusInDevelopment)

	first := apply(t, e, v, editor, types.ActionFinishEdit)
	assert.Equal(t, types.StatusInDevelopment, first.To)
	assert.Equal(t, []string{"ed"}, first.Version.Finishers)

	again := apply(t, e, first.Version, editor, types.ActionFinishEdit)
	assert.Equal(t, types.StatusInDevelopment, again.To)
	assert.Equal(t, []string{"ed"}, again.Version.Finishers)

	second := apply(t, e, again.Version, editor2, types.ActionFinishEdit)
	assert.Equal(t, types.StatusConflictReview, second.To)

	_, err := e.Apply(context.Background(), Request{Version: second.Version, Actor: editor, Action: types.ActionResolveConflict})
	assert.ErrorIs(t, err, types.ErrForbidden)

	resolved := apply(t, e, second.Version, reviewer, types.ActionResolveConflict)
	assert.Equal(t, types.StatusReadyForPublication, resolved.To)
}

func TestConflictAndReviewPath(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowConflictAndReviewPath, types.StatusConflictReview)
	v.Finishers = []string{"ed", "eve"}

	out := apply(t, e, v, reviewer, types.ActionResolveConflict)
	assert.Equal(t, types.StatusLeadReview, out.To)

	out = apply(t, e, out.Version, reviewer, types.ActionApprove)
	assert.Equal(t, types.StatusReadyForPublication, out.To)
}

func TestConditionalReviewPath(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowConditionalReviewPath, types.StatusInDevelopment)

	_, err := e.Apply(context.Background(), Request{Version: v, Actor: editor, Action: types.ActionFinishEdit, Changed: true})
	require.ErrorIs(t, err, types.ErrValidation)

	out, err := e.Apply(context.Background(), Request{Version: v, Actor: editor, Action: types.ActionFinishEdit, Changed: true, Notes: "added 3 codes"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusLeadReview, out.To)
	assert.Equal(t, "added 3 codes", out.History.Notes)
}

func TestRequestReviewOnlyOnLegacyPath(t *testing.T) {
	e := New()
	out := apply(t, e, draftOf(types.WorkflowLegacyPath, types.StatusEditing), editor, types.ActionRequestReview)
	assert.Equal(t, types.StatusLeadReview, out.To)

	_, err := e.Apply(context.Background(), Request{
		Version: draftOf(types.WorkflowSimplePath, types.StatusEditing),
		Actor:   editor,
		Action:  types.ActionRequestReview,
	})
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestEditCycle(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowReviewProject, types.StatusLeadReview)

	out := apply(t, e, v, reviewer, types.ActionReject)
	assert.Equal(t, types.StatusReadyForEdit, out.To)

	out = apply(t, e, out.Version, editor, types.ActionEdit)
	assert.Equal(t, types.StatusEditing, out.To)
	assert.False(t, out.SpawnDraft)

	out = apply(t, e, out.Version, editor, types.ActionCancelEdit)
	assert.Equal(t, types.StatusReadyForEdit, out.To)
}

func TestPublishAndSpawnDraft(t *testing.T) {
	e := New(WithClock(fixedClock))
	v := draftOf(types.WorkflowSimplePath, types.StatusReadyForPublication)

	_, err := e.Apply(context.Background(), Request{Version: v, Actor: reviewer, Action: types.ActionPublish})
	require.ErrorIs(t, err, types.ErrForbidden)

	published := apply(t, e, v, admin, types.ActionPublish)
	assert.Equal(t, types.StatusPublished, published.To)
	assert.Equal(t, "2024-03-15", published.Version.VersionDate)
	assert.False(t, published.Version.IsDraft())

	edit := apply(t, e, published.Version, editor, types.ActionEdit)
	assert.True(t, edit.SpawnDraft)
	assert.Equal(t, types.StatusInDevelopment, edit.To)
	assert.True(t, edit.Version.IsDraft())
	assert.Equal(t, "2024-03-15", published.Version.VersionDate)
}

func TestValidationFailureAndReopen(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowSimplePath, types.StatusReadyForPublication)
	out := apply(t, e, v, admin, types.ActionFailValidation)
	assert.Equal(t, types.StatusFailsRVF, out.To)
	out = apply(t, e, out.Version, reviewer, types.ActionReopen)
	assert.Equal(t, types.StatusReadyForEdit, out.To)
}

func TestPermissions(t *testing.T) {
	e := New()
	_, err := e.Apply(context.Background(), Request{
		Version: draftOf(types.WorkflowSimplePath, types.StatusInDevelopment),
		Actor:   viewer,
		Action:  types.ActionFinishEdit,
	})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = e.Apply(context.Background(), Request{
		Version: draftOf(types.WorkflowSimplePath, types.StatusInDevelopment),
		Actor:   types.Actor{Username: "nobody"},
		Action:  types.ActionFinishEdit,
	})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = e.Apply(context.Background(), Request{
		Version: draftOf(types.WorkflowSimplePath, types.StatusInDevelopment),
		Actor:   admin,
		Action:  types.ActionCreate,
	})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAvailable(t *testing.T) {
	e := New()
	v := draftOf(types.WorkflowSimplePath, types.StatusReadyForPublication)

	actions, err := e.Available(context.Background(), admin, v, false)
	require.NoError(t, err)
	assert.Equal(t, []types.WorkflowAction{types.ActionFailValidation, types.ActionPublish, types.ActionReopen}, actions)

	actions, err = e.Available(context.Background(), reviewer, v, false)
	require.NoError(t, err)
	assert.Equal(t, []types.WorkflowAction{types.ActionReopen}, actions)
}

func TestCanMutate(t *testing.T) {
	v := draftOf(types.WorkflowSimplePath, types.StatusInDevelopment)
	assert.NoError(t, CanMutate(editor, v))
	assert.ErrorIs(t, CanMutate(viewer, v), types.ErrForbidden)

	v.WorkflowStatus = types.StatusLeadReview
	assert.ErrorIs(t, CanMutate(editor, v), types.ErrForbidden)

	v.WorkflowStatus = types.StatusPublished
	v.VersionDate = "2024-01-01"
	assert.ErrorIs(t, CanMutate(admin, v), types.ErrForbidden)
}

func TestCanView(t *testing.T) {
	v := draftOf(types.WorkflowSimplePath, types.StatusInDevelopment)
	v.IsPrivate = true
	v.ProjectID = "p1"
	assert.False(t, CanView(editor, v))
	assert.True(t, CanView(types.Actor{Username: "m", Roles: []types.Role{types.RoleViewer}, Projects: []types.ProjectID{"p1"}}, v))
	assert.True(t, CanView(admin, v))
}
