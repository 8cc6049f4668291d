package refsetlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	edition     = "MAIN/2024-01-31"
	nextEdition = "MAIN/2024-07-31"
)

var (
	editor   = types.Actor{Username: "ed", Roles: []types.Role{types.RoleEditor}, Projects: []types.ProjectID{"p1"}}
	editor2  = types.Actor{Username: "eve", Roles: []types.Role{types.RoleEditor}, Projects: []types.ProjectID{"p1"}}
	reviewer = types.Actor{Username: "rev", Roles: []types.Role{types.RoleReviewer}, Projects: []types.ProjectID{"p1"}}
	admin    = types.Actor{Username: "root", Roles: []types.Role{types.RoleAdmin}}
	viewer   = types.Actor{Username: "vic", Roles: []types.Role{types.RoleViewer}, Projects: []types.ProjectID{"p1"}}
	outsider = types.Actor{Username: "out", Roles: []types.Role{types.RoleEditor}, Projects: []types.ProjectID{"p2"}}
)

func graph() *terminology.Memory {
	m := terminology.NewMemory()
	m.AddConcept(edition, terminology.Concept{Code: "root", Active: true, Term: "Root"})
	m.AddConcept(edition, terminology.Concept{Code: "P", Active: true, Term: "Parent"}, "root")
	m.AddConcept(edition, terminology.Concept{Code: "A", Active: true, Term: "A"}, "P")
	m.AddConcept(edition, terminology.Concept{Code: "B", Active: true, Term: "B"}, "P")
	m.AddConcept(edition, terminology.Concept{Code: "C", Active: true, Term: "C"}, "root")
	m.AddConcept(edition, terminology.Concept{Code: "D", Active: true, Term: "D"}, "root")
	return m
}

func newRefsetlite(t *testing.T, server terminology.Server, opts ...Option) *Refsetlite {
	t.Helper()
	opts = append([]Option{WithTerminology(server), WithLogger(logger.NewNopLogger())}, opts...)
	r, err := New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r
}

func createRefset(t *testing.T, r *Refsetlite, id types.RefsetID, workflowType types.WorkflowType) *types.RefsetVersion {
	t.Helper()
	v, err := r.CreateRefset(context.Background(), editor, CreateRefsetInput{
		RefsetID:       id,
		Name:           "refset " + string(id),
		ProjectID:      "p1",
		WorkflowType:   workflowType,
		DefinitionType: types.DefinitionExtensional,
		Branch:         edition,
	})
	require.NoError(t, err)
	return v
}

// publish adds codes to the draft of id and walks it to PUBLISHED.
func publish(t *testing.T, r *Refsetlite, id types.RefsetID, codes string) *types.RefsetVersion {
	t.Helper()
	ctx := context.Background()
	draft := createRefset(t, r, id, types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, id, types.CodesSource(codes))
	require.NoError(t, err)
	_, err = r.ApplyWorkflowAction(ctx, editor, draft.InternalID, types.ActionFinishEdit, "")
	require.NoError(t, err)
	published, err := r.ApplyWorkflowAction(ctx, admin, draft.InternalID, types.ActionPublish, "")
	require.NoError(t, err)
	return published
}

func pollRefset(t *testing.T, r *Refsetlite, refsetID types.RefsetID) types.PollResult {
	t.Helper()
	res, err := r.PollRefset(context.Background(), editor, refsetID)
	require.NoError(t, err)
	return res
}

func activeCodes(t *testing.T, r *Refsetlite, id types.VersionID) []string {
	t.Helper()
	members, err := r.Members(context.Background(), admin, id, true)
	require.NoError(t, err)
	return types.ActiveCodes(members)
}

func TestAddMembersReportsUnknownCodes(t *testing.T) {
	stores := map[string][]Option{
		"memory": nil,
		"sqlite": {WithPath(filepath.Join(t.TempDir(), "refsets.db"))},
	}
	for name, opts := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRefsetlite(t, graph(), opts...)
			v := createRefset(t, r, "r1", types.WorkflowSimplePath)

			status, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A, B,X"))
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "B"}, status.Added)
			assert.Equal(t, []string{"X"}, status.Failed)
			assert.Equal(t, "Unable to add concepts X", status.Error)

			assert.False(t, r.IsLocked("r1"))
			poll := pollRefset(t, r, "r1")
			assert.Equal(t, types.PollStateResult, poll.State)
			require.NotNil(t, poll.Payload)
			assert.Equal(t, status, *poll.Payload)
			assert.Equal(t, types.PollStateIdle, pollRefset(t, r, "r1").State)

			assert.Equal(t, []string{"A", "B"}, activeCodes(t, r, v.InternalID))
			got, err := r.GetVersion(ctx, editor, v.InternalID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.MemberCount)

			status, err = r.RemoveMembers(ctx, editor, "r1", types.CodesSource("B,C"))
			require.NoError(t, err)
			assert.Equal(t, []string{"B"}, status.Removed)
			assert.Equal(t, []string{"C"}, status.Failed)
			assert.Equal(t, []string{"A"}, activeCodes(t, r, v.InternalID))

			all, err := r.Members(ctx, editor, v.InternalID, false)
			require.NoError(t, err)
			assert.Len(t, all, 2, "removed members are inactivated, not deleted")
		})
	}
}

func TestJobsReleaseTheLockOnFailure(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	createRefset(t, r, "r1", types.WorkflowSimplePath)

	_, err := r.AddMembers(ctx, viewer, "r1", types.CodesSource("A"))
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.False(t, r.IsLocked("r1"))

	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource(" , "))
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, r.IsLocked("r1"))

	poll := pollRefset(t, r, "r1")
	assert.Equal(t, types.PollStateResult, poll.State)
	assert.NotEmpty(t, poll.Payload.Error)

	_, err = r.AddMembers(ctx, editor, "unknown", types.CodesSource("A"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPublishAndEditCycle(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	published := publish(t, r, "r1", "A,B")

	assert.Equal(t, types.StatusPublished, published.WorkflowStatus)
	assert.NotEqual(t, types.InDevelopment, published.VersionDate)
	_, err := r.Draft(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource("C"))
	assert.ErrorIs(t, err, types.ErrNotFound)

	draft, err := r.ApplyWorkflowAction(ctx, editor, published.InternalID, types.ActionEdit, "")
	require.NoError(t, err)
	assert.NotEqual(t, published.InternalID, draft.InternalID)
	assert.Equal(t, types.StatusInDevelopment, draft.WorkflowStatus)
	assert.Equal(t, types.InDevelopment, draft.VersionDate)
	assert.True(t, draft.BasedOnLatestVersion)
	assert.Equal(t, published.InternalID, draft.ClonedFrom)
	assert.Equal(t, []string{"A", "B"}, activeCodes(t, r, draft.InternalID))

	still, err := r.GetVersion(ctx, editor, published.InternalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPublished, still.WorkflowStatus)

	finished, err := r.ApplyWorkflowAction(ctx, editor, draft.InternalID, types.ActionFinishEdit, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReadyForPublication, finished.WorkflowStatus)

	_, err = r.ApplyWorkflowAction(ctx, editor, draft.InternalID, types.ActionPublish, "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	history, err := r.History(ctx, editor, "r1")
	require.NoError(t, err)
	var actions []types.WorkflowAction
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []types.WorkflowAction{
		types.ActionCreate,
		types.ActionFinishEdit,
		types.ActionPublish,
		types.ActionEdit,
		types.ActionFinishEdit,
	}, actions)
}

// steppingClock moves one minute forward on every reading.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func TestEditOnAnOlderVersionClonesTheLatest(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph(), WithClock(steppingClock()))
	first := publish(t, r, "r1", "A")

	draft, err := r.CreateNewRefsetVersion(ctx, editor, "r1")
	require.NoError(t, err)
	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource("B,C"))
	require.NoError(t, err)
	_, err = r.ApplyWorkflowAction(ctx, editor, draft.InternalID, types.ActionFinishEdit, "")
	require.NoError(t, err)
	second, err := r.ApplyWorkflowAction(ctx, admin, draft.InternalID, types.ActionPublish, "")
	require.NoError(t, err)

	edited, err := r.ApplyWorkflowAction(ctx, editor, first.InternalID, types.ActionEdit, "")
	require.NoError(t, err)
	assert.Equal(t, second.InternalID, edited.ClonedFrom)
	assert.True(t, edited.BasedOnLatestVersion)
	assert.Equal(t, []string{"A", "B", "C"}, activeCodes(t, r, edited.InternalID))

	_, err = r.CreateNewRefsetVersion(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.NotContains(t, err.Error(), "no published version")
}

func TestNewVersionNeedsAPublishedOne(t *testing.T) {
	r := newRefsetlite(t, graph())
	createRefset(t, r, "r1", types.WorkflowSimplePath)

	_, err := r.CreateNewRefsetVersion(context.Background(), editor, "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, err.Error(), "no published version")
}

func TestConcurrentNewVersionsKeepOneDraft(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	publish(t, r, "r1", "A")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CreateNewRefsetVersion(ctx, editor, "r1")
			mu.Lock()
			defer mu.Unlock()
			switch types.Classify(err) {
			case types.KindLocked, types.KindConflict:
			default:
				if assert.NoError(t, err) {
					created++
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	drafts, total, err := r.FindVersions(ctx, editor, types.VersionQuery{RefsetID: "r1", DraftOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, drafts, 1)
	assert.False(t, r.IsLocked("r1"))
}

func TestConflictWorkflowNeedsTwoSpecialists(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	v := createRefset(t, r, "r1", types.WorkflowConflictProject)

	out, err := r.ApplyWorkflowAction(ctx, editor, v.InternalID, types.ActionFinishEdit, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInDevelopment, out.WorkflowStatus)

	out, err = r.ApplyWorkflowAction(ctx, editor2, v.InternalID, types.ActionFinishEdit, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConflictReview, out.WorkflowStatus)

	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource("A"))
	assert.ErrorIs(t, err, types.ErrForbidden)

	out, err = r.ApplyWorkflowAction(ctx, reviewer, v.InternalID, types.ActionResolveConflict, "merged")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReadyForPublication, out.WorkflowStatus)

	actions, err := r.AvailableActions(ctx, admin, v.InternalID)
	require.NoError(t, err)
	assert.Contains(t, actions, types.ActionPublish)
}

func TestConditionalReviewNeedsANoteWhenChanged(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	v := createRefset(t, r, "r1", types.WorkflowConditionalReviewPath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A"))
	require.NoError(t, err)

	_, err = r.ApplyWorkflowAction(ctx, editor, v.InternalID, types.ActionFinishEdit, " ")
	assert.ErrorIs(t, err, types.ErrValidation)

	out, err := r.ApplyWorkflowAction(ctx, editor, v.InternalID, types.ActionFinishEdit, "added A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLeadReview, out.WorkflowStatus)
}

func TestDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	v, err := r.CreateRefset(ctx, editor, CreateRefsetInput{
		RefsetID:       "r1",
		Name:           "parents",
		ProjectID:      "p1",
		WorkflowType:   types.WorkflowSimplePath,
		DefinitionType: types.DefinitionIntensional,
		Branch:         edition,
	})
	require.NoError(t, err)

	_, err = r.RecalculateDefinition(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrValidation)

	status, err := r.UpdateDefinition(ctx, editor, "r1", types.Definition{
		Clauses: []types.DefinitionClause{{Value: "<< P", Type: types.ClauseInclusion}},
		Exceptions: []types.DefinitionException{
			{Code: "B", Type: types.ExceptionExclude},
			{Code: "C", Type: types.ExceptionInclude},
			{Code: "Z", Type: types.ExceptionInclude},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "P"}, status.Added)
	assert.Equal(t, []string{"Z"}, status.Failed)
	assert.Equal(t, []string{"A", "C", "P"}, activeCodes(t, r, v.InternalID))

	status, err = r.RecalculateDefinition(ctx, editor, "r1")
	require.NoError(t, err)
	assert.Empty(t, status.Added)
	assert.Empty(t, status.Removed)
	assert.Equal(t, []string{"A", "C", "P"}, activeCodes(t, r, v.InternalID))

	status, err = r.RemoveDefinitionException(ctx, editor, "r1", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, status.Added)

	_, err = r.RemoveDefinitionException(ctx, editor, "r1", "B")
	assert.ErrorIs(t, err, types.ErrNotFound)

	status, err = r.AddDefinitionException(ctx, editor, "r1", types.DefinitionException{Code: "A", Type: types.ExceptionExclude})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, status.Removed)

	_, err = r.ConvertToExtensional(ctx, editor, "r1")
	require.NoError(t, err)
	got, err := r.Draft(ctx, editor, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.DefinitionExtensional, got.DefinitionType)
	assert.Empty(t, got.Definition.Clauses)
	assert.Equal(t, []string{"B", "C", "P"}, activeCodes(t, r, v.InternalID))

	_, err = r.RecalculateDefinition(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = r.ConvertToExtensional(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPerOperationTransactions(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph(), WithTransactionMode(store.TransactionPerOperation), WithBatchSize(1))
	v := createRefset(t, r, "r1", types.WorkflowSimplePath)

	status, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A,B,C"))
	require.NoError(t, err)
	assert.Len(t, status.Added, 3)
	got, err := r.GetVersion(ctx, editor, v.InternalID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MemberCount)
}

func TestPrivateRefsetsAreHidden(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	v, err := r.CreateRefset(ctx, editor, CreateRefsetInput{
		RefsetID:       "secret",
		Name:           "secret",
		ProjectID:      "p1",
		WorkflowType:   types.WorkflowSimplePath,
		DefinitionType: types.DefinitionExtensional,
		IsPrivate:      true,
		Branch:         edition,
	})
	require.NoError(t, err)

	_, err = r.GetVersion(ctx, outsider, v.InternalID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.AddMembers(ctx, outsider, "secret", types.CodesSource("A"))
	assert.ErrorIs(t, err, types.ErrNotFound)
	found, total, err := r.FindVersions(ctx, outsider, types.VersionQuery{})
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, 0, total)

	_, err = r.GetVersion(ctx, admin, v.InternalID)
	assert.NoError(t, err)
}

func TestCreateRefsetValidates(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())

	_, err := r.CreateRefset(ctx, editor, CreateRefsetInput{Name: "no branch", ProjectID: "p1", WorkflowType: types.WorkflowSimplePath, DefinitionType: types.DefinitionExtensional})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = r.CreateRefset(ctx, viewer, CreateRefsetInput{})
	assert.ErrorIs(t, err, types.ErrForbidden)

	createRefset(t, r, "r1", types.WorkflowSimplePath)
	_, err = r.CreateRefset(ctx, editor, CreateRefsetInput{RefsetID: "r1", Name: "again", ProjectID: "p1", WorkflowType: types.WorkflowSimplePath, DefinitionType: types.DefinitionExtensional, Branch: edition})
	assert.ErrorIs(t, err, types.ErrConflict)

	require.NoError(t, r.DeleteInDevelopmentVersion(ctx, editor, "r1"))
	_, err = r.Draft(ctx, editor, "r1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestComparison(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	published := publish(t, r, "r1", "A,B")
	draft, err := r.CreateNewRefsetVersion(ctx, editor, "r1")
	require.NoError(t, err)
	_, err = r.RemoveMembers(ctx, editor, "r1", types.CodesSource("A"))
	require.NoError(t, err)
	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource("C"))
	require.NoError(t, err)

	status, err := r.CompileComparison(ctx, editor, "session-1", published.InternalID, draft.InternalID)
	require.NoError(t, err)
	require.NotEmpty(t, status.Handle)

	// another user with the same session name sees nothing
	other, err := r.PollComparison(editor2, "session-1")
	require.NoError(t, err)
	assert.Equal(t, types.PollStateIdle, other.State)
	_, err = r.TakeComparison(editor2, "session-1", status.Handle)
	assert.ErrorIs(t, err, types.ErrNotFound)

	poll, err := r.PollComparison(editor, "session-1")
	require.NoError(t, err)
	require.Equal(t, types.PollStateResult, poll.State)
	assert.Equal(t, status.Handle, poll.Payload.Handle)

	c, err := r.TakeComparison(editor, "session-1", status.Handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, c.OnlyLeft)
	assert.Equal(t, []string{"C"}, c.OnlyRight)
	assert.Equal(t, []string{"B"}, c.Both)

	_, err = r.TakeComparison(editor, "session-1", status.Handle)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = r.CompileComparison(ctx, editor, "a:b", published.InternalID, draft.InternalID)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRefsetIDsCannotShadowOtherKeys(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	_, err := r.CreateRefset(ctx, editor, CreateRefsetInput{
		RefsetID:       "comparison:s1:ed",
		Name:           "shadow",
		ProjectID:      "p1",
		WorkflowType:   types.WorkflowSimplePath,
		DefinitionType: types.DefinitionExtensional,
		Branch:         edition,
	})
	assert.ErrorIs(t, err, types.ErrValidation)

	published := publish(t, r, "s1", "A")
	pollRefset(t, r, "s1")
	_, err = r.CompileComparison(ctx, editor, "s1", published.InternalID, published.InternalID)
	require.NoError(t, err)

	// the refset s1 and the session s1 keep separate results
	assert.Equal(t, types.PollStateIdle, pollRefset(t, r, "s1").State)
	poll, err := r.PollComparison(editor, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.PollStateResult, poll.State)
}

func TestPollsFollowVisibility(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, graph())
	_, err := r.CreateRefset(ctx, editor, CreateRefsetInput{
		RefsetID:       "secret",
		Name:           "secret",
		ProjectID:      "p1",
		WorkflowType:   types.WorkflowSimplePath,
		DefinitionType: types.DefinitionExtensional,
		IsPrivate:      true,
		Branch:         edition,
	})
	require.NoError(t, err)
	_, err = r.AddMembers(ctx, editor, "secret", types.CodesSource("A"))
	require.NoError(t, err)

	_, err = r.PollRefset(ctx, outsider, "secret")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.Poll(ctx, outsider, "refset:secret")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// the result is still there for the project
	poll, err := r.Poll(ctx, editor, "refset:secret")
	require.NoError(t, err)
	assert.Equal(t, types.PollStateResult, poll.State)

	_, err = r.Poll(ctx, editor, "secret")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
