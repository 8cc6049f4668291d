package refsetlite

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gated holds every lookup on the target edition until it is opened.
type gated struct {
	terminology.Server
	target  string
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func (g *gated) Concepts(ctx context.Context, branch string, codes []string) (map[string]terminology.Concept, error) {
	if branch == g.target {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Server.Concepts(ctx, branch, codes)
}

// failing fails every lookup of code on branch.
type failing struct {
	terminology.Server
	branch string
	code   string
}

func (f *failing) Concepts(ctx context.Context, branch string, codes []string) (map[string]terminology.Concept, error) {
	if branch == f.branch && slices.Contains(codes, f.code) {
		return nil, errors.New("terminology server unavailable")
	}
	return f.Server.Concepts(ctx, branch, codes)
}

func upgradeGraph(t *testing.T) *terminology.Memory {
	t.Helper()
	m := graph()
	m.Branch(edition, nextEdition)
	require.NoError(t, m.Inactivate(nextEdition, "A", terminology.Association{Type: types.AssociationReplacedBy, Target: "C"}))
	require.NoError(t, m.Inactivate(nextEdition, "B"))
	return m
}

func TestConcurrentCompileUpgradeData(t *testing.T) {
	ctx := context.Background()
	g := &gated{Server: upgradeGraph(t), target: nextEdition, entered: make(chan struct{}), open: make(chan struct{})}
	r := newRefsetlite(t, g)
	v := createRefset(t, r, "r1", types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A,B,D"))
	require.NoError(t, err)
	pollRefset(t, r, "r1")

	status, err := r.CompileUpgradeData(ctx, editor, v.InternalID, nextEdition)
	require.NoError(t, err)
	assert.Equal(t, "started", status.Status)

	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade compilation never started")
	}

	_, err = r.CompileUpgradeData(ctx, editor, v.InternalID, nextEdition)
	assert.ErrorIs(t, err, types.ErrLocked)
	assert.Equal(t, types.PollStateLocked, pollRefset(t, r, "r1").State)
	_, err = r.AddMembers(ctx, editor, "r1", types.CodesSource("C"))
	assert.ErrorIs(t, err, types.ErrLocked)

	close(g.open)
	require.NoError(t, r.Wait())
	require.Eventually(t, func() bool { return !r.IsLocked("r1") }, 5*time.Second, 10*time.Millisecond)

	poll := pollRefset(t, r, "r1")
	require.Equal(t, types.PollStateResult, poll.State)
	assert.Equal(t, "Found 2 inactive concepts on "+nextEdition, poll.Payload.Status)

	records, err := r.UpgradeData(ctx, editor, v.InternalID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].Code)
	assert.Equal(t, "C", records[0].Suggested())
	assert.Equal(t, "B", records[1].Code)
	assert.Equal(t, "P", records[1].Suggested())

	_, err = r.CompleteUpgrade(ctx, editor, v.InternalID, nextEdition)
	assert.ErrorIs(t, err, types.ErrValidation)

	accepted, err := r.AcceptReplacement(ctx, editor, v.InternalID, "A", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, accepted.Added)
	assert.Equal(t, []string{"A"}, accepted.Removed)

	records, err = r.UpgradeData(ctx, editor, v.InternalID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "B", records[0].Code)

	_, err = r.RemoveInactive(ctx, editor, v.InternalID, "A")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.RemoveInactive(ctx, editor, v.InternalID, "B")
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "D"}, activeCodes(t, r, v.InternalID))
	_, err = r.CompleteUpgrade(ctx, editor, v.InternalID, nextEdition)
	require.NoError(t, err)
	got, err := r.GetVersion(ctx, editor, v.InternalID)
	require.NoError(t, err)
	assert.Equal(t, nextEdition, got.Branch)
}

func TestBatchCompileUpgradeData(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, upgradeGraph(t), WithAncestorLimit(0))
	v1 := createRefset(t, r, "r1", types.WorkflowSimplePath)
	v2 := createRefset(t, r, "r2", types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A,D"))
	require.NoError(t, err)
	_, err = r.AddMembers(ctx, editor, "r2", types.CodesSource("A,B"))
	require.NoError(t, err)
	pollRefset(t, r, "r1")
	pollRefset(t, r, "r2")

	_, err = r.BatchCompileUpgradeData(ctx, editor, []types.VersionID{v1.InternalID, v1.InternalID}, nextEdition)
	assert.ErrorIs(t, err, types.ErrValidation)

	status, err := r.BatchCompileUpgradeData(ctx, editor, []types.VersionID{v1.InternalID, v2.InternalID}, nextEdition)
	require.NoError(t, err)
	require.NotEmpty(t, status.Handle)
	require.NoError(t, r.Wait())
	require.Eventually(t, func() bool {
		poll, err := r.Poll(ctx, editor, status.Handle)
		return err == nil && poll.State == types.PollStateResult
	}, 5*time.Second, 10*time.Millisecond)
	// the batch answers only the user who started it
	_, err = r.Poll(ctx, editor2, status.Handle)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.False(t, r.IsLocked("r1"))
	assert.Equal(t, types.PollStateResult, pollRefset(t, r, "r2").State)

	accepted, err := r.AcceptAllReplacements(ctx, editor, v2.InternalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, accepted.Added)
	assert.Equal(t, []string{"A"}, accepted.Removed)
	assert.Equal(t, []string{"B"}, accepted.Failed)

	removed, err := r.RemoveAllInactive(ctx, editor, v2.InternalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, removed.Removed)
	assert.Equal(t, []string{"C"}, activeCodes(t, r, v2.InternalID))

	records, err := r.UpgradeData(ctx, editor, v1.InternalID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCompleteUpgradeNeedsActiveMembers(t *testing.T) {
	ctx := context.Background()
	r := newRefsetlite(t, upgradeGraph(t))
	v := createRefset(t, r, "r1", types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A,B,D"))
	require.NoError(t, err)

	// nothing was compiled, so no record stands in the way
	_, err = r.CompleteUpgrade(ctx, editor, v.InternalID, nextEdition)
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "A, B")

	got, err := r.GetVersion(ctx, editor, v.InternalID)
	require.NoError(t, err)
	assert.Equal(t, edition, got.Branch)
}

func TestManualReplacement(t *testing.T) {
	ctx := context.Background()
	m := upgradeGraph(t)
	r := newRefsetlite(t, m)
	v := createRefset(t, r, "r1", types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A,B,D"))
	require.NoError(t, err)
	_, err = r.CompileUpgradeData(ctx, editor, v.InternalID, nextEdition)
	require.NoError(t, err)
	require.NoError(t, r.Wait())
	require.Eventually(t, func() bool { return !r.IsLocked("r1") }, 5*time.Second, 10*time.Millisecond)

	_, err = r.SetManualReplacement(ctx, editor, v.InternalID, "B", "A")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = r.SetManualReplacement(ctx, editor, v.InternalID, "X", "D")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.SetManualReplacement(ctx, viewer, v.InternalID, "B", "D")
	assert.ErrorIs(t, err, types.ErrForbidden)

	status, err := r.SetManualReplacement(ctx, editor, v.InternalID, "B", "D")
	require.NoError(t, err)
	assert.Equal(t, "B will be replaced with D", status.Status)

	records, err := r.UpgradeData(ctx, editor, v.InternalID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "D", records[1].ManualReplacement)
	assert.Equal(t, "D", records[1].Suggested())

	_, err = r.SetManualReplacement(ctx, editor, v.InternalID, "B", "")
	require.NoError(t, err)
	records, err = r.UpgradeData(ctx, editor, v.InternalID)
	require.NoError(t, err)
	assert.Equal(t, "P", records[1].Suggested())

	_, err = r.SetManualReplacement(ctx, editor, v.InternalID, "B", "D")
	require.NoError(t, err)
	// D goes inactive after it was chosen
	require.NoError(t, m.Inactivate(nextEdition, "D"))

	accepted, err := r.AcceptAllReplacements(ctx, editor, v.InternalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, accepted.Added)
	assert.Equal(t, []string{"A"}, accepted.Removed)
	assert.Equal(t, []string{"B"}, accepted.Failed)

	records, err = r.UpgradeData(ctx, editor, v.InternalID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "B", records[0].Code)
}

func TestFailedBatchReportsEveryRefset(t *testing.T) {
	ctx := context.Background()
	server := &failing{Server: upgradeGraph(t), branch: nextEdition, code: "B"}
	r := newRefsetlite(t, server)
	v1 := createRefset(t, r, "r1", types.WorkflowSimplePath)
	v2 := createRefset(t, r, "r2", types.WorkflowSimplePath)
	_, err := r.AddMembers(ctx, editor, "r1", types.CodesSource("A"))
	require.NoError(t, err)
	_, err = r.AddMembers(ctx, editor, "r2", types.CodesSource("B"))
	require.NoError(t, err)
	pollRefset(t, r, "r1")
	pollRefset(t, r, "r2")

	status, err := r.BatchCompileUpgradeData(ctx, editor, []types.VersionID{v1.InternalID, v2.InternalID}, nextEdition)
	require.NoError(t, err)
	require.NoError(t, r.Wait())
	require.Eventually(t, func() bool {
		return !r.IsLocked("r1") && !r.IsLocked("r2")
	}, 5*time.Second, 10*time.Millisecond)

	batch, err := r.Poll(ctx, editor, status.Handle)
	require.NoError(t, err)
	require.Equal(t, types.PollStateResult, batch.State)
	assert.NotEmpty(t, batch.Payload.Error)

	failed := pollRefset(t, r, "r2")
	require.Equal(t, types.PollStateResult, failed.State)
	assert.NotEmpty(t, failed.Payload.Error)

	// r1 ran or was cancelled; either way it has an outcome
	assert.Equal(t, types.PollStateResult, pollRefset(t, r, "r1").State)
}
