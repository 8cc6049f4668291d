package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator() *Coordinator[types.JobStatus] {
	return NewCoordinator(WithErrorPayload[types.JobStatus](ErrorStatus))
}

func TestTryAcquireIsNotCounting(t *testing.T) {
	c := newCoordinator()
	require.True(t, c.TryAcquire("r1"))
	assert.False(t, c.TryAcquire("r1"))
	assert.True(t, c.IsBusy("r1"))

	c.Release("r1")
	assert.False(t, c.IsBusy("r1"))
	c.Release("r1")
	assert.True(t, c.TryAcquire("r1"))
}

func TestDrainIsOneShot(t *testing.T) {
	c := newCoordinator()
	c.PublishResult("r1", types.JobStatus{Status: "done"})

	payload, ok := c.DrainResult("r1")
	require.True(t, ok)
	assert.Equal(t, "done", payload.Status)

	_, ok = c.DrainResult("r1")
	assert.False(t, ok)
}

func TestPollStates(t *testing.T) {
	c := newCoordinator()
	assert.Equal(t, types.PollStateIdle, Poll(c, "never").State)

	lease, err := c.Acquire("r1")
	require.NoError(t, err)
	assert.Equal(t, types.PollStateLocked, Poll(c, "r1").State)

	lease.Complete(types.JobStatus{Status: "added 2"})
	res := Poll(c, "r1")
	require.Equal(t, types.PollStateResult, res.State)
	assert.Equal(t, "added 2", res.Payload.Status)
	assert.Equal(t, types.PollStateIdle, Poll(c, "r1").State)
}

func TestAcquireAllOrNothing(t *testing.T) {
	c := newCoordinator()
	require.True(t, c.TryAcquire("r2"))

	_, err := c.Acquire("batch", "r1", "r2")
	require.ErrorIs(t, err, types.ErrLocked)
	assert.False(t, c.IsBusy("batch"))
	assert.False(t, c.IsBusy("r1"))

	c.Release("r2")
	lease, err := c.Acquire("batch", "r1", "r2")
	require.NoError(t, err)
	for _, k := range []Key{"batch", "r1", "r2"} {
		assert.True(t, c.IsBusy(k))
	}
	lease.Complete(types.JobStatus{Status: "done"})
	lease.Release()
	for _, k := range []Key{"batch", "r1", "r2"} {
		assert.False(t, c.IsBusy(k))
	}
	assert.Equal(t, types.PollStateResult, Poll(c, "batch").State)
	assert.Equal(t, types.PollStateIdle, Poll(c, "r1").State)
}

func TestRunReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator()

	_, err := c.RunExclusive(ctx, func(ctx context.Context) (types.JobStatus, error) {
		return types.JobStatus{}, errors.Join(types.ErrValidation, errors.New("bad clause"))
	}, "r1")
	require.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, c.IsBusy("r1"))
	res := Poll(c, "r1")
	require.Equal(t, types.PollStateResult, res.State)
	assert.True(t, res.Payload.Failure())

	_, err = c.RunExclusive(ctx, func(ctx context.Context) (types.JobStatus, error) {
		panic("boom")
	}, "r1")
	require.Error(t, err)
	assert.False(t, c.IsBusy("r1"))
	res = Poll(c, "r1")
	require.Equal(t, types.PollStateResult, res.State)
	assert.Equal(t, types.ErrInternal.Error(), res.Payload.Error)
}

func TestRunExclusiveRejectsConcurrentJobs(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.RunExclusive(ctx, func(ctx context.Context) (types.JobStatus, error) {
			close(started)
			<-finish
			return types.JobStatus{Status: "ok"}, nil
		}, "r1")
		assert.NoError(t, err)
	}()
	<-started

	_, err := c.RunExclusive(ctx, func(ctx context.Context) (types.JobStatus, error) {
		t.Fatal("second job must not run")
		return types.JobStatus{}, nil
	}, "r1")
	assert.ErrorIs(t, err, types.ErrLocked)

	close(finish)
	<-done
	assert.Equal(t, "ok", Poll(c, "r1").Payload.Status)
}

func TestConcurrentTryAcquire(t *testing.T) {
	c := newCoordinator()
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire("r1") {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

type countingObserver struct {
	mu        sync.Mutex
	acquired  int
	released  int
	conflicts int
}

func (o *countingObserver) LockAcquired(Key) {
	o.mu.Lock()
	o.acquired++
	o.mu.Unlock()
}

func (o *countingObserver) LockReleased(Key, time.Duration) {
	o.mu.Lock()
	o.released++
	o.mu.Unlock()
}

func (o *countingObserver) LockConflict(Key) {
	o.mu.Lock()
	o.conflicts++
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	c := NewCoordinator(WithObserver[types.JobStatus](obs))
	c.TryAcquire("r1")
	c.TryAcquire("r1")
	c.Release("r1")
	c.Release("r1")
	assert.Equal(t, 1, obs.acquired)
	assert.Equal(t, 1, obs.released)
	assert.Equal(t, 1, obs.conflicts)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, Key("refset:r1"), RefsetKey("r1"))
	assert.NotEqual(t, BatchKey("ed"), BatchKey("ed"))
	assert.Equal(t, Key("comparison:s1:ed"), ComparisonKey("ed", "s1"))
	// a refset can never collide with another kind of key
	assert.NotEqual(t, RefsetKey("comparison:s1:ed"), ComparisonKey("ed", "s1"))
}

func TestParseKeys(t *testing.T) {
	kind, id, owner, ok := Parse(RefsetKey("r1"))
	require.True(t, ok)
	assert.Equal(t, []string{KindRefset, "r1", ""}, []string{kind, id, owner})

	kind, id, owner, ok = Parse(ComparisonKey("ed", "s1"))
	require.True(t, ok)
	assert.Equal(t, []string{KindComparison, "s1", "ed"}, []string{kind, id, owner})

	kind, _, owner, ok = Parse(BatchKey("ann"))
	require.True(t, ok)
	assert.Equal(t, KindBatch, kind)
	assert.Equal(t, "ann", owner)

	for _, bad := range []Key{"r1", "refset:", "batch:x", "comparison::ed", "job:1"} {
		_, _, _, ok := Parse(bad)
		assert.False(t, ok, bad)
	}
}
