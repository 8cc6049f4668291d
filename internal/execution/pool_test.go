package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type compileRequest struct {
	code string
}

func TestWorkerPoolCompletesTasks(t *testing.T) {
	ctx := context.Background()
	wp := NewWorkerPool(ctx, func(ctx context.Context, req compileRequest) (string, error) {
		if req.code == "" {
			return "", errors.New("empty code")
		}
		return "compiled " + req.code, nil
	}, WithName("upgrade"), WithWorkers(2))
	defer wp.Shutdown()

	for _, code := range []string{"A", "B", "C"} {
		task, err := wp.Submit(compileRequest{code: code})
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		resp, err := task.Wait(waitCtx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, "compiled "+code, resp)
	}

	task, err := wp.Submit(compileRequest{})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = task.Wait(waitCtx)
	assert.EqualError(t, err, "empty code")
}

func TestWorkerPoolQueueLimit(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	wp := NewWorkerPool(ctx, func(ctx context.Context, req compileRequest) (string, error) {
		started.Done()
		<-release
		return req.code, nil
	}, WithWorkers(1), WithQueueLimit(1))
	defer wp.Shutdown()

	first, err := wp.Submit(compileRequest{code: "A"})
	require.NoError(t, err)
	started.Wait()

	_, err = wp.Submit(compileRequest{code: "B"})
	assert.ErrorIs(t, err, types.ErrBusy)

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := first.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "A", resp)
}
