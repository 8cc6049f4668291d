// Package execution runs detached jobs on a bounded retrypool.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/davidroman0O/retrypool"
)

// Handler does the work of one task.
type Handler[Request, Response any] func(ctx context.Context, req Request) (Response, error)

// Executor receives the pool callbacks.
type Executor[Request, Response any] interface {
	OnRetry(attempt int, err error, task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]])
	OnSuccess(controller retrypool.WorkerController[*retrypool.RequestResponse[Request, Response]], workerID int, worker retrypool.Worker[*retrypool.RequestResponse[Request, Response]], task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]])
	OnFailure(controller retrypool.WorkerController[*retrypool.RequestResponse[Request, Response]], workerID int, worker retrypool.Worker[*retrypool.RequestResponse[Request, Response]], task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]], err error) retrypool.DeadTaskAction
	OnDeadTask(task *retrypool.DeadTask[*retrypool.RequestResponse[Request, Response]])
	OnPanic(task *retrypool.RequestResponse[Request, Response], v interface{}, stackTrace string)
	OnExecutorPanic(worker int, recovery any, err error, stackTrace string)
}

type poolConfig struct {
	name       string
	workers    int
	queueLimit int
	logger     logger.Logger
}

type PoolOption func(*poolConfig)

func WithName(name string) PoolOption {
	return func(c *poolConfig) {
		c.name = name
	}
}

func WithWorkers(n int) PoolOption {
	return func(c *poolConfig) {
		c.workers = n
	}
}

// WithQueueLimit bounds queued plus running tasks. Zero means unbounded.
func WithQueueLimit(n int) PoolOption {
	return func(c *poolConfig) {
		c.queueLimit = n
	}
}

func WithLogger(l logger.Logger) PoolOption {
	return func(c *poolConfig) {
		c.logger = l
	}
}

type WorkerPool[Request, Response any] struct {
	ctx        context.Context
	pool       *retrypool.Pool[*retrypool.RequestResponse[Request, Response]]
	handler    Handler[Request, Response]
	name       string
	queueLimit int
	logger     logger.Logger
}

func NewWorkerPool[Request, Response any](
	ctx context.Context,
	handler Handler[Request, Response],
	opts ...PoolOption,
) *WorkerPool[Request, Response] {
	cfg := poolConfig{
		name:    "default",
		workers: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}

	e := &WorkerPool[Request, Response]{
		ctx:        ctx,
		handler:    handler,
		name:       cfg.name,
		queueLimit: cfg.queueLimit,
		logger:     cfg.logger,
	}

	var executor Executor[Request, Response] = &loggingExecutor[Request, Response]{
		ctx:    ctx,
		name:   cfg.name,
		logger: cfg.logger,
	}

	options := []retrypool.Option[*retrypool.RequestResponse[Request, Response]]{}
	// the handler reports its own failures, a task is never retried
	options = append(options, retrypool.WithAttempts[*retrypool.RequestResponse[Request, Response]](1))
	options = append(options, retrypool.WithOnRetry(executor.OnRetry))
	options = append(options, retrypool.WithOnTaskSuccess(executor.OnSuccess))
	options = append(options, retrypool.WithOnTaskFailure(executor.OnFailure))
	options = append(options, retrypool.WithOnNewDeadTask(executor.OnDeadTask))
	options = append(options, retrypool.WithPanicWorker[*retrypool.RequestResponse[Request, Response]](executor.OnExecutorPanic))
	options = append(options, retrypool.WithPanicHandler[*retrypool.RequestResponse[Request, Response]](executor.OnPanic))
	options = append(options, retrypool.WithRoundRobinAssignment[*retrypool.RequestResponse[Request, Response]]())

	e.pool = retrypool.New[*retrypool.RequestResponse[Request, Response]](ctx, []retrypool.Worker[*retrypool.RequestResponse[Request, Response]]{}, options...)

	for i := 0; i < cfg.workers; i++ {
		e.pool.AddWorker(&worker[Request, Response]{pool: e})
	}

	return e
}

// Submit queues req and returns the task to wait on. It fails with
// types.ErrBusy when the pool is saturated.
func (e *WorkerPool[Request, Response]) Submit(req Request) (*retrypool.RequestResponse[Request, Response], error) {
	if e.queueLimit > 0 && e.Pending() >= e.queueLimit {
		e.logger.Warn(e.ctx, "Worker pool saturated", "pool", e.name, "pending", e.Pending())
		return nil, fmt.Errorf("%w: pool %s", types.ErrBusy, e.name)
	}
	task := retrypool.NewRequestResponse[Request, Response](req)
	if err := e.pool.Submit(task); err != nil {
		return nil, errors.Join(types.ErrInternal, err)
	}
	return task, nil
}

// Pending counts queued and running tasks.
func (e *WorkerPool[Request, Response]) Pending() int {
	return int(e.pool.QueueSize()) + int(e.pool.ProcessingCount())
}

func (e *WorkerPool[Request, Response]) Shutdown() error {
	if err := e.pool.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Wait blocks until every submitted task is done.
func (e *WorkerPool[Request, Response]) Wait() error {
	return e.pool.WaitWithCallback(e.ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 10*time.Millisecond)
}

type worker[Request, Response any] struct {
	pool *WorkerPool[Request, Response]
}

func (w *worker[Request, Response]) Run(ctx context.Context, task *retrypool.RequestResponse[Request, Response]) error {
	resp, err := w.pool.handler(ctx, task.Request)
	if err != nil {
		task.CompleteWithError(err)
		return nil
	}
	task.Complete(resp)
	return nil
}
