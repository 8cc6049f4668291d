package execution

import (
	"context"

	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/retrypool"
)

type loggingExecutor[Request, Response any] struct {
	ctx    context.Context
	name   string
	logger logger.Logger
}

func (e *loggingExecutor[Request, Response]) OnRetry(attempt int, err error, task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]]) {
	e.logger.Warn(e.ctx, "Task retry", "pool", e.name, "attempt", attempt, "error", err)
}

func (e *loggingExecutor[Request, Response]) OnSuccess(controller retrypool.WorkerController[*retrypool.RequestResponse[Request, Response]], workerID int, worker retrypool.Worker[*retrypool.RequestResponse[Request, Response]], task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]]) {
	e.logger.Debug(e.ctx, "Task done", "pool", e.name, "worker", workerID)
}

func (e *loggingExecutor[Request, Response]) OnFailure(controller retrypool.WorkerController[*retrypool.RequestResponse[Request, Response]], workerID int, worker retrypool.Worker[*retrypool.RequestResponse[Request, Response]], task *retrypool.TaskWrapper[*retrypool.RequestResponse[Request, Response]], err error) retrypool.DeadTaskAction {
	e.logger.Error(e.ctx, "Task failed", "pool", e.name, "worker", workerID, "error", err)
	return retrypool.DeadTaskActionDoNothing
}

func (e *loggingExecutor[Request, Response]) OnDeadTask(task *retrypool.DeadTask[*retrypool.RequestResponse[Request, Response]]) {
	e.logger.Error(e.ctx, "Dead task", "pool", e.name)
}

func (e *loggingExecutor[Request, Response]) OnPanic(task *retrypool.RequestResponse[Request, Response], v interface{}, stackTrace string) {
	e.logger.Error(e.ctx, "Task panicked", "pool", e.name, "panic", v, "stack", stackTrace)
}

func (e *loggingExecutor[Request, Response]) OnExecutorPanic(worker int, recovery any, err error, stackTrace string) {
	e.logger.Error(e.ctx, "Worker panicked", "pool", e.name, "worker", worker, "panic", recovery, "error", err, "stack", stackTrace)
}
