package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/models"
)

// DefaultQueueSize bounds the pending-invocation queue. Submissions past a
// saturated pool queue here in FIFO order.
const DefaultQueueSize = 1024

type pendingRun struct {
	ctx    context.Context
	def    TaskDefinition
	args   []TaskResult
	run    *models.TaskRun
	handle *TaskHandle
}

// TaskRunner schedules submitted invocations onto a bounded worker pool and
// hands back awaitable handles. Independently submitted tasks make progress
// concurrently up to the pool size.
type TaskRunner struct {
	executor *TaskExecutor
	runs     *RunService
	logger   Logger
	queue    chan *pendingRun
	wg       sync.WaitGroup
	ctx      context.Context
	stopOnce sync.Once
}

func NewTaskRunner(mainCtx context.Context, executor *TaskExecutor, runs *RunService, logger Logger, queueSize int) *TaskRunner {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &TaskRunner{
		executor: executor,
		runs:     runs,
		logger:   logger,
		queue:    make(chan *pendingRun, queueSize),
		ctx:      mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (r *TaskRunner) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop gracefully stops the worker pool, draining already queued
// invocations.
func (r *TaskRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

// Submit enqueues one invocation of the definition with the given arguments
// and returns its handle. If the pool is saturated the invocation waits in
// FIFO order.
func (r *TaskRunner) Submit(ctx context.Context, def TaskDefinition, args ...TaskResult) *TaskHandle {
	return r.submit(ctx, "", def, args)
}

// Call runs the task synchronously: it is exactly Submit followed by
// Result, for callers that do not want concurrency.
func (r *TaskRunner) Call(ctx context.Context, def TaskDefinition, args ...TaskResult) (TaskResult, error) {
	return r.submit(ctx, "", def, args).Result(ctx)
}

func (r *TaskRunner) submit(ctx context.Context, flowRunID string, def TaskDefinition, args []TaskResult) *TaskHandle {
	run := &models.TaskRun{
		ID:        uuid.NewString(),
		FlowRunID: flowRunID,
		TaskName:  def.Name,
		State:     models.PendingTaskRunState,
	}
	if err := r.runs.SaveTaskRun(*run); err != nil {
		r.logger.Errorf("Failed to persist pending task run %s: %v", run.ID, err)
	}

	handle := newTaskHandle(run)
	p := &pendingRun{ctx: ctx, def: def, args: args, run: run, handle: handle}

	select {
	case r.queue <- p:
	default:
		// Queue is full: block until a slot frees up, unless the caller
		// gives up first.
		select {
		case r.queue <- p:
		case <-ctx.Done():
			handle.resolve(Outcome{
				State: models.FailedTaskRunState,
				Err:   errors.Wrapf(ctx.Err(), "task '%s' was never scheduled", def.Name),
			})
		}
	}
	return handle
}

func (r *TaskRunner) worker() {
	defer r.wg.Done()
	for p := range r.queue {
		if r.ctx.Err() != nil {
			// Runner context gone: resolve instead of executing so no
			// Result caller blocks forever.
			p.handle.resolve(Outcome{
				State: models.FailedTaskRunState,
				Err:   errors.Wrapf(r.ctx.Err(), "task '%s' was not executed", p.def.Name),
			})
			continue
		}
		out := r.executor.Execute(p.ctx, p.run, p.def, p.args)
		p.handle.resolve(out)
	}
}
