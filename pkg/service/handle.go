package service

import (
	"context"
	"sync/atomic"

	"github.com/runlet/runlet/pkg/models"
)

// TaskHandle is a future-like reference to an in-flight or completed task
// invocation. It relates to the run without owning it: the worker pool owns
// the run until it reaches a terminal state, after which the caller owns
// the retrieved result value.
type TaskHandle struct {
	runID    string
	taskName string
	done     chan struct{}
	outcome  Outcome
	observed atomic.Bool
}

func newTaskHandle(run *models.TaskRun) *TaskHandle {
	return &TaskHandle{
		runID:    run.ID,
		taskName: run.TaskName,
		done:     make(chan struct{}),
	}
}

// RunID returns the invocation's generated run identifier.
func (h *TaskHandle) RunID() string {
	return h.runID
}

// TaskName returns the name of the task definition being invoked.
func (h *TaskHandle) TaskName() string {
	return h.taskName
}

// Result blocks until the invocation reaches a terminal state and returns
// its value, or its error when retries were exhausted or the worker
// crashed. It is idempotent: repeated calls return the same resolved value
// or error without re-running the task. Bound the wait with a context
// deadline; an unlimited wait is acceptable with context.Background().
func (h *TaskHandle) Result(ctx context.Context) (TaskResult, error) {
	out, err := h.Outcome(ctx)
	if err != nil {
		return nil, err
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Value, nil
}

// Outcome blocks like Result but returns the full terminal outcome,
// letting callers distinguish COMPLETED from CACHED and FAILED from
// CRASHED, and inspect the attempts made.
func (h *TaskHandle) Outcome(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		h.observed.Store(true)
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done is closed once the invocation is terminal.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Observed reports whether any caller retrieved the outcome. The flow
// orchestrator uses it to decide if a failure was handled by flow logic.
func (h *TaskHandle) Observed() bool {
	return h.observed.Load()
}

// resolve is called exactly once, by the worker that owns the run.
func (h *TaskHandle) resolve(out Outcome) {
	h.outcome = out
	close(h.done)
}
