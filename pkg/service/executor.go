package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/cache"
	"github.com/runlet/runlet/pkg/limiter"
	"github.com/runlet/runlet/pkg/models"
)

// Outcome is the terminal result of executing one task invocation.
type Outcome struct {
	State    models.TaskRunState
	Value    TaskResult
	Err      error
	Attempts int
}

// panicError marks a failure of the worker itself (a panic in the work
// unit) as opposed to a work-unit-reported error. It is never retried and
// surfaces as CRASHED.
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("task panicked: %v", p.value)
}

// TaskExecutor wraps a work unit with cache-policy evaluation, rate-limit
// gating, retry handling and failure classification. It is the single
// writer of a task run's state transitions.
type TaskExecutor struct {
	cache  cache.ResultCache
	limits *limiter.Registry
	runs   *RunService
	bus    *EventBus
	logger Logger
}

func NewTaskExecutor(c cache.ResultCache, limits *limiter.Registry, runs *RunService, bus *EventBus, logger Logger) *TaskExecutor {
	return &TaskExecutor{
		cache:  c,
		limits: limits,
		runs:   runs,
		bus:    bus,
		logger: logger,
	}
}

// Execute drives one invocation to a terminal state. Retryable failures are
// handled entirely in here and never surface unless attempts are exhausted.
func (e *TaskExecutor) Execute(ctx context.Context, run *models.TaskRun, def TaskDefinition, args []TaskResult) Outcome {
	cfg := def.Config

	// Fingerprint first: a declared cache policy that cannot serialize its
	// inputs fails fast, before any attempt or side effect.
	if cfg.CacheKey != nil {
		rawArgs := make([]interface{}, len(args))
		for i, a := range args {
			rawArgs[i] = a
		}
		fp, err := cfg.CacheKey(def.Name, rawArgs)
		if err != nil {
			return e.finish(run, Outcome{State: models.FailedTaskRunState, Err: err})
		}
		run.Fingerprint = fp

		if value, ok := e.cache.Get(fp); ok {
			// Unexpired hit: return without running the work. No side
			// effects, no retry bookkeeping.
			return e.finish(run, Outcome{State: models.CachedTaskRunState, Value: value})
		}
	}

	if cfg.Limit != "" && !cfg.ReacquireOnRetry {
		if err := e.limits.Acquire(ctx, cfg.Limit, cfg.Slots()); err != nil {
			return e.finish(run, Outcome{State: models.FailedTaskRunState, Err: err})
		}
	}

	e.transition(run, models.RunningTaskRunState, 0, "")

	attempts := 0
	var value TaskResult
	operation := func() error {
		attempts++
		if attempts > 1 {
			e.transition(run, models.RetryingTaskRunState, attempts-1, "")
			e.logger.Infof("Retrying task '%s' run %s (attempt %d/%d)", def.Name, run.ID, attempts, cfg.Attempts())
		}
		if cfg.Limit != "" && cfg.ReacquireOnRetry {
			if err := e.limits.Acquire(ctx, cfg.Limit, cfg.Slots()); err != nil {
				return backoff.Permanent(err)
			}
		}
		v, err := e.runAttempt(ctx, def, args)
		if err != nil {
			if _, crashed := err.(*panicError); crashed {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	var bo backoff.BackOff
	if cfg.RetryDelay > 0 {
		bo = backoff.NewConstantBackOff(cfg.RetryDelay)
	} else {
		bo = backoff.NewExponentialBackOff()
	}
	bo = backoff.WithMaxRetries(bo, uint64(cfg.Attempts()-1))

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		state := models.FailedTaskRunState
		var pe *panicError
		if errors.As(err, &pe) {
			state = models.CrashedTaskRunState
			e.logger.Errorf("Task '%s' run %s crashed: %v\n%s", def.Name, run.ID, pe.value, pe.stack)
		}
		err = errors.Wrapf(err, "task '%s' failed after %d attempt(s)", def.Name, attempts)
		return e.finish(run, Outcome{State: state, Err: err, Attempts: attempts})
	}

	// Exactly one cache write per successful cache-policy-bearing execution.
	// Retries never write intermediate entries, and a crashed or cancelled
	// run never reaches this point.
	if cfg.CacheKey != nil {
		var expiry time.Time
		if cfg.CacheExpiration > 0 {
			expiry = time.Now().Add(cfg.CacheExpiration)
		}
		e.cache.Put(run.Fingerprint, value, expiry)
	}

	return e.finish(run, Outcome{State: models.CompletedTaskRunState, Value: value, Attempts: attempts})
}

// runAttempt executes a single attempt, converting panics into panicError
// and applying the per-attempt timeout.
func (e *TaskExecutor) runAttempt(ctx context.Context, def TaskDefinition, args []TaskResult) (result TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	if def.Config.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *def.Config.Timeout)
		defer cancel()
	}
	return def.Fn(ctx, args...)
}

// transition records a non-terminal state change.
func (e *TaskExecutor) transition(run *models.TaskRun, state models.TaskRunState, attempts int, msg string) {
	now := time.Now()
	if run.StartedAt == nil && state == models.RunningTaskRunState {
		run.StartedAt = &now
	}
	run.State = state
	if attempts > run.Attempts {
		run.Attempts = attempts
	}
	run.ErrorMsg = msg
	if err := e.runs.UpdateTaskRun(*run); err != nil {
		e.logger.Errorf("Failed to persist task run %s transition to %s: %v", run.ID, state, err)
	}
	if state == models.RunningTaskRunState || state == models.RetryingTaskRunState {
		e.bus.Publish(models.RunEvent{
			Kind:     models.TaskRunEventKind,
			RunID:    run.ID,
			Name:     run.TaskName,
			State:    string(state),
			Attempts: run.Attempts,
		})
	}
}

// finish applies the terminal state, persists it and publishes exactly one
// terminal event.
func (e *TaskExecutor) finish(run *models.TaskRun, out Outcome) Outcome {
	now := time.Now()
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.FinishedAt = &now
	run.State = out.State
	run.Attempts = out.Attempts
	if out.Err != nil {
		run.ErrorMsg = out.Err.Error()
	}
	if err := e.runs.UpdateTaskRun(*run); err != nil {
		e.logger.Errorf("Failed to persist task run %s terminal state %s: %v", run.ID, out.State, err)
	}
	e.bus.Publish(models.RunEvent{
		Kind:     models.TaskRunEventKind,
		RunID:    run.ID,
		Name:     run.TaskName,
		State:    string(out.State),
		Attempts: out.Attempts,
		Message:  run.ErrorMsg,
	})
	return out
}
