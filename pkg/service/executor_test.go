package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/runlet/runlet/pkg/cache"
	"github.com/runlet/runlet/pkg/limiter"
	"github.com/runlet/runlet/pkg/models"
	"github.com/runlet/runlet/pkg/service"
	"github.com/runlet/runlet/pkg/storage"
)

// logger implements service.Logger for tests
type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type executorFixture struct {
	store    storage.Store
	cache    cache.ResultCache
	limits   *limiter.Registry
	executor *service.TaskExecutor
}

func newExecutorFixture() *executorFixture {
	store := storage.NewMockStore()
	c := cache.NewMemoryCache()
	limits := limiter.NewRegistry()
	runs := service.NewRunService(store, logger{})
	bus := service.NewEventBus(logger{})
	return &executorFixture{
		store:    store,
		cache:    c,
		limits:   limits,
		executor: service.NewTaskExecutor(c, limits, runs, bus, logger{}),
	}
}

func (f *executorFixture) newRun(t *testing.T, id, taskName string) *models.TaskRun {
	run := &models.TaskRun{ID: id, TaskName: taskName, State: models.PendingTaskRunState}
	if err := f.store.SaveTaskRun(*run); err != nil {
		t.Fatalf("failed to save task run: %v", err)
	}
	return run
}

func TestExecutor_Retries(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		failuresFirst int
		retries       int
		expectedState models.TaskRunState
		expectedCalls int
	}{
		{
			name:          "Succeeds first attempt",
			failuresFirst: 0,
			retries:       3,
			expectedState: models.CompletedTaskRunState,
			expectedCalls: 1,
		},
		{
			name:          "Succeeds after transient failures",
			failuresFirst: 2,
			retries:       3,
			expectedState: models.CompletedTaskRunState,
			expectedCalls: 3,
		},
		{
			name:          "Exhausts retries",
			failuresFirst: 10,
			retries:       2,
			expectedState: models.FailedTaskRunState,
			expectedCalls: 3,
		},
		{
			name:          "No retries configured",
			failuresFirst: 10,
			retries:       0,
			expectedState: models.FailedTaskRunState,
			expectedCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture()
			calls := 0
			fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
				calls++
				if calls <= tt.failuresFirst {
					return nil, assert.AnError
				}
				return "ok", nil
			}
			def := service.NewTask("flaky", fn,
				models.WithRetries(tt.retries),
				models.WithRetryDelay(time.Millisecond))
			run := f.newRun(t, "run-"+tt.name, "flaky")

			out := f.executor.Execute(ctx, run, def, nil)

			if out.State != tt.expectedState {
				t.Errorf("expected state %s, got %s", tt.expectedState, out.State)
			}
			if calls != tt.expectedCalls {
				t.Errorf("expected %d call(s), got %d", tt.expectedCalls, calls)
			}
			if out.Attempts != tt.expectedCalls {
				t.Errorf("expected %d attempt(s), got %d", tt.expectedCalls, out.Attempts)
			}
			if tt.expectedState == models.CompletedTaskRunState {
				if out.Err != nil {
					t.Errorf("unexpected error: %v", out.Err)
				}
				if out.Value != "ok" {
					t.Errorf("expected value 'ok', got %v", out.Value)
				}
			} else if out.Err == nil {
				t.Error("expected an error on failed run")
			}

			saved, err := f.store.GetTaskRun(run.ID)
			if err != nil {
				t.Fatalf("failed to load task run: %v", err)
			}
			if saved.State != tt.expectedState {
				t.Errorf("persisted state %s, expected %s", saved.State, tt.expectedState)
			}
			if saved.FinishedAt == nil {
				t.Error("terminal run must have a finish timestamp")
			}
		})
	}
}

func TestExecutor_RetryDelaySpacing(t *testing.T) {
	f := newExecutorFixture()
	fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, assert.AnError
	}
	def := service.NewTask("always-fails", fn,
		models.WithRetries(2),
		models.WithRetryDelay(50*time.Millisecond))
	run := f.newRun(t, "run-delay", "always-fails")

	start := time.Now()
	out := f.executor.Execute(context.Background(), run, def, nil)
	elapsed := time.Since(start)

	assert.Equal(t, models.FailedTaskRunState, out.State)
	assert.Equal(t, 3, out.Attempts)
	// Two waits of 50ms separate the three attempts.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Contains(t, out.Err.Error(), "after 3 attempt(s)")
}

func TestExecutor_PanicCrashes(t *testing.T) {
	f := newExecutorFixture()
	calls := 0
	fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		calls++
		panic("worker blew up")
	}
	def := service.NewTask("panics", fn, models.WithRetries(5))
	run := f.newRun(t, "run-panic", "panics")

	out := f.executor.Execute(context.Background(), run, def, nil)

	assert.Equal(t, models.CrashedTaskRunState, out.State)
	// A crash is never retried, no matter the retry budget.
	assert.Equal(t, 1, calls)
	assert.Contains(t, out.Err.Error(), "task panicked")
}

func TestExecutor_Timeout(t *testing.T) {
	f := newExecutorFixture()
	fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	def := service.NewTask("slow", fn, models.WithTimeout(50*time.Millisecond))
	run := f.newRun(t, "run-timeout", "slow")

	out := f.executor.Execute(context.Background(), run, def, nil)

	assert.Equal(t, models.FailedTaskRunState, out.State)
	assert.Contains(t, out.Err.Error(), "context deadline exceeded")
}

func TestExecutor_Caching(t *testing.T) {
	ctx := context.Background()

	t.Run("HitSkipsWork", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return "computed", nil
		}
		def := service.NewTask("cached", fn,
			models.WithCachePolicy(service.CacheByInputs))

		first := f.executor.Execute(ctx, f.newRun(t, "run-c1", "cached"), def, []service.TaskResult{"a/b"})
		assert.Equal(t, models.CompletedTaskRunState, first.State)
		assert.Equal(t, "computed", first.Value)

		second := f.executor.Execute(ctx, f.newRun(t, "run-c2", "cached"), def, []service.TaskResult{"a/b"})
		assert.Equal(t, models.CachedTaskRunState, second.State)
		assert.Equal(t, "computed", second.Value)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("DifferentArgumentsMiss", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return args[0], nil
		}
		def := service.NewTask("cached", fn,
			models.WithCachePolicy(service.CacheByInputs))

		f.executor.Execute(ctx, f.newRun(t, "run-d1", "cached"), def, []service.TaskResult{"a/b"})
		out := f.executor.Execute(ctx, f.newRun(t, "run-d2", "cached"), def, []service.TaskResult{"c/d"})
		assert.Equal(t, models.CompletedTaskRunState, out.State)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("ExpirationRerunsWork", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return "computed", nil
		}
		def := service.NewTask("expiring", fn,
			models.WithCachePolicy(service.CacheByInputs),
			models.WithCacheExpiration(50*time.Millisecond))

		f.executor.Execute(ctx, f.newRun(t, "run-e1", "expiring"), def, nil)
		time.Sleep(80 * time.Millisecond)
		out := f.executor.Execute(ctx, f.newRun(t, "run-e2", "expiring"), def, nil)

		assert.Equal(t, models.CompletedTaskRunState, out.State)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("FailureWritesNothing", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return nil, assert.AnError
		}
		def := service.NewTask("failing", fn,
			models.WithCachePolicy(service.CacheByInputs))

		first := f.executor.Execute(ctx, f.newRun(t, "run-f1", "failing"), def, nil)
		assert.Equal(t, models.FailedTaskRunState, first.State)

		// A failed run left no entry behind, so the next one runs the work.
		second := f.executor.Execute(ctx, f.newRun(t, "run-f2", "failing"), def, nil)
		assert.Equal(t, models.FailedTaskRunState, second.State)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("UnserializableArgumentsFailFast", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return "never", nil
		}
		def := service.NewTask("bad-args", fn,
			models.WithCachePolicy(service.CacheByInputs),
			models.WithRetries(3))

		out := f.executor.Execute(ctx, f.newRun(t, "run-b1", "bad-args"), def, []service.TaskResult{func() {}})

		assert.Equal(t, models.FailedTaskRunState, out.State)
		assert.Contains(t, out.Err.Error(), "not serializable")
		assert.Equal(t, int32(0), calls.Load())
	})
}

func TestExecutor_RateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownResourceFails", func(t *testing.T) {
		f := newExecutorFixture()
		var calls atomic.Int32
		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			calls.Add(1)
			return "never", nil
		}
		def := service.NewTask("limited", fn, models.WithRateLimit("missing", 1))

		out := f.executor.Execute(ctx, f.newRun(t, "run-l1", "limited"), def, nil)

		assert.Equal(t, models.FailedTaskRunState, out.State)
		assert.ErrorIs(t, out.Err, limiter.ErrResourceNotFound)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("AcquiredOncePerInvocation", func(t *testing.T) {
		f := newExecutorFixture()
		assert.NoError(t, f.limits.Register(models.ConcurrencyLimit{Name: "api", Capacity: 3}))

		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			return nil, assert.AnError
		}
		def := service.NewTask("limited", fn,
			models.WithRetries(2),
			models.WithRetryDelay(time.Millisecond),
			models.WithRateLimit("api", 1))

		out := f.executor.Execute(ctx, f.newRun(t, "run-l2", "limited"), def, nil)
		assert.Equal(t, models.FailedTaskRunState, out.State)
		assert.Equal(t, 3, out.Attempts)

		// Three attempts, one acquire: two of the three tokens remain.
		avail, err := f.limits.Available("api")
		assert.NoError(t, err)
		assert.Equal(t, 2, avail)
	})

	t.Run("ReacquiredPerAttemptWhenConfigured", func(t *testing.T) {
		f := newExecutorFixture()
		assert.NoError(t, f.limits.Register(models.ConcurrencyLimit{Name: "api", Capacity: 3}))

		fn := func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
			return nil, assert.AnError
		}
		def := service.NewTask("limited", fn,
			models.WithRetries(2),
			models.WithRetryDelay(time.Millisecond),
			models.WithRateLimit("api", 1),
			models.WithReacquireOnRetry())

		out := f.executor.Execute(ctx, f.newRun(t, "run-l3", "limited"), def, nil)
		assert.Equal(t, models.FailedTaskRunState, out.State)
		assert.Equal(t, 3, out.Attempts)

		avail, err := f.limits.Available("api")
		assert.NoError(t, err)
		assert.Equal(t, 0, avail)
	})
}
