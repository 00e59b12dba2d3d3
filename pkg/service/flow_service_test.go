package service_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/runlet/runlet/pkg/config"
	"github.com/runlet/runlet/pkg/limiter"
	"github.com/runlet/runlet/pkg/models"
	"github.com/runlet/runlet/pkg/service"
	"github.com/runlet/runlet/pkg/storage"
)

// collectEvents subscribes to the service bus and streams decoded run events.
// Subscribe before running flows: the bus does not replay past events.
func collectEvents(ctx context.Context, t *testing.T, svc *service.FlowService) <-chan models.RunEvent {
	msgs, err := svc.Bus().Subscribe(ctx)
	assert.NoError(t, err)
	out := make(chan models.RunEvent, 128)
	go func() {
		for msg := range msgs {
			var ev models.RunEvent
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				out <- ev
			}
			msg.Ack()
		}
	}()
	return out
}

// awaitTerminalTaskStates drains events until n terminal task-run states
// arrived, failing the test on timeout.
func awaitTerminalTaskStates(t *testing.T, events <-chan models.RunEvent, n int) []string {
	var states []string
	deadline := time.After(5 * time.Second)
	for len(states) < n {
		select {
		case ev := <-events:
			if ev.Kind == models.TaskRunEventKind && models.TaskRunState(ev.State).IsTerminal() {
				states = append(states, ev.State)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d terminal task events, got %v", n, states)
		}
	}
	return states
}

func TestFlowService_RepoStarsEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	svc := service.NewFlowService(ctx, store, limiter.NewRegistry(), logger{}, service.WithWorkers(4))
	defer svc.Stop()

	events := collectEvents(ctx, t, svc)

	stars := map[string]int{"a/b": 42, "c/d": 1337}
	var fetches atomic.Int32
	getStars := service.NewTask("get-stars", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		fetches.Add(1)
		return stars[args[0].(string)], nil
	},
		models.WithRetries(3),
		models.WithRetryDelay(100*time.Millisecond),
		models.WithCachePolicy(service.CacheByInputs),
		models.WithCacheExpiration(24*time.Hour),
	)

	repos := []string{"a/b", "c/d"}
	showStars := service.NewFlow("show-stars", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		handles := make([]*service.TaskHandle, 0, len(repos))
		for _, repo := range repos {
			handles = append(handles, fc.Submit(ctx, getStars, repo))
		}
		results := make(map[string]int, len(repos))
		for i, h := range handles {
			value, err := h.Result(ctx)
			if err != nil {
				return nil, err
			}
			results[repos[i]] = value.(int)
		}
		return results, nil
	})

	first := svc.Run(ctx, showStars)
	assert.Equal(t, models.CompletedFlowRunStatus, first.Status)
	assert.NoError(t, first.Err)
	assert.Equal(t, map[string]int{"a/b": 42, "c/d": 1337}, first.Value)
	assert.Equal(t, int32(2), fetches.Load())

	states := awaitTerminalTaskStates(t, events, 2)
	assert.ElementsMatch(t, []string{"COMPLETED", "COMPLETED"}, states)

	// The second run is served entirely from the cache: no work invocations,
	// and both task runs go terminal as CACHED.
	second := svc.Run(ctx, showStars)
	assert.Equal(t, models.CompletedFlowRunStatus, second.Status)
	assert.Equal(t, map[string]int{"a/b": 42, "c/d": 1337}, second.Value)
	assert.Equal(t, int32(2), fetches.Load())

	states = awaitTerminalTaskStates(t, events, 2)
	assert.ElementsMatch(t, []string{"CACHED", "CACHED"}, states)

	// Run history survives in the store.
	fr, err := store.GetFlowRun(second.FlowRunID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedFlowRunStatus, fr.Status)
	assert.Len(t, fr.TaskRuns, 2)
}

func TestFlowService_UnhandledFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	svc := service.NewFlowService(ctx, store, limiter.NewRegistry(), logger{})
	defer svc.Stop()

	failing := service.NewTask("unreliable", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, assert.AnError
	})

	flow := service.NewFlow("fire-and-forget", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		// Submitted but never awaited: its failure must fail the flow.
		fc.Submit(ctx, failing)
		return "flow body done", nil
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "unhandled task failures")
	assert.Contains(t, out.Err.Error(), "unreliable")

	fr, err := store.GetFlowRun(out.FlowRunID)
	assert.NoError(t, err)
	assert.Equal(t, models.FailedFlowRunStatus, fr.Status)
}

func TestFlowService_HandledFailureDoesNotFailFlow(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	failing := service.NewTask("unreliable", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, assert.AnError
	})

	flow := service.NewFlow("with-fallback", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		h := fc.Submit(ctx, failing)
		if _, err := h.Result(ctx); err != nil {
			return "fallback", nil
		}
		return "primary", nil
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.CompletedFlowRunStatus, out.Status)
	assert.NoError(t, out.Err)
	assert.Equal(t, "fallback", out.Value)
}

func TestFlowService_BodyErrorFailsFlow(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	flow := service.NewFlow("broken", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, assert.AnError
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.ErrorIs(t, out.Err, assert.AnError)
}

func TestFlowService_BodyPanicFailsFlow(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	flow := service.NewFlow("panicky", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		panic("flow logic bug")
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
}

func TestFlowService_CallRunsSynchronously(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	upper := service.NewTask("upper", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return "HELLO", nil
	})

	flow := service.NewFlow("sync", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		return fc.Call(ctx, upper)
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.CompletedFlowRunStatus, out.Status)
	assert.Equal(t, "HELLO", out.Value)
}

func TestFlowService_RateLimitGatesSubmissions(t *testing.T) {
	ctx := context.Background()
	limits := limiter.NewRegistry()
	assert.NoError(t, limits.Register(models.ConcurrencyLimit{Name: "external-api", Capacity: 2}))
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limits, logger{})
	defer svc.Stop()

	noop := service.NewTask("noop", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, nil
	})

	flow := service.NewFlow("limited", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		for i := 0; i < 3; i++ {
			gateCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			err := fc.RateLimit(gateCtx, "external-api", 1)
			cancel()
			if err != nil {
				// Capacity 2 with no decay: the third gate never opens.
				return i, err
			}
			if _, err := fc.Call(ctx, noop); err != nil {
				return nil, err
			}
		}
		return 3, nil
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, 2, out.Value)
}

func TestFlowService_RateLimitUnknownResource(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	flow := service.NewFlow("misconfigured", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		return nil, fc.RateLimit(ctx, "no-such-resource", 1)
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.ErrorIs(t, out.Err, limiter.ErrResourceNotFound)
}

func TestFlowService_CrashedTaskPropagates(t *testing.T) {
	ctx := context.Background()
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{})
	defer svc.Stop()

	panics := service.NewTask("panics", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		panic("boom")
	}, models.WithRetries(3))

	flow := service.NewFlow("crashing", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		h := fc.Submit(ctx, panics)
		out, err := h.Outcome(ctx)
		if err != nil {
			return nil, err
		}
		return string(out.State), out.Err
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.FailedFlowRunStatus, out.Status)
	assert.Equal(t, string(models.CrashedTaskRunState), out.Value)
	assert.Contains(t, out.Err.Error(), "task panicked")
}

func TestFlowService_WithConfig(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Workers = 2
	cfg.QueueSize = 8
	svc := service.NewFlowService(ctx, storage.NewMockStore(), limiter.NewRegistry(), logger{},
		service.WithConfig(cfg))
	defer svc.Stop()

	echo := service.NewTask("echo", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return args[0], nil
	})

	flow := service.NewFlow("configured", func(ctx context.Context, fc *service.FlowContext, args ...service.TaskResult) (service.TaskResult, error) {
		var handles []*service.TaskHandle
		for i := 0; i < 6; i++ {
			handles = append(handles, fc.Submit(ctx, echo, i))
		}
		total := 0
		for _, h := range handles {
			value, err := h.Result(ctx)
			if err != nil {
				return nil, err
			}
			total += value.(int)
		}
		return total, nil
	})

	out := svc.Run(ctx, flow)
	assert.Equal(t, models.CompletedFlowRunStatus, out.Status)
	assert.Equal(t, 15, out.Value)
}

func TestFlowService_ProvisionLimitsFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	assert.NoError(t, store.SaveConcurrencyLimit(models.ConcurrencyLimit{Name: "external-api", Capacity: 2, DecayPerSecond: 1}))

	limits := limiter.NewRegistry()
	svc := service.NewFlowService(ctx, store, limits, logger{})
	defer svc.Stop()

	assert.NoError(t, svc.ProvisionLimits())
	assert.NoError(t, limits.Acquire(ctx, "external-api", 1))
}

func TestFlowService_DetachedSubmissionOutsideFlow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	svc := service.NewFlowService(ctx, store, limiter.NewRegistry(), logger{})
	defer svc.Stop()

	echo := service.NewTask("echo", func(ctx context.Context, args ...service.TaskResult) (service.TaskResult, error) {
		return args[0], nil
	})

	h := svc.Runner().Submit(ctx, echo, "standalone")
	value, err := h.Result(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "standalone", value)

	// Detached runs have no parent flow run.
	tr, err := store.GetTaskRun(h.RunID())
	assert.NoError(t, err)
	assert.Empty(t, tr.FlowRunID)
	assert.Equal(t, models.CompletedTaskRunState, tr.State)
}
