package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/cache"
	"github.com/runlet/runlet/pkg/config"
	"github.com/runlet/runlet/pkg/limiter"
	"github.com/runlet/runlet/pkg/models"
	"github.com/runlet/runlet/pkg/storage"
)

// FlowOutcome is the aggregated result of one flow run.
type FlowOutcome struct {
	FlowRunID string
	Status    models.FlowRunStatus
	Value     TaskResult
	Err       error
}

// Option configures a FlowService.
type Option func(*FlowService)

// WithWorkers sets the worker pool size (default: NumCPU).
func WithWorkers(n int) Option {
	return func(s *FlowService) {
		s.workers = n
	}
}

// WithQueueSize sets the pending-invocation queue size.
func WithQueueSize(n int) Option {
	return func(s *FlowService) {
		s.queueSize = n
	}
}

// WithConfig applies the engine settings of a loaded configuration file:
// worker pool size and pending-invocation queue size.
func WithConfig(cfg config.Config) Option {
	return func(s *FlowService) {
		s.workers = cfg.Workers
		s.queueSize = cfg.QueueSize
	}
}

// WithCache replaces the default in-memory result cache.
func WithCache(c cache.ResultCache) Option {
	return func(s *FlowService) {
		s.cache = c
	}
}

// FlowService is the top-level driver: it sequences task submissions
// through the runner, gates them behind rate limits on request, collects
// results and defines overall run success or failure.
type FlowService struct {
	store     storage.Store
	limits    *limiter.Registry
	logger    Logger
	cache     cache.ResultCache
	bus       *EventBus
	runs      *RunService
	executor  *TaskExecutor
	runner    *TaskRunner
	workers   int
	queueSize int
}

func NewFlowService(ctx context.Context, store storage.Store, limits *limiter.Registry, logger Logger, opts ...Option) *FlowService {
	s := &FlowService{
		store:  store,
		limits: limits,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.NewMemoryCache()
	}
	s.bus = NewEventBus(logger)
	s.runs = NewRunService(store, logger)
	s.executor = NewTaskExecutor(s.cache, limits, s.runs, s.bus, logger)
	s.runner = NewTaskRunner(ctx, s.executor, s.runs, logger, s.queueSize)
	s.runner.Start(s.workers)
	if err := StartLogSink(ctx, s.bus, logger); err != nil {
		logger.Errorf("Failed to start event log sink: %v", err)
	}
	return s
}

// Runner exposes the underlying task runner for detached submissions
// outside any flow.
func (s *FlowService) Runner() *TaskRunner {
	return s.runner
}

// Bus exposes the event bus so additional observability sinks can
// subscribe.
func (s *FlowService) Bus() *EventBus {
	return s.bus
}

// Limits exposes the concurrency-limit registry handle.
func (s *FlowService) Limits() *limiter.Registry {
	return s.limits
}

// ProvisionLimits loads every limit saved in the store into the registry,
// making administratively provisioned resources acquirable by name.
func (s *FlowService) ProvisionLimits() error {
	limits, err := s.store.ListConcurrencyLimits()
	if err != nil {
		return errors.Wrap(err, "list concurrency limits")
	}
	return s.limits.RegisterAll(limits)
}

// Stop drains the worker pool and closes the event bus.
func (s *FlowService) Stop() {
	s.runner.Stop()
	if err := s.bus.Close(); err != nil {
		s.logger.Errorf("Failed to close event bus: %v", err)
	}
}

// Run executes one flow run to completion. A task failure that the flow
// body never observed through its handle propagates as the run's failure;
// failures the body consumed via Result or Outcome count as handled.
func (s *FlowService) Run(ctx context.Context, def FlowDefinition, args ...TaskResult) FlowOutcome {
	fr := models.FlowRun{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Status:    models.PendingFlowRunStatus,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.runs.SaveFlowRun(fr); err != nil {
		s.logger.Errorf("Failed to persist flow run %s: %v", fr.ID, err)
	}
	s.setFlowStatus(&fr, models.RunningFlowRunStatus, "")
	s.logger.Infof("Started flow '%s' run %s", def.Name, fr.ID)

	fc := &FlowContext{svc: s, flowRunID: fr.ID}
	value, bodyErr := s.runBody(ctx, def, fc, args)

	// Wait for every outstanding handle so the run has exactly one terminal
	// state per invocation before the flow itself goes terminal.
	var unhandled []string
	for _, h := range fc.handles() {
		observed := h.Observed()
		out, err := h.Outcome(ctx)
		if err != nil {
			unhandled = append(unhandled, fmt.Sprintf("%s: %v", h.TaskName(), err))
			continue
		}
		if out.Err != nil && !observed {
			unhandled = append(unhandled, fmt.Sprintf("%s: %v", h.TaskName(), out.Err))
		}
	}

	outcome := FlowOutcome{FlowRunID: fr.ID, Value: value}
	switch {
	case bodyErr != nil:
		outcome.Status = models.FailedFlowRunStatus
		outcome.Err = bodyErr
	case len(unhandled) > 0:
		outcome.Status = models.FailedFlowRunStatus
		outcome.Err = errors.Errorf("flow '%s' had unhandled task failures: %s", def.Name, strings.Join(unhandled, "; "))
	default:
		outcome.Status = models.CompletedFlowRunStatus
	}

	msg := ""
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	s.setFlowStatus(&fr, outcome.Status, msg)
	return outcome
}

// runBody executes the flow function, converting a panic in flow logic to a
// failure instead of taking down the process.
func (s *FlowService) runBody(ctx context.Context, def FlowDefinition, fc *FlowContext, args []TaskResult) (value TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("flow '%s' panicked: %v", def.Name, r)
		}
	}()
	return def.Fn(ctx, fc, args...)
}

// setFlowStatus persists a flow run status transition and publishes its event.
func (s *FlowService) setFlowStatus(fr *models.FlowRun, status models.FlowRunStatus, msg string) {
	fr.Status = status
	fr.UpdatedAt = time.Now()
	if err := s.runs.UpdateFlowRunStatus(fr.ID, status); err != nil {
		s.logger.Errorf("Failed to persist flow run %s status %s: %v", fr.ID, status, err)
	}
	s.bus.Publish(models.RunEvent{
		Kind:    models.FlowRunEventKind,
		RunID:   fr.ID,
		Name:    fr.Name,
		State:   string(status),
		Message: msg,
	})
}

// FlowContext is handed to a flow body to submit and call tasks under the
// flow run, and to gate work behind shared rate limits.
type FlowContext struct {
	svc       *FlowService
	flowRunID string
	mu        sync.Mutex
	submitted []*TaskHandle
}

// FlowRunID returns the identifier of the enclosing flow run.
func (fc *FlowContext) FlowRunID() string {
	return fc.flowRunID
}

// Submit schedules a task invocation under this flow run and returns its
// handle.
func (fc *FlowContext) Submit(ctx context.Context, def TaskDefinition, args ...TaskResult) *TaskHandle {
	h := fc.svc.runner.submit(ctx, fc.flowRunID, def, args)
	fc.mu.Lock()
	fc.submitted = append(fc.submitted, h)
	fc.mu.Unlock()
	return h
}

// Call runs a task synchronously under this flow run, equivalent to Submit
// followed by Result.
func (fc *FlowContext) Call(ctx context.Context, def TaskDefinition, args ...TaskResult) (TaskResult, error) {
	return fc.Submit(ctx, def, args...).Result(ctx)
}

// RateLimit blocks until the named resource grants the requested slots.
// Use it before Submit to gate submissions behind a shared limit.
func (fc *FlowContext) RateLimit(ctx context.Context, name string, slots int) error {
	return fc.svc.limits.Acquire(ctx, name, slots)
}

func (fc *FlowContext) handles() []*TaskHandle {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]*TaskHandle, len(fc.submitted))
	copy(out, fc.submitted)
	return out
}
