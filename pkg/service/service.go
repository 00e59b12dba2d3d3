package service

import (
	"context"

	"github.com/runlet/runlet/pkg/cache"
	"github.com/runlet/runlet/pkg/models"
)

// Logger defines the logging interface for the engine services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskResult represents the output of a task or flow
type TaskResult interface{}

// TaskFunc is the work unit of a task: an opaque callable taking argument
// values and returning a value or signaling failure. The context carries
// cancellation and the per-attempt timeout.
type TaskFunc func(ctx context.Context, args ...TaskResult) (TaskResult, error)

// TaskDefinition is an immutable unit of work plus its retry, cache and
// rate-limit policy. Build one with NewTask at registration time; it is
// never mutated afterwards.
type TaskDefinition struct {
	Name   string
	Fn     TaskFunc
	Config models.TaskConfig
}

// NewTask builds a task definition from a work function and policy options.
func NewTask(name string, fn TaskFunc, opts ...models.TaskOption) TaskDefinition {
	cfg := models.TaskConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return TaskDefinition{Name: name, Fn: fn, Config: cfg}
}

// CacheByInputs is the default fingerprint strategy: a hash over the task
// name and the canonical JSON serialization of all arguments.
var CacheByInputs models.CacheKeyFunc = cache.Fingerprint

// FlowFunc is the body of a flow: it drives task submissions and calls
// through the FlowContext and returns the flow's overall result.
type FlowFunc func(ctx context.Context, fc *FlowContext, args ...TaskResult) (TaskResult, error)

// FlowDefinition names a flow body.
type FlowDefinition struct {
	Name string
	Fn   FlowFunc
}

func NewFlow(name string, fn FlowFunc) FlowDefinition {
	return FlowDefinition{Name: name, Fn: fn}
}
