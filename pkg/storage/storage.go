package storage

import (
	"github.com/pkg/errors"

	"github.com/runlet/runlet/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the run-history and limit-provisioning storage for Runlet.
// The engine itself only needs an in-memory implementation; a durable store
// can back it without changing any contract.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Flow run operations
	SaveFlowRun(fr models.FlowRun) error
	GetFlowRun(id string) (models.FlowRun, error)
	UpdateFlowRunStatus(id string, status models.FlowRunStatus) error
	ListFlowRuns() ([]models.FlowRun, error)

	// Task run operations
	SaveTaskRun(tr models.TaskRun) error
	GetTaskRun(id string) (models.TaskRun, error)
	UpdateTaskRun(tr models.TaskRun) error
	ListTaskRuns(flowRunID string) ([]models.TaskRun, error)

	// Concurrency limit operations
	SaveConcurrencyLimit(l models.ConcurrencyLimit) error
	GetConcurrencyLimit(name string) (models.ConcurrencyLimit, error)
	ListConcurrencyLimits() ([]models.ConcurrencyLimit, error)
	DeleteConcurrencyLimit(name string) error
}
