package models

import "time"

type FlowRunStatus string

const (
	PendingFlowRunStatus   FlowRunStatus = "PENDING"
	RunningFlowRunStatus   FlowRunStatus = "RUNNING"
	CompletedFlowRunStatus FlowRunStatus = "COMPLETED"
	FailedFlowRunStatus    FlowRunStatus = "FAILED"
)

// FlowRun represents one top-level pipeline run grouping task invocations.
// It is COMPLETED only if the flow body returned without error and no
// constituent task failure went unhandled.
type FlowRun struct {
	ID        string        `json:"id" db:"id"`                 // Generated run identifier (UUID)
	Name      string        `json:"name" db:"name"`             // Flow name (e.g., "repo-stars")
	Status    FlowRunStatus `json:"status" db:"status"`         // Current lifecycle status
	CreatedAt time.Time     `json:"created_at" db:"created_at"` // Creation timestamp
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"` // Last update timestamp
	TaskRuns  []TaskRun     `json:"task_runs,omitempty"`        // Constituent task runs (populated on fetch)
}
