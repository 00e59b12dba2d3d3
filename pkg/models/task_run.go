package models

import "time"

type TaskRunState string

const (
	PendingTaskRunState   TaskRunState = "PENDING"
	RunningTaskRunState   TaskRunState = "RUNNING"
	RetryingTaskRunState  TaskRunState = "RETRYING"
	CompletedTaskRunState TaskRunState = "COMPLETED"
	FailedTaskRunState    TaskRunState = "FAILED"
	CachedTaskRunState    TaskRunState = "CACHED"
	CrashedTaskRunState   TaskRunState = "CRASHED"
)

// IsTerminal reports whether a task run in this state will never transition again.
func (s TaskRunState) IsTerminal() bool {
	switch s {
	case CompletedTaskRunState, FailedTaskRunState, CachedTaskRunState, CrashedTaskRunState:
		return true
	}
	return false
}

// TaskRun represents one invocation of a task definition with concrete arguments.
// A run is owned by the worker executing it until it reaches a terminal state;
// afterwards the caller owns the result value retrieved through its handle.
type TaskRun struct {
	ID          string       `json:"id" db:"id"`                               // Generated run identifier (UUID)
	FlowRunID   string       `json:"flow_run_id" db:"flow_run_id"`             // Parent flow run ("" for detached runs)
	TaskName    string       `json:"task_name" db:"task_name"`                 // Name of the task definition
	Fingerprint string       `json:"fingerprint,omitempty" db:"fingerprint"`   // Cache key, empty if no cache policy
	State       TaskRunState `json:"state" db:"state"`                         // Current lifecycle state
	Attempts    int          `json:"attempts" db:"attempts"`                   // Attempts made so far
	ErrorMsg    string       `json:"error,omitempty" db:"error_msg"`           // Last error message (optional)
	StartedAt   *time.Time   `json:"started_at,omitempty" db:"started_at"`     // Nullable start time
	FinishedAt  *time.Time   `json:"finished_at,omitempty" db:"finished_at"`   // Nullable end time
}
