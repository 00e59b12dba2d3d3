package models

import "time"

type EventKind string

const (
	TaskRunEventKind EventKind = "task_run"
	FlowRunEventKind EventKind = "flow_run"
)

// RunEvent is a state-transition event emitted to the observability sink.
// Every terminal-state transition produces exactly one event.
type RunEvent struct {
	Kind      EventKind `json:"kind"`               // Subject kind (task run or flow run)
	RunID     string    `json:"run_id"`             // Subject identifier
	Name      string    `json:"name"`               // Task or flow name
	State     string    `json:"state"`              // State entered by this transition
	Attempts  int       `json:"attempts,omitempty"` // Attempts made (task runs only)
	Message   string    `json:"message,omitempty"`  // Error or informational detail
	Timestamp time.Time `json:"timestamp"`          // Transition time
}
