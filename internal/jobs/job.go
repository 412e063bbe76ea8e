// ABOUTME: Job record, log entry, and state types for the agent job engine
// ABOUTME: These structs are the wire schema for the job.* RPC methods

package jobs

import "time"

// State is the lifecycle state of a job.
type State string

// Job states. Pending and Running are active; the other four are terminal.
const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a job in this state can never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateRolledBack, StateCancelled:
		return true
	}
	return false
}

// Job is one administrative operation tracked by the agent.
//
// StartedAt is set exactly once, on the transition out of Pending.
// CompletedAt is set exactly once, on the transition into a terminal state.
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	State       State          `json:"state"`
	Config      map[string]any `json:"config"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// LogEntry is one line of a job's audit trail. Entries are append-only and
// ordered by creation time.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Log levels.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warning"
	LogLevelError = "error"
)
