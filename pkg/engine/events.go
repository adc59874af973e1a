package engine

import "time"

// EventType categorizes progress events.
type EventType string

const (
	// EventProgress reports step-level progress.
	EventProgress EventType = "progress"

	// EventLog carries an informational message.
	EventLog EventType = "log"

	// EventError reports a step or deployment failure.
	EventError EventType = "error"

	// EventComplete is the terminal event of a run, success or not.
	EventComplete EventType = "complete"
)

// ProgressEvent is one typed record on the engine's event stream. Callers
// receive these from Events() instead of registering callbacks.
type ProgressEvent struct {
	Type         EventType `json:"type"`
	DeploymentID string    `json:"deployment_id"`
	Step         string    `json:"step,omitempty"`

	// StepProgress and TotalProgress are fractions in [0, 1].
	StepProgress  float64 `json:"step_progress"`
	TotalProgress float64 `json:"total_progress"`

	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Err is set on error events.
	Err error `json:"-"`

	// Success and Outputs are set on complete events.
	Success bool              `json:"success,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}
