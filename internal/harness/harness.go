package harness

import (
	"context"
	"encoding/json"
)

// Event types emitted by a harness event stream.
const (
	EventMessage    = "message"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventTokenUsage = "token_usage"
	EventError      = "error"
	EventCompleted  = "completed"
)

// Event is one decoded entry from an agent process's output stream.
// Payload carries the structured body as emitted, suitable for the event log.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// MaterializedTask is everything a harness needs to launch one task attempt:
// an exclusive workspace, the rendered prompt, and the scoped credentials the
// agent runs under.
type MaterializedTask struct {
	TaskID       string
	PlanID       string
	Attempt      int
	Prompt       string
	Instructions string
	WorkspaceDir string
	Env          map[string]string
}

// Handle abstracts one running agent process.
type Handle interface {
	// Events returns the order-preserving decoded event stream. The channel
	// closes when the process's output ends.
	Events() <-chan Event
	// Send delivers additional input to a still-running process.
	Send(msg string) error
	// Kill requests graceful termination, escalating to SIGKILL after a
	// grace period.
	Kill() error
	// IsRunning is a non-blocking liveness check.
	IsRunning() bool
}

// Harness launches one kind of external agent runtime.
type Harness interface {
	Name() string
	Spawn(ctx context.Context, task MaterializedTask) (Handle, error)
}
