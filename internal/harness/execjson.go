package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// ExecJSON runs an arbitrary configured command that speaks the event
// protocol directly: one JSON object per stdout line with a "type" field
// naming one of the event types. Used for codex-style CLIs and in tests.
type ExecJSON struct {
	HarnessName string
	Command     string
	Args        []string
	Log         *slog.Logger
}

func (e ExecJSON) Name() string { return e.HarnessName }

func (e ExecJSON) Spawn(ctx context.Context, task MaterializedTask) (Handle, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("harness %q has no command configured", e.HarnessName)
	}
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = task.WorkspaceDir
	cmd.Env = os.Environ()
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	h, err := startProc(cmd, task.Prompt, e.decode)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", e.Command, err)
	}
	return h, nil
}

func (e ExecJSON) decode(line []byte) (Event, bool) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		e.log().Warn("dropping undecodable stream line", "harness", e.HarnessName, "error", err)
		return Event{}, false
	}
	switch envelope.Type {
	case EventMessage, EventToolCall, EventToolResult, EventTokenUsage, EventError, EventCompleted:
		return Event{Type: envelope.Type, Payload: json.RawMessage(append([]byte(nil), line...))}, true
	default:
		e.log().Warn("dropping stream line with unknown type", "harness", e.HarnessName, "type", envelope.Type)
		return Event{}, false
	}
}

func (e ExecJSON) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
