package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// ClaudeCode runs tasks through the claude CLI in non-interactive mode with
// a streamed JSON output format.
type ClaudeCode struct {
	// Binary overrides the executable name, default "claude".
	Binary string
	Log    *slog.Logger
}

func (c ClaudeCode) Name() string { return "claude-code" }

func (c ClaudeCode) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "claude"
}

func (c ClaudeCode) Spawn(ctx context.Context, task MaterializedTask) (Handle, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", "Bash,Read,Edit,Write,Glob,Grep",
	}
	if task.Instructions != "" {
		args = append(args, "--append-system-prompt", task.Instructions)
	}
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Dir = task.WorkspaceDir
	cmd.Env = os.Environ()
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	h, err := startProc(cmd, task.Prompt, c.decode)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", c.binary(), err)
	}
	return h, nil
}

// streamLine is the envelope of one stream-json output line.
type streamLine struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	} `json:"message"`
	Usage json.RawMessage `json:"usage"`
}

// decode maps a stream-json line to the event protocol. Undecodable lines
// are logged and dropped; the stream continues.
func (c ClaudeCode) decode(line []byte) (Event, bool) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		c.log().Warn("dropping undecodable stream line", "error", err, "bytes", len(line))
		return Event{}, false
	}
	payload := json.RawMessage(append([]byte(nil), line...))
	switch sl.Type {
	case "assistant":
		if sl.Message != nil {
			for _, block := range sl.Message.Content {
				if block.Type == "tool_use" {
					return Event{Type: EventToolCall, Payload: payload}, true
				}
			}
		}
		return Event{Type: EventMessage, Payload: payload}, true
	case "user":
		return Event{Type: EventToolResult, Payload: payload}, true
	case "result":
		return Event{Type: EventCompleted, Payload: payload}, true
	case "system":
		if len(sl.Usage) > 0 {
			return Event{Type: EventTokenUsage, Payload: payload}, true
		}
		return Event{}, false
	default:
		c.log().Warn("dropping stream line with unknown type", "type", sl.Type)
		return Event{}, false
	}
}

func (c ClaudeCode) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
