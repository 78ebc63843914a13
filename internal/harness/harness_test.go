package harness

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ExecJSON{HarnessName: "codex", Command: "codex"})
	reg.Register(ClaudeCode{})

	h, err := reg.Get("claude-code")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if h.Name() != "claude-code" {
		t.Fatalf("name = %s", h.Name())
	}

	_, err = reg.Get("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "claude-code" || names[1] != "codex" {
		t.Fatalf("names = %v", names)
	}
}

func TestClaudeCodeDecode(t *testing.T) {
	c := ClaudeCode{}
	cases := []struct {
		name     string
		line     string
		wantType string
		wantOK   bool
	}{
		{"assistant text", `{"type":"assistant","message":{"content":[{"type":"text"}]}}`, EventMessage, true},
		{"assistant tool use", `{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`, EventToolCall, true},
		{"user", `{"type":"user","message":{"content":[{"type":"tool_result"}]}}`, EventToolResult, true},
		{"result", `{"type":"result","subtype":"success"}`, EventCompleted, true},
		{"system with usage", `{"type":"system","usage":{"input_tokens":10}}`, EventTokenUsage, true},
		{"system without usage", `{"type":"system","subtype":"init"}`, "", false},
		{"unknown type", `{"type":"banana"}`, "", false},
		{"not json", `hello world`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := c.decode([]byte(tc.line))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && ev.Type != tc.wantType {
				t.Fatalf("type = %s, want %s", ev.Type, tc.wantType)
			}
			if ok && string(ev.Payload) != tc.line {
				t.Fatalf("payload not preserved: %s", ev.Payload)
			}
		})
	}
}

func TestExecJSONDecode(t *testing.T) {
	e := ExecJSON{HarnessName: "test"}
	if ev, ok := e.decode([]byte(`{"type":"message","text":"hi"}`)); !ok || ev.Type != EventMessage {
		t.Fatalf("message line not decoded: %v %v", ev, ok)
	}
	if _, ok := e.decode([]byte(`{"type":"weird"}`)); ok {
		t.Fatalf("unknown type should be dropped")
	}
	if _, ok := e.decode([]byte(`not json`)); ok {
		t.Fatalf("garbage should be dropped")
	}
}

func TestExecJSONSpawnStreamsEvents(t *testing.T) {
	e := ExecJSON{
		HarnessName: "sh",
		Command:     "/bin/sh",
		Args: []string{"-c",
			`echo '{"type":"message","text":"working"}';` +
				`echo 'garbage line';` +
				`echo '{"type":"completed"}'`},
	}
	h, err := e.Spawn(context.Background(), MaterializedTask{WorkspaceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Kill()

	var types []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				if len(types) != 2 || types[0] != EventMessage || types[1] != EventCompleted {
					t.Fatalf("events = %v, want [message completed]", types)
				}
				if h.IsRunning() {
					t.Fatalf("process should have exited")
				}
				return
			}
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
}

func TestExecJSONSpawnRequiresCommand(t *testing.T) {
	e := ExecJSON{HarnessName: "empty"}
	if _, err := e.Spawn(context.Background(), MaterializedTask{}); err == nil {
		t.Fatalf("spawn without a command should fail")
	}
}

func TestKillUnblocksBackloggedReader(t *testing.T) {
	// Emit far more events than the buffer holds while nothing consumes,
	// then keep the process alive. Kill must still bring everything down.
	e := ExecJSON{
		HarnessName: "flood",
		Command:     "/bin/sh",
		Args: []string{"-c",
			`i=0; while [ $i -lt 500 ]; do echo '{"type":"message"}'; i=$((i+1)); done; exec sleep 60`},
	}
	h, err := e.Spawn(context.Background(), MaterializedTask{WorkspaceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Let the reader fill the buffer and block on delivery.
	time.Sleep(300 * time.Millisecond)

	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.After(10 * time.Second)
	for h.IsRunning() {
		select {
		case <-deadline:
			t.Fatalf("reader never released, process still running after kill")
		case <-time.After(50 * time.Millisecond):
		}
	}
	// The event channel must be closed, not abandoned mid-send.
	for range h.Events() {
	}
}

func TestKillStopsProcess(t *testing.T) {
	e := ExecJSON{
		HarnessName: "sleeper",
		Command:     "/bin/sh",
		Args:        []string{"-c", "sleep 60"},
	}
	h, err := e.Spawn(context.Background(), MaterializedTask{WorkspaceDir: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !h.IsRunning() {
		t.Fatalf("process should be running")
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.After(10 * time.Second)
	for h.IsRunning() {
		select {
		case <-deadline:
			t.Fatalf("process still running after kill")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
