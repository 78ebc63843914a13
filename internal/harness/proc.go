package harness

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// eventChanSize bounds the decoded-event buffer between the reader goroutine
// and the consumer.
const eventChanSize = 64

// killGrace is how long Kill waits after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// maxLineSize caps a single stream line; agent output lines can carry large
// tool results.
const maxLineSize = 1 << 20

// lineDecoder turns one raw output line into an event. ok=false drops the
// line (the decoder logs the reason).
type lineDecoder func(line []byte) (Event, bool)

// procHandle is the Handle shared by process-backed harnesses: one external
// process, a stdin channel for input, and a reader goroutine decoding the
// stdout stream line by line.
type procHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	// quit is closed by Kill so the reader stops delivering to a consumer
	// that is no longer listening.
	quit chan struct{}

	killOnce sync.Once
	mu       sync.Mutex
	closed   bool
}

// startProc launches cmd and wires the event stream. prompt, when non-empty,
// is written to the process's stdin and stdin is closed to signal end of
// input; Send only works for prompt-less harnesses.
func startProc(cmd *exec.Cmd, prompt string, decode lineDecoder) (*procHandle, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &procHandle{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, eventChanSize),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	if prompt != "" {
		go func() {
			io.WriteString(stdin, prompt)
			stdin.Close()
			h.mu.Lock()
			h.closed = true
			h.mu.Unlock()
		}()
	}
	go h.read(stdout, decode)
	return h, nil
}

func (h *procHandle) read(stdout io.Reader, decode lineDecoder) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
scan:
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok := decode(line)
		if !ok {
			continue
		}
		select {
		case h.events <- ev:
		case <-h.quit:
			// Consumer is gone. Keep the pipe flowing so the dying process
			// is not blocked on a full stdout, but deliver nothing further.
			io.Copy(io.Discard, stdout)
			break scan
		}
	}
	h.cmd.Wait()
	close(h.events)
	close(h.done)
}

func (h *procHandle) Events() <-chan Event {
	return h.events
}

func (h *procHandle) Send(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.IsRunning() {
		return fmt.Errorf("process is not accepting input")
	}
	_, err := io.WriteString(h.stdin, msg+"\n")
	return err
}

// Kill releases the reader, sends SIGTERM, waits out the grace period, then
// SIGKILLs.
func (h *procHandle) Kill() error {
	h.killOnce.Do(func() { close(h.quit) })
	if !h.IsRunning() {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(killGrace):
		return h.cmd.Process.Kill()
	}
}

func (h *procHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
