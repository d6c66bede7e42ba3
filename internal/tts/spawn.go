package tts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

const (
	// maxLineBytes caps a single line read from the engine.
	maxLineBytes = 64 * 1024
	// pendingWrites bounds the payloads queued for a subprocess. A worker
	// holds at most one job, so a full queue means the engine stopped reading.
	pendingWrites = 2
)

// ErrInputBacklog indicates that a subprocess is not draining its input.
var ErrInputBacklog = errors.New("subprocess input backlog is full")

// Sink receives the output and lifecycle events of one subprocess. Calls may
// arrive from any goroutine.
type Sink interface {
	Line(stream Stream, line string)
	Exited(code int)
	Failed(err error)
}

// Handle controls a running subprocess.
type Handle interface {
	Pid() int
	// Send queues each line followed by a newline for the subprocess input.
	// It never blocks; write failures are reported to the Sink.
	Send(lines ...string) error
	// Kill forcibly terminates the subprocess and everything it started.
	Kill() error
}

// Spawner starts engine subprocesses.
type Spawner interface {
	Spawn(sink Sink) (Handle, error)
}

// Command describes how to start the engine.
type Command struct {
	Path string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
}

// ExecSpawner starts the engine with os/exec. Every subprocess gets its own
// process group so that wrappers such as xvfb-run and wine die together.
type ExecSpawner struct {
	command Command
}

// NewExecSpawner creates a spawner for command.
func NewExecSpawner(command Command) *ExecSpawner {
	return &ExecSpawner{command: command}
}

// Spawn starts one subprocess and begins forwarding its output to sink. Once
// both output streams are drained and the process has been reaped, sink.Exited
// is called exactly once.
func (s *ExecSpawner) Spawn(sink Sink) (Handle, error) {
	// #nosec G204 -- the engine command comes from trusted configuration
	cmd := exec.Command(s.command.Path, s.command.Args...)
	cmd.Env = append(os.Environ(), s.command.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command.Path, err)
	}

	handle := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		writes: make(chan string, pendingWrites),
		done:   make(chan struct{}),
	}

	var streams sync.WaitGroup

	streams.Add(2)

	go scanLines(stdout, Stdout, sink, &streams)
	go scanLines(stderr, Stderr, sink, &streams)
	go handle.writeLoop(sink)

	go func() {
		streams.Wait()
		handle.reap(sink)
	}()

	return handle, nil
}

func scanLines(reader io.Reader, stream Stream, sink Sink, streams *sync.WaitGroup) {
	defer streams.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineBytes)

	for scanner.Scan() {
		sink.Line(stream, scanner.Text())
	}

	err := scanner.Err()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		sink.Failed(fmt.Errorf("reading %s: %w", stream, err))
	}
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writes chan string
	done   chan struct{}
	killed atomic.Bool
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Send(lines ...string) error {
	var payload strings.Builder

	for _, line := range lines {
		payload.WriteString(line)
		payload.WriteByte('\n')
	}

	select {
	case <-h.done:
		return fmt.Errorf("failed to write to stdin: %w", os.ErrClosed)
	default:
	}

	select {
	case h.writes <- payload.String():
		return nil
	default:
		return ErrInputBacklog
	}
}

// writeLoop owns the stdin pipe. A write that blocks because the engine
// stopped reading only stalls this goroutine; it ends once the process is
// killed or reaped.
func (h *execHandle) writeLoop(sink Sink) {
	for {
		select {
		case <-h.done:
			return
		case payload := <-h.writes:
			_, err := io.WriteString(h.stdin, payload)
			if err != nil && !h.expectedWriteError(err) {
				sink.Failed(fmt.Errorf("failed to write to stdin: %w", err))
			}
		}
	}
}

// expectedWriteError reports errors that the exit notification already
// accounts for: the process was killed or is gone.
func (h *execHandle) expectedWriteError(err error) bool {
	return h.killed.Load() || errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}

func (h *execHandle) Kill() error {
	h.killed.Store(true)

	err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", h.cmd.Process.Pid, err)
	}

	return nil
}

func (h *execHandle) reap(sink Sink) {
	// Wait also closes the stdin pipe, which unblocks a pending write.
	err := h.cmd.Wait()
	close(h.done)

	var exitErr *exec.ExitError

	switch {
	case err == nil:
		sink.Exited(0)
	case errors.As(err, &exitErr):
		sink.Exited(exitErr.ExitCode())
	default:
		sink.Failed(fmt.Errorf("waiting for process: %w", err))
		sink.Exited(-1)
	}
}
