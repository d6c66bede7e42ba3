package tts

import (
	"errors"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"
)

var errSpawnRefused = errors.New("spawn refused")

// fakeHandle stands in for an engine subprocess. Tests drive its output with
// emit and exit; Kill behaves like SIGKILL and reports an exit.
type fakeHandle struct {
	pid  int
	sink Sink

	mu      sync.Mutex
	sent    []string
	kills   int
	sendErr error

	exitOnce sync.Once
}

func (h *fakeHandle) Pid() int {
	return h.pid
}

func (h *fakeHandle) Send(lines ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sendErr != nil {
		return h.sendErr
	}

	h.sent = append(h.sent, lines...)

	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()

	go h.exit(-1)

	return nil
}

func (h *fakeHandle) emit(line string) {
	h.sink.Line(Stdout, line)
}

func (h *fakeHandle) emitStderr(line string) {
	h.sink.Line(Stderr, line)
}

func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		if h.sink != nil {
			h.sink.Exited(code)
		}
	})
}

func (h *fakeHandle) sentLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.sent...)
}

func (h *fakeHandle) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.kills
}

func (h *fakeHandle) failSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendErr = err
}

// fakeSpawner hands every spawned handle to the test through a channel.
type fakeSpawner struct {
	handles chan *fakeHandle

	mu      sync.Mutex
	spawned int
	refuse  bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{handles: make(chan *fakeHandle, 256)}
}

func (s *fakeSpawner) Spawn(sink Sink) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refuse {
		return nil, errSpawnRefused
	}

	s.spawned++
	handle := &fakeHandle{pid: 1000 + s.spawned, sink: sink}
	s.handles <- handle

	return handle, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spawned
}

func (s *fakeSpawner) setRefuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refuse = refuse
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}
