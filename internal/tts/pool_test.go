package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

func testPoolConfig() Config {
	return Config{
		Concurrency:    1,
		MaxQueueDepth:  1,
		JobTimeout:     time.Hour,
		InitTimeout:    time.Hour,
		RespawnBackoff: 10 * time.Millisecond,
	}
}

// recordingObserver counts the calls the pool makes. It is written from the
// event loop and read from the test goroutine.
type recordingObserver struct {
	core.NopObserver

	mu       sync.Mutex
	queued   int
	spawned  int
	failures map[string]int
	removed  map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failures: make(map[string]int), removed: make(map[string]int)}
}

func (o *recordingObserver) JobQueued() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queued++
}

func (o *recordingObserver) JobFailed(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures[code]++
}

func (o *recordingObserver) WorkerSpawned() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.spawned++
}

func (o *recordingObserver) WorkerRemoved(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.removed[state]++
}

func (o *recordingObserver) failed(code string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.failures[code]
}

type runningPool struct {
	*Pool

	spawner  *fakeSpawner
	observer *recordingObserver
	stop     func()
}

// startPool creates a pool on a fake spawner and runs its loop until the test
// ends or stop is called.
func startPool(t *testing.T, cfg Config) *runningPool {
	t.Helper()

	spawner := newFakeSpawner()
	observer := newRecordingObserver()

	pool, err := New(cfg, spawner, observer, newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)

	go func() {
		finished <- pool.Run(ctx)
	}()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-finished)
		})
	}

	t.Cleanup(stop)

	return &runningPool{Pool: pool, spawner: spawner, observer: observer, stop: stop}
}

func nextHandle(t *testing.T, spawner *fakeSpawner) *fakeHandle {
	t.Helper()

	select {
	case handle := <-spawner.handles:
		return handle
	case <-time.After(eventuallyWait):
		require.FailNow(t, "no worker was spawned")

		return nil
	}
}

func stats(t *testing.T, pool *runningPool) Stats {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), eventuallyWait)
	defer cancel()

	snapshot, err := pool.Stats(ctx)
	require.NoError(t, err)

	return snapshot
}

func waitStats(t *testing.T, pool *runningPool, cond func(Stats) bool, msg string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return cond(stats(t, pool))
	}, eventuallyWait, eventuallyTick, msg)
}

func readyWorkers(n int) func(Stats) bool {
	return func(s Stats) bool {
		return s.Workers == n && s.States[StateReady.String()] == n
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.Concurrency = 0
	_, err := New(cfg, newFakeSpawner(), nil, newTestLogger(t))
	require.ErrorIs(t, err, ErrInvalidConcurrency)

	cfg = testPoolConfig()
	cfg.MaxQueueDepth = 0
	_, err = New(cfg, newFakeSpawner(), nil, newTestLogger(t))
	require.ErrorIs(t, err, ErrInvalidQueueDepth)
}

func TestNew_SpawnFailure(t *testing.T) {
	t.Parallel()

	spawner := newFakeSpawner()
	spawner.setRefuse(true)

	pool, err := New(testPoolConfig(), spawner, nil, newTestLogger(t))
	require.ErrorIs(t, err, errSpawnRefused)
	assert.Nil(t, pool)
}

func TestPool_SpawnsConcurrencyWorkers(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.Concurrency = 3
	pool := startPool(t, cfg)

	snapshot := stats(t, pool)
	assert.Equal(t, 3, snapshot.Workers)
	assert.Equal(t, 3, snapshot.States[StateInit.String()])
	assert.Equal(t, 3, pool.spawner.count())
}

func TestPool_DispatchesToReadyWorker(t *testing.T) {
	t.Parallel()

	pool := startPool(t, testPoolConfig())
	handle := nextHandle(t, pool.spawner)

	handle.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "worker never became ready")

	job := engine.NewJob("k", "/tmp/k.wav", "hello")
	pool.Submit(job)

	require.Eventually(t, func() bool {
		return len(handle.sentLines()) == 2
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, []string{"/tmp/k.wav", "hello"}, handle.sentLines())

	handle.emit("Success")
	require.NoError(t, waitJob(t, job))

	snapshot := stats(t, pool)
	assert.Equal(t, 1, snapshot.States[StateInit.String()])
	assert.Zero(t, snapshot.Backlog)
}

func TestPool_BacklogAndQueueFull(t *testing.T) {
	t.Parallel()

	pool := startPool(t, testPoolConfig())
	handle := nextHandle(t, pool.spawner)
	handle.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "worker never became ready")

	jobA := engine.NewJob("a", "/tmp/a.wav", "first")
	jobB := engine.NewJob("b", "/tmp/b.wav", "second")
	jobC := engine.NewJob("c", "/tmp/c.wav", "third")

	pool.Submit(jobA)
	pool.Submit(jobB)
	pool.Submit(jobC)

	require.ErrorIs(t, waitJob(t, jobC), engine.ErrQueueFull)
	assert.Equal(t, 1, stats(t, pool).Backlog, "a rejected job does not change the backlog")
	require.Eventually(t, func() bool {
		return pool.observer.failed(engine.CodeQueueFull) == 1
	}, eventuallyWait, eventuallyTick)

	handle.emit("Success")
	require.NoError(t, waitJob(t, jobA))
	assert.False(t, jobB.Settled())
	assert.Equal(t, 1, stats(t, pool).Backlog, "B waits for the next readiness signal")

	handle.emit("Ready")
	require.Eventually(t, func() bool {
		return len(handle.sentLines()) == 4
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, []string{"/tmp/b.wav", "second"}, handle.sentLines()[2:])
	assert.Zero(t, stats(t, pool).Backlog)

	handle.emit("Success")
	require.NoError(t, waitJob(t, jobB))
}

func TestPool_BacklogIsFIFO(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxQueueDepth = 3
	pool := startPool(t, cfg)
	handle := nextHandle(t, pool.spawner)

	jobs := []*engine.Job{
		engine.NewJob("1", "/tmp/1.wav", "one"),
		engine.NewJob("2", "/tmp/2.wav", "two"),
		engine.NewJob("3", "/tmp/3.wav", "three"),
	}
	for _, job := range jobs {
		pool.Submit(job)
	}

	assert.Equal(t, 3, stats(t, pool).Backlog)

	for i, job := range jobs {
		handle.emit("Ready")
		require.Eventually(t, func() bool {
			return len(handle.sentLines()) == 2*(i+1)
		}, eventuallyWait, eventuallyTick)
		assert.Equal(t, job.Dest, handle.sentLines()[2*i])

		handle.emit("Success")
		require.NoError(t, waitJob(t, job))
	}
}

func TestPool_JobFailuresRemoveAndRespawn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    func(h *fakeHandle)
		wantErr error
		state   State
	}{
		{
			name:    "engine error",
			fail:    func(h *fakeHandle) { h.emit("ERROR: TextToSpeechSpeak returned code 2") },
			wantErr: engine.ErrEngine,
			state:   StateError,
		},
		{
			name:    "crash on stderr",
			fail:    func(h *fakeHandle) { h.emitStderr("wine: Unhandled page fault on write access to 0x0000") },
			wantErr: engine.ErrCrash,
			state:   StateSegfault,
		},
		{
			name:    "unexpected output",
			fail:    func(h *fakeHandle) { h.emit("something else entirely") },
			wantErr: engine.ErrProtocol,
			state:   StateExited,
		},
		{
			name:    "exit",
			fail:    func(h *fakeHandle) { h.exit(1) },
			wantErr: engine.ErrExited,
			state:   StateExited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pool := startPool(t, testPoolConfig())
			handle := nextHandle(t, pool.spawner)
			handle.emit("Ready")
			waitStats(t, pool, readyWorkers(1), "worker never became ready")

			job := engine.NewJob("k", "/tmp/k.wav", "hello")
			pool.Submit(job)
			require.Eventually(t, func() bool {
				return len(handle.sentLines()) == 2
			}, eventuallyWait, eventuallyTick)

			tt.fail(handle)
			require.ErrorIs(t, waitJob(t, job), tt.wantErr)

			replacement := nextHandle(t, pool.spawner)
			assert.NotEqual(t, handle.Pid(), replacement.Pid())

			replacement.emit("Ready")
			waitStats(t, pool, readyWorkers(1), "pool did not return to full concurrency")

			pool.observer.mu.Lock()
			defer pool.observer.mu.Unlock()

			assert.Equal(t, 1, pool.observer.removed[tt.state.String()])
		})
	}
}

func TestPool_JobTimeout(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	pool := startPool(t, cfg)
	handle := nextHandle(t, pool.spawner)
	handle.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "worker never became ready")

	job := engine.NewJob("k", "/tmp/k.wav", "a very long text")
	pool.Submit(job)

	err := waitJob(t, job)
	require.ErrorIs(t, err, engine.ErrTimeout)
	assert.Equal(t, engine.CodeTimeout, engine.Code(err))
	assert.Equal(t, 1, handle.killCount())
	require.Eventually(t, func() bool {
		return pool.observer.failed(engine.CodeTimeout) == 1
	}, eventuallyWait, eventuallyTick)

	replacement := nextHandle(t, pool.spawner)
	replacement.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "pool did not return to full concurrency")
}

func TestPool_InitTimeoutRespawns(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.InitTimeout = 20 * time.Millisecond
	pool := startPool(t, cfg)
	handle := nextHandle(t, pool.spawner)

	require.Eventually(t, func() bool {
		return handle.killCount() == 1
	}, eventuallyWait, eventuallyTick)

	// Replacements get the same short init timeout, so answer every new one.
	require.Eventually(t, func() bool {
		select {
		case replacement := <-pool.spawner.handles:
			replacement.emit("Ready")
		default:
		}

		return stats(t, pool).States[StateReady.String()] == 1
	}, eventuallyWait, eventuallyTick)
}

func TestPool_QueuedJobSurvivesWorkerDeath(t *testing.T) {
	t.Parallel()

	pool := startPool(t, testPoolConfig())
	handle := nextHandle(t, pool.spawner)

	job := engine.NewJob("k", "/tmp/k.wav", "hello")
	pool.Submit(job)
	assert.Equal(t, 1, stats(t, pool).Backlog)

	handle.exit(1)

	replacement := nextHandle(t, pool.spawner)
	assert.False(t, job.Settled(), "a queued job is not bound to any worker")

	replacement.emit("Ready")
	require.Eventually(t, func() bool {
		return len(replacement.sentLines()) == 2
	}, eventuallyWait, eventuallyTick)

	replacement.emit("Success")
	require.NoError(t, waitJob(t, job))
}

func TestPool_RespawnNeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.Concurrency = 3
	cfg.RespawnBackoff = 30 * time.Millisecond
	pool := startPool(t, cfg)

	handles := []*fakeHandle{
		nextHandle(t, pool.spawner),
		nextHandle(t, pool.spawner),
		nextHandle(t, pool.spawner),
	}
	for _, handle := range handles {
		handle.exit(0)
	}

	waitStats(t, pool, func(s Stats) bool { return s.Workers == 3 }, "pool was not refilled")

	// Let any extra respawn pass run before counting.
	time.Sleep(3 * cfg.RespawnBackoff)

	assert.Equal(t, 6, pool.spawner.count())
	assert.Equal(t, 3, stats(t, pool).Workers)
}

func TestPool_RuntimeSpawnFailureRetries(t *testing.T) {
	t.Parallel()

	pool := startPool(t, testPoolConfig())
	handle := nextHandle(t, pool.spawner)

	pool.spawner.setRefuse(true)
	handle.exit(1)
	waitStats(t, pool, func(s Stats) bool { return s.Workers == 0 }, "dead worker was not removed")

	pool.spawner.setRefuse(false)
	replacement := nextHandle(t, pool.spawner)
	replacement.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "pool did not recover after spawn failures")
}

func TestPool_ShutdownRejectsOutstandingJobs(t *testing.T) {
	t.Parallel()

	cfg := testPoolConfig()
	cfg.MaxQueueDepth = 2
	pool := startPool(t, cfg)
	handle := nextHandle(t, pool.spawner)
	handle.emit("Ready")
	waitStats(t, pool, readyWorkers(1), "worker never became ready")

	running := engine.NewJob("a", "/tmp/a.wav", "first")
	queued := engine.NewJob("b", "/tmp/b.wav", "second")
	pool.Submit(running)
	pool.Submit(queued)

	pool.stop()

	require.ErrorIs(t, waitJob(t, running), engine.ErrPoolClosed)
	require.ErrorIs(t, waitJob(t, queued), engine.ErrPoolClosed)
	assert.Equal(t, 1, handle.killCount())

	late := engine.NewJob("c", "/tmp/c.wav", "third")
	pool.Submit(late)
	require.ErrorIs(t, waitJob(t, late), engine.ErrPoolClosed)

	_, err := pool.Stats(context.Background())
	require.ErrorIs(t, err, engine.ErrPoolClosed)
}
