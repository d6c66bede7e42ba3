// Package tts runs the speech engine as a fixed pool of long-lived worker
// subprocesses speaking a line protocol, and schedules jobs onto them.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/engine"
)

const eventBufferSize = 64

var (
	// ErrInvalidConcurrency indicates a pool size below one.
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	// ErrInvalidQueueDepth indicates a backlog limit below one.
	ErrInvalidQueueDepth = errors.New("max queue depth must be at least 1")
)

// Log formats.
const (
	logFmtSpawned      = "spawned worker %d with pid %d"
	logFmtRemoved      = "removing worker %d (pid %d) from the pool in state %s"
	logFmtSpawnFailed  = "failed to spawn worker: %v"
	logFmtQueueFull    = "rejecting %s: task queue is full (%d waiting)"
	logFmtRespawn      = "respawning workers in %s"
	logFmtPoolStopping = "stopping pool: %d workers, %d queued jobs"
)

// Config sizes the pool and bounds its workers.
type Config struct {
	Concurrency    int
	MaxQueueDepth  int
	JobTimeout     time.Duration
	InitTimeout    time.Duration
	RespawnBackoff time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int            `json:"workers"`
	States  map[string]int `json:"states"`
	Backlog int            `json:"backlog"`
}

type eventKind int

const (
	eventLine eventKind = iota
	eventExit
	eventFailure
	eventInitTimeout
	eventJobTimeout
	eventRespawn
)

type event struct {
	proc   *Process
	kind   eventKind
	stream Stream
	line   string
	code   int
	err    error
	seq    uint64
}

// Pool owns a fixed number of worker processes and a FIFO backlog. Worker and
// backlog state is only touched by the goroutine running Run.
type Pool struct {
	cfg      Config
	spawner  Spawner
	observer core.Observer
	log      *logger.Logger

	events  chan event
	submits chan *engine.Job
	queries chan chan Stats
	done    chan struct{}

	workers        []*Process
	backlog        []*engine.Job
	nextID         int
	respawnTimer   *time.Timer
	respawnPending bool
}

// New creates a pool and spawns cfg.Concurrency workers before returning. If
// any of them cannot be started the ones already running are killed and the
// error is returned.
func New(cfg Config, spawner Spawner, observer core.Observer, log *logger.Logger) (*Pool, error) {
	if cfg.Concurrency < 1 {
		return nil, ErrInvalidConcurrency
	}

	if cfg.MaxQueueDepth < 1 {
		return nil, ErrInvalidQueueDepth
	}

	if observer == nil {
		observer = core.NopObserver{}
	}

	pool := &Pool{
		cfg:      cfg,
		spawner:  spawner,
		observer: observer,
		log:      log,
		events:   make(chan event, eventBufferSize),
		submits:  make(chan *engine.Job),
		queries:  make(chan chan Stats),
		done:     make(chan struct{}),
	}

	for len(pool.workers) < cfg.Concurrency {
		err := pool.spawn()
		if err != nil {
			close(pool.done)

			for _, proc := range pool.workers {
				proc.stop(engine.ErrPoolClosed)
			}

			return nil, err
		}
	}

	return pool, nil
}

// Run is the pool's event loop. It returns when ctx is cancelled, after
// killing every worker and rejecting every unfinished job with
// engine.ErrPoolClosed.
func (p *Pool) Run(ctx context.Context) error {
	defer p.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			p.dispatch(ev)
		case job := <-p.submits:
			p.submit(job)
		case reply := <-p.queries:
			reply <- p.snapshot()
		}
	}
}

// Submit hands job to the pool. The outcome, including admission failures,
// is reported through the job's completion handle.
func (p *Pool) Submit(job *engine.Job) {
	select {
	case p.submits <- job:
	case <-p.done:
		job.Reject(engine.ErrPoolClosed)
	}
}

// Stats asks the event loop for a snapshot.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)

	select {
	case p.queries <- reply:
	case <-p.done:
		return Stats{}, engine.ErrPoolClosed
	case <-ctx.Done():
		return Stats{}, fmt.Errorf("querying pool stats: %w", ctx.Err())
	}

	select {
	case stats := <-reply:
		return stats, nil
	case <-ctx.Done():
		return Stats{}, fmt.Errorf("querying pool stats: %w", ctx.Err())
	}
}

func (p *Pool) submit(job *engine.Job) {
	if len(p.backlog) >= p.cfg.MaxQueueDepth {
		p.log.Warn(logFmtQueueFull, job.Dest, len(p.backlog))
		job.Reject(engine.ErrQueueFull)
		p.observer.JobFailed(engine.CodeQueueFull)

		return
	}

	p.observer.JobQueued()

	for _, proc := range p.workers {
		if proc.State() == StateReady {
			proc.Submit(job)

			return
		}
	}

	p.backlog = append(p.backlog, job)
}

func (p *Pool) dispatch(ev event) {
	switch ev.kind {
	case eventLine:
		ev.proc.handleLine(ev.stream, ev.line)
	case eventExit:
		ev.proc.handleExit(ev.code)
	case eventFailure:
		ev.proc.handleFailure(ev.err)
	case eventInitTimeout:
		ev.proc.handleInitTimeout(ev.seq)
	case eventJobTimeout:
		ev.proc.handleJobTimeout(ev.seq)
	case eventRespawn:
		p.respawnPending = false
		p.respawnTimer = nil
		p.fill()
	}
}

func (p *Pool) processReady(proc *Process) {
	if len(p.backlog) == 0 {
		return
	}

	job := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	proc.Submit(job)
}

func (p *Pool) processTerminal(proc *Process) {
	for i, candidate := range p.workers {
		if candidate != proc {
			continue
		}

		p.log.Info(logFmtRemoved, proc.ID(), proc.Pid(), proc.State())
		p.workers = append(p.workers[:i], p.workers[i+1:]...)
		p.observer.WorkerRemoved(proc.State().String())
		p.scheduleRespawn()

		return
	}
}

// scheduleRespawn coalesces worker deaths: one pending pass refills the pool.
func (p *Pool) scheduleRespawn() {
	if p.respawnPending {
		return
	}

	p.respawnPending = true
	p.log.Info(logFmtRespawn, p.cfg.RespawnBackoff)
	p.respawnTimer = time.AfterFunc(p.cfg.RespawnBackoff, func() {
		p.post(event{kind: eventRespawn})
	})
}

func (p *Pool) fill() {
	for len(p.workers) < p.cfg.Concurrency {
		err := p.spawn()
		if err != nil {
			p.log.Error(logFmtSpawnFailed, err)
			p.scheduleRespawn()

			return
		}
	}
}

func (p *Pool) spawn() error {
	p.nextID++
	proc := newProcess(
		p.nextID,
		Timeouts{Init: p.cfg.InitTimeout, Job: p.cfg.JobTimeout},
		p,
		p.observer,
		p.post,
		p.log,
	)

	handle, err := p.spawner.Spawn(processSink{proc: proc, post: p.post})
	if err != nil {
		return fmt.Errorf("spawning worker %d: %w", proc.ID(), err)
	}

	proc.start(handle)
	p.workers = append(p.workers, proc)
	p.observer.WorkerSpawned()
	p.log.Info(logFmtSpawned, proc.ID(), proc.Pid())

	return nil
}

// post delivers an event to the loop, or drops it once the pool has stopped.
func (p *Pool) post(ev event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Pool) snapshot() Stats {
	stats := Stats{
		Workers: len(p.workers),
		States:  make(map[string]int),
		Backlog: len(p.backlog),
	}

	for _, proc := range p.workers {
		stats.States[proc.State().String()]++
	}

	return stats
}

func (p *Pool) shutdown() {
	close(p.done)
	p.log.Info(logFmtPoolStopping, len(p.workers), len(p.backlog))

	if p.respawnTimer != nil {
		p.respawnTimer.Stop()
	}

	for _, proc := range p.workers {
		proc.stop(engine.ErrPoolClosed)
	}

	for _, job := range p.backlog {
		job.Reject(engine.ErrPoolClosed)
	}

	p.workers = nil
	p.backlog = nil
}

// processSink turns subprocess callbacks into loop events for one worker.
type processSink struct {
	proc *Process
	post func(event)
}

func (s processSink) Line(stream Stream, line string) {
	s.post(event{proc: s.proc, kind: eventLine, stream: stream, line: line})
}

func (s processSink) Exited(code int) {
	s.post(event{proc: s.proc, kind: eventExit, code: code})
}

func (s processSink) Failed(err error) {
	s.post(event{proc: s.proc, kind: eventFailure, err: err})
}
