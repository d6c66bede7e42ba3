package tts

import (
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/engine"
)

// State is the lifecycle state of a worker process.
type State int

// Worker process states. ERROR, EXITED and SEGFAULT are terminal.
const (
	StateInit State = iota
	StateReady
	StateRunning
	StateError
	StateExited
	StateSegfault
)

var stateNames = [...]string{
	StateInit:     "INIT",
	StateReady:    "READY",
	StateRunning:  "RUNNING",
	StateError:    "ERROR",
	StateExited:   "EXITED",
	StateSegfault: "SEGFAULT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether a worker in this state will never accept work again.
func (s State) Terminal() bool {
	return s == StateError || s == StateExited || s == StateSegfault
}

// Log formats.
const (
	logFmtReady         = "worker %d (pid %d): ready"
	logFmtSubmitted     = "worker %d (pid %d): submitted %s"
	logFmtSucceeded     = "worker %d (pid %d): success for %s in %s"
	logFmtEngineError   = "worker %d (pid %d): error from TTS for %s: %s"
	logFmtCrash         = "worker %d (pid %d): crash detected in state %s: %s"
	logFmtUnexpected    = "worker %d (pid %d): unexpected data received: state %s data %q"
	logFmtNotReady      = "worker %d (pid %d): unexpected task submitted in state %s"
	logFmtExited        = "worker %d (pid %d): TTS process exited with code %d in state %s"
	logFmtProcessError  = "worker %d (pid %d): TTS process error: %v"
	logFmtInitTimeout   = "worker %d (pid %d): no readiness signal within %s, killing"
	logFmtJobTimeout    = "worker %d (pid %d): job %s exceeded %s, killing"
	logFmtKillFailed    = "worker %d (pid %d): kill failed: %v"
	logFmtTrailingCrash = "worker %d (pid %d): crash output after terminal state %s: %s"
)

// Timeouts bounds how long a worker may stay in INIT and RUNNING.
type Timeouts struct {
	Init time.Duration
	Job  time.Duration
}

// listener is told when a worker becomes idle or reaches a terminal state.
// Both calls happen synchronously on the event loop.
type listener interface {
	processReady(p *Process)
	processTerminal(p *Process)
}

// Process drives one engine subprocess through the line protocol. All methods
// except the accessors run on the owning pool's event loop.
type Process struct {
	id       int
	handle   Handle
	state    State
	job      *engine.Job
	started  time.Time
	timedOut bool

	initTimer deadline
	jobTimer  deadline

	timeouts Timeouts
	listener listener
	observer core.Observer
	post     func(event)
	log      *logger.Logger
}

func newProcess(
	id int,
	timeouts Timeouts,
	lst listener,
	observer core.Observer,
	post func(event),
	log *logger.Logger,
) *Process {
	return &Process{
		id:       id,
		state:    StateInit,
		timeouts: timeouts,
		listener: lst,
		observer: observer,
		post:     post,
		log:      log,
	}
}

// ID returns the identifier assigned by the pool at spawn time.
func (p *Process) ID() int {
	return p.id
}

// Pid returns the operating system process id, or 0 before the process is attached.
func (p *Process) Pid() int {
	if p.handle == nil {
		return 0
	}

	return p.handle.Pid()
}

// State returns the current state.
func (p *Process) State() State {
	return p.state
}

// start attaches the spawned subprocess and arms the readiness guard.
func (p *Process) start(handle Handle) {
	p.handle = handle
	p.armInitTimer()
}

// Submit binds job to the worker and writes it to the engine. A worker that
// is not READY rejects the job without touching the subprocess.
func (p *Process) Submit(job *engine.Job) {
	if p.state != StateReady {
		p.log.Error(logFmtNotReady, p.id, p.Pid(), p.state)
		p.rejectJob(job, engine.ErrNotReady)

		return
	}

	p.log.Info(logFmtSubmitted, p.id, p.Pid(), job.Dest)
	p.job = job
	p.timedOut = false
	p.started = time.Now()
	p.transition(StateRunning)
	p.observer.JobStarted()

	err := p.handle.Send(job.Dest, job.Text)
	if err != nil {
		p.handleFailure(fmt.Errorf("writing job: %w", err))
	}
}

func (p *Process) handleLine(stream Stream, line string) {
	line = strings.TrimRight(line, "\r")
	kind := classify(line)

	if kind == lineCrash {
		p.handleCrash(line)

		return
	}

	if stream == Stderr || kind == lineBlank {
		return
	}

	switch {
	case p.state == StateExited || p.state == StateSegfault:
		// Trailing output from a process that is already going away.
	case p.state == StateInit && kind == lineReady:
		p.log.Info(logFmtReady, p.id, p.Pid())
		p.transition(StateReady)
	case p.state == StateRunning && p.job != nil && kind == lineSuccess:
		p.handleSuccess()
	case p.state == StateRunning && p.job != nil && kind == lineError:
		p.handleEngineError(line)
	default:
		p.handleUnexpected(line)
	}
}

func (p *Process) handleSuccess() {
	job := p.job
	latency := time.Since(p.started)

	p.log.Info(logFmtSucceeded, p.id, p.Pid(), job.Dest, latency)
	p.job = nil
	job.Resolve()
	p.observer.JobSucceeded(latency)
	// The engine announces readiness again before taking the next job.
	p.transition(StateInit)
}

func (p *Process) handleEngineError(line string) {
	p.log.Error(logFmtEngineError, p.id, p.Pid(), p.job.Dest, line)
	p.rejectBound(fmt.Errorf("%w: %s", engine.ErrEngine, line))
	// The engine exits on its own after an error; make sure of it.
	p.kill()
	p.transition(StateError)
}

func (p *Process) handleCrash(line string) {
	if p.state == StateExited || p.state == StateSegfault {
		p.log.Warn(logFmtTrailingCrash, p.id, p.Pid(), p.state, line)

		return
	}

	p.log.Error(logFmtCrash, p.id, p.Pid(), p.state, line)
	p.rejectBound(fmt.Errorf("%w: %s", engine.ErrCrash, line))
	p.kill()
	p.transition(StateSegfault)
}

func (p *Process) handleUnexpected(line string) {
	p.log.Error(logFmtUnexpected, p.id, p.Pid(), p.state, line)
	p.rejectBound(fmt.Errorf("%w: %q", engine.ErrProtocol, line))
	p.kill()
}

func (p *Process) handleExit(code int) {
	if p.state == StateExited {
		return
	}

	p.log.Warn(logFmtExited, p.id, p.Pid(), code, p.state)

	if p.timedOut {
		p.rejectBound(fmt.Errorf("%w after %s", engine.ErrTimeout, p.timeouts.Job))
	} else {
		p.rejectBound(fmt.Errorf("%w with code %d", engine.ErrExited, code))
	}

	p.transition(StateExited)
}

func (p *Process) handleFailure(err error) {
	p.log.Error(logFmtProcessError, p.id, p.Pid(), err)
	p.rejectBound(fmt.Errorf("%w: %w", engine.ErrProcess, err))

	if p.state.Terminal() {
		return
	}

	p.kill()
	p.transition(StateError)
}

func (p *Process) handleInitTimeout(seq uint64) {
	if !p.initTimer.current(seq) || p.state != StateInit {
		return
	}

	p.initTimer.cancel()
	p.log.Warn(logFmtInitTimeout, p.id, p.Pid(), p.timeouts.Init)
	p.kill()
}

func (p *Process) handleJobTimeout(seq uint64) {
	if !p.jobTimer.current(seq) || p.state != StateRunning {
		return
	}

	p.jobTimer.cancel()

	dest := ""
	if p.job != nil {
		dest = p.job.Dest
	}

	p.log.Warn(logFmtJobTimeout, p.id, p.Pid(), dest, p.timeouts.Job)
	p.timedOut = true
	p.kill()
}

// transition moves to state to, cancelling the timer owned by the state being
// left and running the entry actions of the new one.
func (p *Process) transition(to State) {
	from := p.state
	if from == to {
		return
	}

	switch from {
	case StateInit:
		p.initTimer.cancel()
	case StateRunning:
		p.jobTimer.cancel()
	case StateReady, StateError, StateExited, StateSegfault:
	}

	p.state = to

	switch to {
	case StateInit:
		p.armInitTimer()
	case StateRunning:
		p.jobTimer.arm(p.timeouts.Job, func(seq uint64) {
			p.post(event{proc: p, kind: eventJobTimeout, seq: seq})
		})
	case StateReady:
		p.listener.processReady(p)
	case StateError, StateExited, StateSegfault:
		p.initTimer.cancel()
		p.jobTimer.cancel()
		p.listener.processTerminal(p)
	}
}

func (p *Process) armInitTimer() {
	p.initTimer.arm(p.timeouts.Init, func(seq uint64) {
		p.post(event{proc: p, kind: eventInitTimeout, seq: seq})
	})
}

func (p *Process) rejectBound(err error) {
	if p.job == nil {
		return
	}

	job := p.job
	p.job = nil
	p.rejectJob(job, err)
}

func (p *Process) rejectJob(job *engine.Job, err error) {
	job.Reject(err)
	p.observer.JobFailed(engine.Code(err))
}

// stop is used at pool shutdown: timers are dropped, the bound job is
// rejected and the subprocess killed without further state transitions.
func (p *Process) stop(err error) {
	p.initTimer.cancel()
	p.jobTimer.cancel()
	p.rejectBound(err)
	p.kill()
}

func (p *Process) kill() {
	if p.handle == nil {
		return
	}

	err := p.handle.Kill()
	if err != nil {
		p.log.Warn(logFmtKillFailed, p.id, p.Pid(), err)
	}
}
