// Package coordinator turns synthesis requests into pool jobs. It collapses
// concurrent requests for the same content, short-circuits requests whose
// artifact already exists and remembers inputs that reliably break the engine.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/engine"
)

// Log formats.
const (
	logFmtCachedFailure = "rejecting %s: cached failure: %v"
	logFmtAttach        = "attaching request to pending task for %s"
	logFmtRedirect      = "file %s already exists; redirecting request"
	logFmtQueueNew      = "queueing a new task for %s"
	logFmtStatFailed    = "checking artifact %s: %v"
	logFmtRendered      = "rendered %s"
	logFmtFailed        = "synthesis of %s failed: %v"
	logFmtRemembered    = "remembering failure for %s"
	logFmtDiscardFailed = "discarding %s: %v"
)

// Submitter accepts jobs. The outcome is reported through the job itself.
type Submitter interface {
	Submit(job *engine.Job)
}

// Artifacts is the filesystem side of a request.
type Artifacts interface {
	Exists(path string) (bool, error)
	TempPath(dest string) string
	Promote(tmp, dest string) error
	Discard(tmp string) error
}

// Coordinator implements core.Synthesizer on top of a job pool.
type Coordinator struct {
	pool      Submitter
	artifacts Artifacts
	observer  core.Observer
	log       *logger.Logger

	mu       sync.Mutex
	failures *FailureCache
	pending  map[string]*engine.Completion
}

var _ core.Synthesizer = (*Coordinator)(nil)

// New creates a coordinator. A nil observer is replaced by core.NopObserver.
func New(
	pool Submitter,
	artifacts Artifacts,
	failures *FailureCache,
	observer core.Observer,
	log *logger.Logger,
) *Coordinator {
	if observer == nil {
		observer = core.NopObserver{}
	}

	return &Coordinator{
		pool:      pool,
		artifacts: artifacts,
		observer:  observer,
		log:       log,
		failures:  failures,
		pending:   make(map[string]*engine.Completion),
	}
}

// Handle makes sure the artifact for key exists at dest. It returns the
// decision taken and, once the artifact is in place, a nil error. ctx bounds
// only this caller's wait: the underlying job keeps running and its outcome
// is still shared with other callers and the failure cache.
func (c *Coordinator) Handle(ctx context.Context, key, text, dest string) (string, error) {
	admitted := c.admit(key, text, dest)
	c.observer.RequestHandled(admitted.decision)

	if admitted.err != nil || admitted.completion == nil {
		return admitted.decision, admitted.err
	}

	return admitted.decision, admitted.completion.Wait(ctx)
}

// Pending returns the number of keys with a job in flight.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// admission is the outcome of admitting one request.
type admission struct {
	decision   string
	completion *engine.Completion
	err        error
}

func (c *Coordinator) admit(key, text, dest string) admission {
	c.mu.Lock()
	known, found := c.lookup(key)
	c.mu.Unlock()

	if found {
		c.logKnown(key, known)

		return known
	}

	// The stat runs unlocked so a slow disk only delays this request.
	exists, err := c.artifacts.Exists(dest)
	if err != nil {
		c.log.Warn(logFmtStatFailed, dest, err)
	}

	if exists {
		c.log.Info(logFmtRedirect, dest)

		return admission{decision: core.DecisionRedirect}
	}

	c.mu.Lock()

	// Another request for key may have been admitted during the stat.
	known, found = c.lookup(key)
	if found {
		c.mu.Unlock()
		c.logKnown(key, known)

		return known
	}

	job := engine.NewJob(key, c.artifacts.TempPath(dest), text)
	completion := engine.NewCompletion()
	c.pending[key] = completion
	c.mu.Unlock()

	c.log.Info(logFmtQueueNew, key)

	go c.settle(job, completion, dest)

	c.pool.Submit(job)

	return admission{decision: core.DecisionQueueNew, completion: completion}
}

// lookup answers a request from the failure cache or the pending registry.
// c.mu must be held.
func (c *Coordinator) lookup(key string) (admission, bool) {
	cached := c.failures.Get(key)
	if cached != nil {
		return admission{decision: core.DecisionRejectCachedFailure, err: cached}, true
	}

	if completion, ok := c.pending[key]; ok {
		return admission{decision: core.DecisionAttachToPending, completion: completion}, true
	}

	return admission{}, false
}

func (c *Coordinator) logKnown(key string, known admission) {
	if known.err != nil {
		c.log.Warn(logFmtCachedFailure, key, known.err)

		return
	}

	c.log.Info(logFmtAttach, key)
}

// settle waits for the job, moves its artifact into place and publishes the
// outcome to every caller attached to the key.
func (c *Coordinator) settle(job *engine.Job, completion *engine.Completion, dest string) {
	<-job.Done()

	err := job.Err()
	if err == nil {
		err = c.artifacts.Promote(job.Dest, dest)
		if err != nil {
			err = fmt.Errorf("%w: %w", engine.ErrPromote, err)
		}
	}

	if err != nil {
		discardErr := c.artifacts.Discard(job.Dest)
		if discardErr != nil {
			c.log.Warn(logFmtDiscardFailed, job.Dest, discardErr)
		}
	}

	c.mu.Lock()
	delete(c.pending, job.Key)

	remember := err != nil && engine.Cacheable(err)
	if remember {
		c.failures.Put(job.Key, err)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error(logFmtFailed, job.Key, err)

		if remember {
			c.log.Info(logFmtRemembered, job.Key)
		}

		completion.Reject(err)

		return
	}

	c.log.Info(logFmtRendered, dest)
	c.observer.ArtifactRendered()
	completion.Resolve()
}
