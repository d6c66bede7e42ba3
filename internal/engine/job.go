package engine

import (
	"context"
	"fmt"
	"sync"
)

// Completion is a one-shot result handle. The first call to Resolve or Reject
// settles it; any later call is ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion returns an unsettled completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve settles the completion successfully.
func (c *Completion) Resolve() {
	c.settle(nil)
}

// Reject settles the completion with err.
func (c *Completion) Reject(err error) {
	c.settle(err)
}

func (c *Completion) settle(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the settlement error. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Settled reports whether the completion has been resolved or rejected.
func (c *Completion) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the completion settles or ctx is done. Giving up on the
// wait does not affect the underlying work.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for synthesis: %w", ctx.Err())
	}
}

// Job is one unit of synthesis work. It is created by the coordinator,
// consumed by exactly one worker and never reused.
type Job struct {
	*Completion

	// Key is the content key of Text.
	Key string
	// Dest is the path the engine writes the artifact to.
	Dest string
	// Text is passed to the engine verbatim.
	Text string
}

// NewJob creates an unsettled job.
func NewJob(key, dest, text string) *Job {
	return &Job{
		Completion: NewCompletion(),
		Key:        key,
		Dest:       dest,
		Text:       text,
	}
}
