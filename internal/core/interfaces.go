// Package core defines the interfaces shared between the dispatch engine and
// the surfaces built around it.
package core

import (
	"context"
	"time"
)

// Request decisions, one per call to Synthesizer.Handle. The values match the
// labels used by the request log and metrics.
const (
	DecisionRedirect            = "REDIRECT"
	DecisionAttachToPending     = "ATTACH_TO_PENDING"
	DecisionQueueNew            = "QUEUE_NEW"
	DecisionRejectCachedFailure = "REJECT_CACHED_FAILURE"
	DecisionRejectInvalid       = "REJECT_INVALID"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Synthesizer renders text into an artifact at dest. It returns the decision
// taken for the request and nil once the artifact exists at dest.
type Synthesizer interface {
	Handle(ctx context.Context, key, text, dest string) (string, error)
}

// Observer receives notifications at well-defined points of a job's and a
// worker's life. Implementations must be safe for concurrent use and must not
// block.
type Observer interface {
	RequestHandled(decision string)
	JobQueued()
	JobStarted()
	JobSucceeded(latency time.Duration)
	JobFailed(code string)
	ArtifactRendered()
	WorkerSpawned()
	WorkerRemoved(state string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

// RequestHandled implements Observer.
func (NopObserver) RequestHandled(string) {}

// JobQueued implements Observer.
func (NopObserver) JobQueued() {}

// JobStarted implements Observer.
func (NopObserver) JobStarted() {}

// JobSucceeded implements Observer.
func (NopObserver) JobSucceeded(time.Duration) {}

// JobFailed implements Observer.
func (NopObserver) JobFailed(string) {}

// ArtifactRendered implements Observer.
func (NopObserver) ArtifactRendered() {}

// WorkerSpawned implements Observer.
func (NopObserver) WorkerSpawned() {}

// WorkerRemoved implements Observer.
func (NopObserver) WorkerRemoved(string) {}
