// Package engine defines the job and error types shared by the worker pool
// and the request coordinator.
package engine

import (
	"errors"
)

// Error kind codes. The front-end maps these to transport status codes.
const (
	CodeQueueFull     = "QUEUE_FULL"
	CodeNotReady      = "DECWAV_NOT_READY"
	CodeExited        = "DECWAV_EXITED"
	CodeTimeout       = "DECWAV_TIMEOUT"
	CodeEngine        = "DECWAV_ERROR"
	CodeProcess       = "DECWAV_PROC_ERROR"
	CodeCrash         = "DECWAV_CRASH"
	CodeProtocol      = "DECWAV_PROTOCOL_ERROR"
	CodePoolClosed    = "POOL_CLOSED"
	CodePromoteFailed = "PROMOTE_FAILED"
	CodeUnknown       = "UNKNOWN"
)

var (
	// ErrQueueFull is returned when the backlog is at its maximum depth.
	ErrQueueFull = errors.New("TTS queue is full")
	// ErrNotReady is returned when a job is handed to a worker that is not idle.
	ErrNotReady = errors.New("TTS process not ready to accept requests")
	// ErrExited is returned when the engine exits without answering.
	ErrExited = errors.New("TTS process exited")
	// ErrTimeout is returned when a job exceeds the per-job timeout.
	ErrTimeout = errors.New("TTS process timed out")
	// ErrEngine is returned when the engine reports an explicit failure.
	ErrEngine = errors.New("TTS process failed")
	// ErrProcess is returned on spawn or pipe level failures.
	ErrProcess = errors.New("TTS process errored")
	// ErrCrash is returned when the engine emits a fault signature.
	ErrCrash = errors.New("TTS process crashed")
	// ErrProtocol is returned when the engine emits unexpected output.
	ErrProtocol = errors.New("TTS process sent unexpected data")
	// ErrPoolClosed is returned for jobs submitted to or left in a stopped pool.
	ErrPoolClosed = errors.New("TTS worker pool is closed")
	// ErrPromote is returned when a rendered artifact cannot be moved into place.
	ErrPromote = errors.New("failed to promote rendered artifact")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrQueueFull, CodeQueueFull},
	{ErrNotReady, CodeNotReady},
	{ErrExited, CodeExited},
	{ErrTimeout, CodeTimeout},
	{ErrEngine, CodeEngine},
	{ErrProcess, CodeProcess},
	{ErrCrash, CodeCrash},
	{ErrProtocol, CodeProtocol},
	{ErrPoolClosed, CodePoolClosed},
	{ErrPromote, CodePromoteFailed},
}

var messages = map[string]string{
	CodeQueueFull: "The server is too busy to process your request right now.  Please try again later.",
	CodeNotReady:  "Internal error: request submitted but process is not ready.",
	CodeExited:    "Internal error: the TTS engine exited unexpectedly.",
	CodeTimeout: "The TTS engine timed out while processing your request.  " +
		"You may have entered an unusual input that took too long to speak.",
	CodeEngine:        "Internal error: the TTS engine failed.",
	CodeProcess:       "Internal error: the TTS engine could not be executed.",
	CodeCrash:         "The TTS engine crashed while processing your request.",
	CodeProtocol:      "Internal error: the TTS engine returned an unexpected response.",
	CodePoolClosed:    "The TTS service is shutting down.",
	CodePromoteFailed: "Internal error: the rendered file could not be saved.",
	CodeUnknown:       "Internal error.",
}

// Code returns the kind code of err, or CodeUnknown if err is not one of the
// engine errors. A nil error has no code.
func Code(err error) string {
	if err == nil {
		return ""
	}

	for _, kind := range kinds {
		if errors.Is(err, kind.err) {
			return kind.code
		}
	}

	return CodeUnknown
}

// Message returns the user-facing message for a kind code.
func Message(code string) string {
	msg, ok := messages[code]
	if !ok {
		return messages[CodeUnknown]
	}

	return msg
}

// Cacheable reports whether err is deterministic enough to be remembered in
// the failure cache.
func Cacheable(err error) bool {
	return errors.Is(err, ErrExited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCrash)
}
