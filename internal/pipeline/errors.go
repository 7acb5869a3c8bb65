package pipeline

import "fmt"

// ValidationError rejects a job before any provider call. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientProviderError wraps a provider failure worth retrying
// (timeouts, 5xx, connection resets).
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// RenderTimeoutError means the render outlived the polling budget. It is
// terminal and kept distinct from a provider-reported failure so callers
// can tell "gave up waiting" from "the render broke".
type RenderTimeoutError struct {
	Handle   string
	Attempts int
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render timed out after %d polls (operation %s)", e.Attempts, e.Handle)
}

// RenderFailedError carries the provider's own failure message. Terminal.
type RenderFailedError struct {
	Handle string
	Reason string
}

func (e *RenderFailedError) Error() string {
	return fmt.Sprintf("render failed (operation %s): %s", e.Handle, e.Reason)
}

// StorageError wraps an artifact upload/download failure. Retryable.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ScoringError wraps a scorer failure. Scoring is best effort: the video
// still goes ready, the error only shows up in the task trail.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string { return fmt.Sprintf("scoring: %v", e.Err) }

func (e *ScoringError) Unwrap() error { return e.Err }
