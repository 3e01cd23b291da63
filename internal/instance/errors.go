package instance

import (
	"errors"
	"fmt"
)

var (
	// ErrWeightsAlreadyLoaded is a caller contract violation: weights are
	// loaded at most once per residency.
	ErrWeightsAlreadyLoaded = errors.New("model weights already loaded")
	// ErrAlreadyRunning is returned by StartInference while a run is active.
	ErrAlreadyRunning = errors.New("inference already running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("instance closed")
)

// PromptTooLongError reports a prompt that would not leave room for the
// requested completion inside the context window.
type PromptTooLongError struct {
	Tokens int
	Limit  int
}

func (e *PromptTooLongError) Error() string {
	return fmt.Sprintf("prompt too long: %d tokens exceeds limit of %d", e.Tokens, e.Limit)
}

func (e *PromptTooLongError) Kind() string { return "PromptTooLong" }

// PanicError wraps a panic raised by a backend during generation.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return fmt.Sprintf("backend panic: %v", e.Value) }

func (e *PanicError) Kind() string { return "Panic" }
