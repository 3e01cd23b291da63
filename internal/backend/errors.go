package backend

import (
	"errors"
	"strings"
)

// ErrStateUnsupported is returned by executors that keep no state.
var ErrStateUnsupported = errors.New("executor does not support state persistence")

// invalidBackendError signals an unknown backend kind.
type invalidBackendError struct{ kind string }

func (e invalidBackendError) Error() string { return "invalid backend: " + e.kind }

func ErrInvalidBackend(kind string) error { return invalidBackendError{kind: kind} }

// IsInvalidBackend reports whether err names an unknown backend kind.
func IsInvalidBackend(err error) bool {
	var e invalidBackendError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// OutOfMemoryError reports that the runtime could not allocate what a load
// or generation needed.
type OutOfMemoryError struct {
	Op     string
	Detail string
}

func (e *OutOfMemoryError) Error() string {
	if e.Detail == "" {
		return e.Op + ": out of memory"
	}
	return e.Op + ": out of memory: " + e.Detail
}

// classify converts runtime failures that mention memory exhaustion into
// OutOfMemoryError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "failed to allocate") || strings.Contains(msg, "cudamalloc failed") {
		return &OutOfMemoryError{Op: op, Detail: err.Error()}
	}
	return err
}
