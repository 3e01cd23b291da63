package scheduler

import "errors"

// ErrClosed is returned once the scheduler has been closed.
var ErrClosed = errors.New("scheduler closed")

// tooBusyError signals a full dispatch queue for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// invalidModelDefinitionError rejects a model the scheduler cannot serve.
type invalidModelDefinitionError struct{ msg string }

func (e invalidModelDefinitionError) Error() string { return "invalid model definition: " + e.msg }

func ErrInvalidModelDefinition(msg string) error { return invalidModelDefinitionError{msg: msg} }

// IsInvalidModelDefinition reports whether err rejects a model definition.
// Unknown model ids count as invalid definitions too.
func IsInvalidModelDefinition(err error) bool {
	var e invalidModelDefinitionError
	return errors.As(err, &e) || IsModelNotFound(err)
}

type instanceNotFoundError struct{ id string }

func (e instanceNotFoundError) Error() string { return "instance not found: " + e.id }

func ErrInstanceNotFound(id string) error { return instanceNotFoundError{id: id} }

// IsInstanceNotFound reports whether err names an unregistered instance id.
func IsInstanceNotFound(err error) bool {
	var e instanceNotFoundError
	return errors.As(err, &e)
}
