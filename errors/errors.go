package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common error types for categorization and handling

var (
	// ErrNotFound indicates a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid user input
	ErrInvalidInput = errors.New("invalid input")

	// ErrReadOnly indicates an attempt to modify a builtin resource
	ErrReadOnly = errors.New("resource is read-only")

	// ErrServiceUnavailable indicates a required service is unavailable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrLLMCommunication indicates LLM communication failed
	ErrLLMCommunication = errors.New("llm communication failed")

	// ErrAborted indicates the request was cancelled by the user
	ErrAborted = errors.New("request aborted")

	// ErrEmptyResponse indicates the model finished without producing text
	ErrEmptyResponse = errors.New("empty response generated by LLM")

	// ErrModelLoad indicates the engine failed to load or reload a model
	ErrModelLoad = errors.New("model load failed")

	// ErrStaleEngine indicates the engine behind the worker was torn down
	ErrStaleEngine = errors.New("engine is not loaded")

	// ErrBusy indicates the session already has a request in flight
	ErrBusy = errors.New("session is generating")
)

// StaleEngineSignature is the text the engine reports when a chat request
// reaches a worker whose model is gone.
const StaleEngineSignature = "MLCEngine.reload(model)"

// WrapError wraps an error with context message and stack
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapErrorf wraps an error with formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput checks if error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsServiceUnavailable checks if error is a service unavailable error
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// IsAborted reports whether err stems from a user-initiated cancellation.
// Engines do not always wrap their errors, so the "aborted" marker in the
// message text counts as well.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "aborted")
}

// IsStaleEngine reports whether err carries the reload-required signature.
func IsStaleEngine(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStaleEngine) || strings.Contains(err.Error(), StaleEngineSignature)
}

// IsEmptyResponse checks if error is an empty response error
func IsEmptyResponse(err error) bool {
	return errors.Is(err, ErrEmptyResponse)
}

// IsBusy checks if error is a busy error
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsModelLoad checks if error is a model load error
func IsModelLoad(err error) bool {
	return errors.Is(err, ErrModelLoad)
}

// IsReadOnly checks if error is a read-only error
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
