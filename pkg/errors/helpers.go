package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// Convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// IsRetryable reports whether an error is worth retrying under the step
// retry policy: dispatch failures, timeouts, and resource saturation are
// retryable; validation, compile, and cancellation errors are not.
func IsRetryable(err error) bool {
	var (
		dispatchErr *DispatchError
		timeoutErr  *TimeoutError
		busyErr     *ResourceBusyError
		llmErr      *LLMCallError
		mcpErr      *MCPToolError
		circuitErr  *CircuitOpenError
	)
	switch {
	case errors.As(err, &dispatchErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &busyErr),
		errors.As(err, &llmErr),
		errors.As(err, &mcpErr),
		errors.As(err, &circuitErr):
		return true
	}
	return false
}

// IsNotFound reports whether the error tree contains a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IsCancelled reports whether the error tree contains a RunCancelledError.
func IsCancelled(err error) bool {
	var cancelled *RunCancelledError
	return errors.As(err, &cancelled)
}
