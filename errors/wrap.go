package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. An *Error keeps its code, environment and task ID;
// anything else becomes an internal error.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var envErr *Error
	if errors.As(err, &envErr) {
		wrapped := &Error{
			code:     envErr.code,
			category: envErr.category,
			message:  message,
			cause:    err,
			envID:    envErr.envID,
			taskID:   envErr.taskID,
			fields:   envErr.Metadata(),
			at:       envErr.at,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	return New(CodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsError extracts an *Error from an error chain.
// Returns nil if none is found.
func AsError(err error) *Error {
	var envErr *Error
	if errors.As(err, &envErr) {
		return envErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsCategory checks if the outermost *Error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if e := AsError(err); e != nil {
		return e.category == category
	}
	return false
}

// IsUsage checks if the error is a usage error.
func IsUsage(err error) bool {
	return IsCategory(err, CategoryUsage)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not an *Error.
func Code(err error) ErrorCode {
	if e := AsError(err); e != nil {
		return e.code
	}
	return ""
}

// TaskID extracts the task ID from an error, if available.
func TaskID(err error) string {
	if e := AsError(err); e != nil {
		return e.taskID
	}
	return ""
}

// EnvironmentID extracts the Environment ID from an error, if available.
func EnvironmentID(err error) string {
	if e := AsError(err); e != nil {
		return e.envID
	}
	return ""
}

// Op returns the innermost lifecycle operation recorded in the chain.
// Wrap does not copy it, so the rendered message names it only once.
func Op(err error) string {
	op := ""
	for err != nil {
		if e, ok := err.(*Error); ok && e.op != "" {
			op = e.op
		}
		err = errors.Unwrap(err)
	}
	return op
}
