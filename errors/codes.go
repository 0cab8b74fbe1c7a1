package errors

// ErrorCategory classifies errors by who is at fault and how they are handled.
type ErrorCategory string

const (
	// CategoryUsage indicates the caller violated an API contract.
	CategoryUsage ErrorCategory = "usage"

	// CategoryTeardown indicates a tracked operation failed while being drained.
	CategoryTeardown ErrorCategory = "teardown"

	// CategoryInternal indicates unexpected errors, bugs, or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Usage errors
	CodeUnbalancedRelease ErrorCode = "UNBALANCED_RELEASE" // Release without a matching Acquire
	CodeDuplicateTask     ErrorCode = "DUPLICATE_TASK"     // Task ID already registered
	CodeInvalidTask       ErrorCode = "INVALID_TASK"       // Missing task ID or cancel handle
	CodeInvalidTimeout    ErrorCode = "INVALID_TIMEOUT"    // Negative timeout other than Infinite
	CodeInvalidConfig     ErrorCode = "INVALID_CONFIG"     // Configuration value out of range
	CodeDisposed          ErrorCode = "DISPOSED"           // Environment already disposed

	// Teardown errors
	CodeCancelFailed ErrorCode = "CANCEL_FAILED" // Cancel handle returned an error or panicked
	CodeTaskFailed   ErrorCode = "TASK_FAILED"   // Background operation returned an error
	CodeDrainTimeout ErrorCode = "DRAIN_TIMEOUT" // Tasks abandoned after the canceling timeout

	// Internal errors
	CodeFactoryFailed ErrorCode = "FACTORY_FAILED" // Environment factory failed
	CodePanic         ErrorCode = "PANIC"          // Recovered from panic
	CodeInternal      ErrorCode = "INTERNAL"       // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case CodeUnbalancedRelease, CodeDuplicateTask, CodeInvalidTask,
		CodeInvalidTimeout, CodeInvalidConfig, CodeDisposed:
		return CategoryUsage
	case CodeCancelFailed, CodeTaskFailed, CodeDrainTimeout:
		return CategoryTeardown
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	CodeUnbalancedRelease: "release without matching acquire",
	CodeDuplicateTask:     "task already registered",
	CodeInvalidTask:       "invalid task registration",
	CodeInvalidTimeout:    "timeout out of range",
	CodeInvalidConfig:     "invalid configuration",
	CodeDisposed:          "environment already disposed",
	CodeCancelFailed:      "task cancellation failed",
	CodeTaskFailed:        "background task failed",
	CodeDrainTimeout:      "environment drain timed out",
	CodeFactoryFailed:     "environment factory failed",
	CodePanic:             "recovered from panic",
	CodeInternal:          "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
