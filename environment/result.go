package environment

import (
	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/tasks"
)

// Infinite is the timeout sentinel meaning "wait without bound".
const Infinite = tasks.Infinite

// Result is the outcome of releasing a scope.
type Result int

const (
	// ResultCompleted means the environment was disposed and fully drained.
	ResultCompleted Result = iota

	// ResultTimeout means the environment was disposed but some tasks were
	// still running when the canceling timeout elapsed.
	ResultTimeout

	// ResultInUse means other scopes still hold the environment.
	ResultInUse

	// ResultAlreadyReleased means the scope had already been released.
	ResultAlreadyReleased
)

// String returns the name of the result.
func (r Result) String() string {
	switch r {
	case ResultCompleted:
		return "Completed"
	case ResultTimeout:
		return "Timeout"
	case ResultInUse:
		return "InUse"
	case ResultAlreadyReleased:
		return "AlreadyReleased"
	default:
		return "Unknown"
	}
}

// Common errors. They match by code, so errors.Is works on any error
// carrying the same code.
var (
	// ErrUnbalancedRelease indicates a release without a matching acquire.
	ErrUnbalancedRelease = errors.FromCode(errors.CodeUnbalancedRelease)

	// ErrFactoryFailed indicates the environment factory returned an error,
	// panicked, or returned nil.
	ErrFactoryFailed = errors.FromCode(errors.CodeFactoryFailed)

	// ErrDisposed indicates the environment has already been disposed.
	ErrDisposed = errors.FromCode(errors.CodeDisposed)

	// ErrInvalidTimeout indicates a negative timeout other than Infinite.
	ErrInvalidTimeout = tasks.ErrInvalidTimeout

	// ErrDrainTimeout is returned by Scope.OnShutdown when the final release
	// abandoned tasks.
	ErrDrainTimeout = errors.FromCode(errors.CodeDrainTimeout)
)
