package tasks

import (
	"context"
	"time"

	"github.com/vinayprograms/envkit/errors"
)

// Infinite is the timeout sentinel meaning "wait without bound".
const Infinite time.Duration = -1

// Common errors. They match by code, so errors.Is works on any error
// carrying the same code.
var (
	// ErrDuplicateTask indicates the task ID is already registered.
	ErrDuplicateTask = errors.FromCode(errors.CodeDuplicateTask)

	// ErrInvalidTask indicates a registration without an ID or cancel handle.
	ErrInvalidTask = errors.FromCode(errors.CodeInvalidTask)

	// ErrInvalidTimeout indicates a negative timeout other than Infinite.
	ErrInvalidTimeout = errors.FromCode(errors.CodeInvalidTimeout)

	// ErrCancelFailed indicates a cancel handle returned an error or panicked.
	ErrCancelFailed = errors.FromCode(errors.CodeCancelFailed)
)

// ValidateTimeout rejects negative durations other than Infinite.
func ValidateTimeout(d time.Duration) error {
	if d < 0 && d != Infinite {
		return errors.Newf(errors.CodeInvalidTimeout, "timeout %v out of range (must be >= 0 or Infinite)", d)
	}
	return nil
}

// CancelFunc asks a tracked operation to stop soon. It is a hint: the
// operation decides when, or whether, to honor it.
type CancelFunc func() error

// ContextCancel adapts a context.CancelFunc.
func ContextCancel(cancel context.CancelFunc) CancelFunc {
	return func() error {
		cancel()
		return nil
	}
}

// DrainReport describes the outcome of a Drain.
type DrainReport struct {
	// Completed is true when no operations were tracked at the end.
	Completed bool

	// Initial is the number of tracked operations when the drain started.
	Initial int

	// Canceled is the number of cancel handles invoked in the forced phase.
	Canceled int

	// CancelFailures is the number of handles that returned an error or panicked.
	CancelFailures int

	// Remaining is the number of operations still tracked at the end.
	Remaining int

	// Duration is how long the drain took.
	Duration time.Duration
}
