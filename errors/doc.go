// Package errors provides the structured error taxonomy used by envkit.
//
// # Error Categories
//
// Errors are classified into three categories:
//
//   - Usage: the caller broke a contract (unbalanced release, duplicate task
//     registration, out-of-range timeout). These fail fast at the call site.
//   - Teardown: a single tracked operation misbehaved while an environment was
//     being drained. These are logged and never stop the drain.
//   - Internal: unexpected failures, including recovered panics.
//
// A drain that runs out of time is not an error. It is reported as a result
// value by the environment package.
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.CodeDuplicateTask, "task already registered",
//	    errors.WithTaskID(id))
//
// Wrap an existing error with context:
//
//	wrapped := errors.WrapWithCode(err, errors.CodeFactoryFailed, "building environment")
//
// Sentinels compare by code, so the standard library works:
//
//	if stderrors.Is(err, environment.ErrUnbalancedRelease) {
//	    // ...
//	}
package errors
