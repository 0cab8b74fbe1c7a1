package environment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/tasks"
	"github.com/vinayprograms/envkit/telemetry"
)

// Factory builds the shared Environment on first acquisition.
type Factory func() (*Environment, error)

// Registry holds at most one shared Environment and the number of scopes
// referencing it. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu    sync.Mutex
	env   *Environment
	count int
}

// NewRegistry creates an empty Registry. Tests use their own registry
// instead of Default for isolation.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide Registry.
func Default() *Registry {
	return defaultRegistry
}

// Acquire acquires a scope from the process-wide Registry.
func Acquire(factory Factory) (*Scope, bool, error) {
	return defaultRegistry.Acquire(factory)
}

// Acquire returns a new Scope over the shared Environment, calling factory
// to build it if no scope is outstanding. created reports whether factory
// was called. If factory fails, panics, or returns nil, the registry is left
// unchanged and an ErrFactoryFailed error is returned.
func (r *Registry) Acquire(factory Factory) (scope *Scope, created bool, err error) {
	if factory == nil {
		return nil, false, errors.New(errors.CodeFactoryFailed, "environment factory is nil", errors.WithOp("acquire"))
	}

	r.mu.Lock()
	env := r.env
	if r.count == 0 {
		env, err = build(factory)
		if err != nil {
			r.mu.Unlock()
			return nil, false, err
		}
		r.env = env
		created = true
	}
	r.count++
	count := r.count
	r.mu.Unlock()

	if created {
		env.events.LogEvent(telemetry.EventEnvironmentCreated, map[string]interface{}{
			"id":   env.id,
			"name": env.name,
		})
		env.Debug(fmt.Sprintf("environment %s created", env.label()))
	} else {
		env.Debug(fmt.Sprintf("environment %s reused (%d scopes)", env.label(), count))
	}
	return newScope(r, env), created, nil
}

func build(factory Factory) (env *Environment, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = nil
			err = errors.WrapWithCode(errors.RecoverPanic(r), errors.CodeFactoryFailed, "environment factory panicked", errors.WithOp("acquire"))
		}
	}()

	env, err = factory()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeFactoryFailed, "environment factory failed", errors.WithOp("acquire"))
	}
	if env == nil {
		return nil, errors.New(errors.CodeFactoryFailed, "environment factory returned nil", errors.WithOp("acquire"))
	}
	return env, nil
}

// Release releases one reference to the current Environment. When the last
// reference is released the Environment is disposed with the given
// timeouts, outside the registry lock.
//
// Releasing with no outstanding references returns ErrUnbalancedRelease.
// On error nothing is changed and the Result is ResultAlreadyReleased.
func (r *Registry) Release(ctx context.Context, waiting, canceling time.Duration) (Result, error) {
	return r.release(ctx, nil, waiting, canceling)
}

// release decrements the count. A non-nil env must be the current
// Environment; a scope from an earlier generation is unbalanced.
func (r *Registry) release(ctx context.Context, env *Environment, waiting, canceling time.Duration) (Result, error) {
	if err := validateTimeouts(waiting, canceling); err != nil {
		return ResultAlreadyReleased, err
	}

	r.mu.Lock()
	if r.count == 0 || (env != nil && r.env != env) {
		r.mu.Unlock()
		opts := []errors.Option{errors.WithOp("release")}
		if env != nil {
			opts = append(opts, errors.WithEnvironment(env.id))
		}
		return ResultAlreadyReleased, errors.New(errors.CodeUnbalancedRelease, "release without matching acquire", opts...)
	}
	r.count--
	current := r.env
	if r.count > 0 {
		count := r.count
		r.mu.Unlock()

		current.events.LogEvent(telemetry.EventScopeReleased, map[string]interface{}{
			"id":     current.id,
			"result": ResultInUse.String(),
			"scopes": count,
		})
		return ResultInUse, nil
	}
	r.env = nil
	r.mu.Unlock()

	result := ResultTimeout
	if current.DisposeWithTimeouts(ctx, waiting, canceling) {
		result = ResultCompleted
	}
	current.events.LogEvent(telemetry.EventScopeReleased, map[string]interface{}{
		"id":     current.id,
		"result": result.String(),
		"scopes": 0,
	})
	return result, nil
}

func validateTimeouts(waiting, canceling time.Duration) error {
	if err := tasks.ValidateTimeout(waiting); err != nil {
		return errors.Wrap(err, "waiting timeout")
	}
	if err := tasks.ValidateTimeout(canceling); err != nil {
		return errors.Wrap(err, "canceling timeout")
	}
	return nil
}

// Count returns the number of outstanding scopes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Current returns the shared Environment, or nil if none is held.
func (r *Registry) Current() *Environment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env
}
