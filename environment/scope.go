package environment

import (
	"context"
	"sync/atomic"
	"time"
)

// Scope is one unit of ownership over the shared Environment. Disposing it
// returns that unit to the Registry exactly once, however many times and
// from however many goroutines Dispose is called.
type Scope struct {
	registry *Registry
	env      atomic.Pointer[Environment]
}

func newScope(r *Registry, env *Environment) *Scope {
	s := &Scope{registry: r}
	s.env.Store(env)
	return s
}

// Environment returns the held Environment, or nil once released.
func (s *Scope) Environment() *Environment {
	return s.env.Load()
}

// Released reports whether the scope has been released.
func (s *Scope) Released() bool {
	return s.env.Load() == nil
}

// Dispose releases the scope using the Environment's configured dispose
// timeouts. Errors are those of DisposeWithTimeouts.
func (s *Scope) Dispose(ctx context.Context) (Result, error) {
	env := s.env.Load()
	if env == nil {
		return ResultAlreadyReleased, nil
	}
	waiting, canceling := env.DisposeTimeouts()
	return s.DisposeWithTimeouts(ctx, waiting, canceling)
}

// DisposeWithTimeouts releases the scope. If this was the last scope the
// Environment is drained with the given timeouts.
//
// Out-of-range timeouts are rejected before the scope is touched, so the
// caller can retry. A registry that no longer holds this scope's
// Environment yields ErrUnbalancedRelease; the scope is still consumed.
func (s *Scope) DisposeWithTimeouts(ctx context.Context, waiting, canceling time.Duration) (Result, error) {
	if err := validateTimeouts(waiting, canceling); err != nil {
		return ResultAlreadyReleased, err
	}

	env := s.env.Swap(nil)
	if env == nil {
		return ResultAlreadyReleased, nil
	}

	result, err := s.registry.release(ctx, env, waiting, canceling)
	if err != nil {
		return ResultAlreadyReleased, err
	}
	return result, nil
}

// OnShutdown releases the scope with the Environment's configured timeouts.
// When ctx has a deadline the grace phase is shortened so that the canceling
// phase still fits before it. It returns ErrDrainTimeout if the release tore
// the Environment down but tasks were abandoned.
func (s *Scope) OnShutdown(ctx context.Context) error {
	env := s.env.Load()
	if env == nil {
		return nil
	}
	waiting, canceling := env.DisposeTimeouts()
	if deadline, ok := ctx.Deadline(); ok {
		waiting = graceBefore(deadline, waiting, canceling)
	}
	result, err := s.DisposeWithTimeouts(ctx, waiting, canceling)
	if err != nil {
		return err
	}
	if result == ResultTimeout {
		return ErrDrainTimeout
	}
	return nil
}

// graceBefore bounds the grace phase so that grace plus canceling ends by
// deadline. An Infinite canceling phase leaves nothing to reserve.
func graceBefore(deadline time.Time, waiting, canceling time.Duration) time.Duration {
	budget := time.Until(deadline)
	if canceling != Infinite {
		budget -= canceling
	}
	if budget < 0 {
		budget = 0
	}
	if waiting == Infinite || waiting > budget {
		return budget
	}
	return waiting
}
