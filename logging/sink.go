package logging

import "sync/atomic"

// Sink accepts leveled, optionally error-carrying log messages.
// Implementations must be safe for concurrent use.
type Sink interface {
	Log(level Level, msg string, err error)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(level Level, msg string, err error)

// Log implements Sink.
func (f SinkFunc) Log(level Level, msg string, err error) {
	f(level, msg, err)
}

type discard struct{}

func (discard) Log(Level, string, error) {}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type target struct {
	sink  Sink
	level Level
}

// Redirect is a Sink that forwards to a swappable target, filtering by a
// minimum level. The target and level are replaced together in one atomic
// store, so a concurrent Log sees either the old pair or the new one.
type Redirect struct {
	t atomic.Pointer[target]
}

// NewRedirect creates a Redirect forwarding to sink at the given minimum level.
// A nil sink is treated as Discard.
func NewRedirect(sink Sink, level Level) *Redirect {
	r := &Redirect{}
	r.Swap(sink, level)
	return r
}

// Log implements Sink.
func (r *Redirect) Log(level Level, msg string, err error) {
	t := r.t.Load()
	if t == nil || !Enabled(level, t.level) {
		return
	}
	t.sink.Log(level, msg, err)
}

// Enabled reports whether a message at level would be forwarded.
func (r *Redirect) Enabled(level Level) bool {
	t := r.t.Load()
	return t != nil && Enabled(level, t.level)
}

// Swap replaces the target and level, returning the previous pair.
func (r *Redirect) Swap(sink Sink, level Level) (Sink, Level) {
	if sink == nil {
		sink = Discard
	}
	old := r.t.Swap(&target{sink: sink, level: level})
	if old == nil {
		return Discard, LevelOff
	}
	return old.sink, old.level
}

// SetSink replaces the target, keeping the current level.
func (r *Redirect) SetSink(sink Sink) {
	if sink == nil {
		sink = Discard
	}
	for {
		old := r.t.Load()
		next := &target{sink: sink, level: LevelOff}
		if old != nil {
			next.level = old.level
		}
		if r.t.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetLevel replaces the minimum level, keeping the current target.
func (r *Redirect) SetLevel(level Level) {
	for {
		old := r.t.Load()
		next := &target{sink: Discard, level: level}
		if old != nil {
			next.sink = old.sink
		}
		if r.t.CompareAndSwap(old, next) {
			return
		}
	}
}

// Sink returns the current target.
func (r *Redirect) Sink() Sink {
	if t := r.t.Load(); t != nil {
		return t.sink
	}
	return Discard
}

// Level returns the current minimum level.
func (r *Redirect) Level() Level {
	if t := r.t.Load(); t != nil {
		return t.level
	}
	return LevelOff
}
