package environment

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/envkit/logging"
	"github.com/vinayprograms/envkit/telemetry"
)

// TestScopeDisposeIdempotent tests that a second Dispose does nothing.
func TestScopeDisposeIdempotent(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()
	s1, _, _ := reg.Acquire(f.build)
	_, _, _ = reg.Acquire(f.build)

	if r, err := s1.Dispose(context.Background()); err != nil || r != ResultInUse {
		t.Fatalf("first Dispose() = %v, want InUse", r)
	}
	if !s1.Released() || s1.Environment() != nil {
		t.Error("scope should be released")
	}
	for i := 0; i < 3; i++ {
		if r, err := s1.Dispose(context.Background()); err != nil || r != ResultAlreadyReleased {
			t.Errorf("repeat Dispose() = %v, %v, want AlreadyReleased", r, err)
		}
	}
	if reg.Count() != 1 {
		t.Errorf("repeat disposes must not touch the registry, count %d", reg.Count())
	}
}

// TestScopeConcurrentDispose tests that racing disposes release once.
func TestScopeConcurrentDispose(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()
	s, _, _ := reg.Acquire(f.build)
	_, _, _ = reg.Acquire(f.build)

	var wg sync.WaitGroup
	var released, already atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch r, _ := s.Dispose(context.Background()); r {
			case ResultAlreadyReleased:
				already.Add(1)
			default:
				released.Add(1)
			}
		}()
	}
	wg.Wait()

	if released.Load() != 1 || already.Load() != 19 {
		t.Errorf("expected 1 release and 19 AlreadyReleased, got %d and %d", released.Load(), already.Load())
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

// TestScopeTimeout tests a task whose cancel handle never completes it.
func TestScopeTimeout(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()
	s, _, _ := reg.Acquire(f.build)
	env := s.Environment()

	var canceled atomic.Int32
	if err := env.Register("stuck", func() error {
		canceled.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r, err := s.DisposeWithTimeouts(context.Background(), 10*time.Millisecond, 10*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if r != ResultTimeout {
		t.Fatalf("Dispose = %v, want Timeout", r)
	}
	if elapsed < 20*time.Millisecond || elapsed > time.Second {
		t.Errorf("dispose took %v, expected about 20ms", elapsed)
	}
	if canceled.Load() != 1 {
		t.Errorf("expected one cancel, got %d", canceled.Load())
	}
	if env.Tasks().Count() != 1 {
		t.Errorf("abandoned task should stay tracked, got %d", env.Tasks().Count())
	}
	if !env.Disposed() {
		t.Error("environment should be disposed despite the timeout")
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

// TestScopeInvalidTimeoutKeepsScope tests that a rejected dispose leaves
// the scope usable.
func TestScopeInvalidTimeoutKeepsScope(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()
	s, _, _ := reg.Acquire(f.build)

	if _, err := s.DisposeWithTimeouts(context.Background(), 0, -time.Second); !stderrors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("expected ErrInvalidTimeout, got %v", err)
	}
	if s.Released() || reg.Count() != 1 {
		t.Fatal("scope must not be consumed by a rejected dispose")
	}

	r, err := s.DisposeWithTimeouts(context.Background(), 0, 0)
	if err != nil || r != ResultCompleted {
		t.Errorf("retry = %v, %v; want Completed", r, err)
	}
}

// TestScopeStaleGeneration tests that a scope cannot release a newer
// generation after an unbalanced registry release stole its reference.
func TestScopeStaleGeneration(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()

	stale, _, _ := reg.Acquire(f.build)

	// Someone releases without owning a scope
	if _, err := reg.Release(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}

	fresh, _, _ := reg.Acquire(f.build)

	r, err := stale.DisposeWithTimeouts(context.Background(), 0, 0)
	if !stderrors.Is(err, ErrUnbalancedRelease) {
		t.Fatalf("expected ErrUnbalancedRelease, got %v", err)
	}
	if r != ResultAlreadyReleased {
		t.Errorf("result = %v, want AlreadyReleased", r)
	}
	if reg.Count() != 1 || fresh.Environment().Disposed() {
		t.Error("the new generation must be untouched")
	}
	if !stale.Released() {
		t.Error("stale scope should be consumed")
	}
}

// TestScopeDisposeAfterRegistryTeardown tests that Dispose reports a release
// the registry no longer accounts for.
func TestScopeDisposeAfterRegistryTeardown(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory()

	s, _, _ := reg.Acquire(f.build)
	if _, err := reg.Release(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}

	r, err := s.Dispose(context.Background())
	if !stderrors.Is(err, ErrUnbalancedRelease) {
		t.Fatalf("Dispose() error = %v, want ErrUnbalancedRelease", err)
	}
	if r != ResultAlreadyReleased {
		t.Errorf("Dispose() = %v, want AlreadyReleased", r)
	}
	if r, err := s.Dispose(context.Background()); err != nil || r != ResultAlreadyReleased {
		t.Errorf("second Dispose() = %v, %v, want AlreadyReleased", r, err)
	}
}

// TestScopeOnShutdownFitsDeadline tests that a shutdown deadline shortens the
// grace phase so cooperative tasks are canceled before it passes.
func TestScopeOnShutdownFitsDeadline(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory(WithDisposeTimeouts(5*time.Second, time.Second))

	s, _, _ := reg.Acquire(f.build)
	var stopped atomic.Bool
	_, _ = s.Environment().Go(context.Background(), "worker", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := s.OnShutdown(ctx); err != nil {
		t.Fatalf("OnShutdown() = %v, want nil", err)
	}
	if !stopped.Load() {
		t.Error("worker should have been canceled")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("OnShutdown took %v, grace phase should have been shortened", d)
	}
}

// TestGraceBefore tests how the grace phase is fitted before a deadline.
func TestGraceBefore(t *testing.T) {
	deadline := time.Now().Add(10 * time.Second)
	tests := []struct {
		name      string
		waiting   time.Duration
		canceling time.Duration
		max       time.Duration
		min       time.Duration
	}{
		{"short grace kept", time.Second, time.Second, time.Second, time.Second},
		{"long grace cut", time.Minute, 4 * time.Second, 6 * time.Second, 5 * time.Second},
		{"infinite grace cut", Infinite, time.Second, 9 * time.Second, 8 * time.Second},
		{"canceling past deadline", time.Second, time.Minute, 0, 0},
		{"infinite canceling", time.Minute, Infinite, 10 * time.Second, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := graceBefore(deadline, tt.waiting, tt.canceling)
			if got < tt.min || got > tt.max {
				t.Errorf("graceBefore() = %v, want between %v and %v", got, tt.min, tt.max)
			}
		})
	}
}

// TestScopeOnShutdown tests the shutdown handler adapter.
func TestScopeOnShutdown(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory(WithDisposeTimeouts(10*time.Millisecond, 10*time.Millisecond))

	s, _, _ := reg.Acquire(f.build)
	if err := s.OnShutdown(context.Background()); err != nil {
		t.Errorf("OnShutdown() = %v, want nil", err)
	}
	if err := s.OnShutdown(context.Background()); err != nil {
		t.Errorf("second OnShutdown() = %v, want nil", err)
	}

	s, _, _ = reg.Acquire(f.build)
	_ = s.Environment().Register("stuck", func() error { return nil })
	if err := s.OnShutdown(context.Background()); !stderrors.Is(err, ErrDrainTimeout) {
		t.Errorf("OnShutdown() = %v, want ErrDrainTimeout", err)
	}
}

// TestScopeReleasedEvents tests scope.released events for each release.
func TestScopeReleasedEvents(t *testing.T) {
	reg := NewRegistry()
	f := newCountingFactory(WithLevel(logging.LevelDebug))
	a, _, _ := reg.Acquire(f.build)
	b, _, _ := reg.Acquire(f.build)

	a.Dispose(context.Background())
	b.Dispose(context.Background())
	b.Dispose(context.Background())

	if n := f.exporter.count(telemetry.EventScopeReleased); n != 2 {
		t.Errorf("expected 2 scope.released events, got %d", n)
	}
}

// TestResultString tests the Result names.
func TestResultString(t *testing.T) {
	tests := map[Result]string{
		ResultCompleted:       "Completed",
		ResultTimeout:         "Timeout",
		ResultInUse:           "InUse",
		ResultAlreadyReleased: "AlreadyReleased",
		Result(42):            "Unknown",
	}
	for r, want := range tests {
		if r.String() != want {
			t.Errorf("Result(%d).String() = %q, want %q", int(r), r.String(), want)
		}
	}
}
