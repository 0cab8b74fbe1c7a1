// Package environment provides a reference-counted shared environment and
// its graduated shutdown.
//
// # Overview
//
// An Environment bundles a logger and a tasks.Monitor of in-flight
// background work. A Registry holds at most one shared Environment and a
// reference count. Each Acquire returns a Scope; disposing the last Scope
// disposes the Environment, which drains its tasks.
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Registry                            │
//	│   slot: *Environment        count: n        mu: sync.Mutex   │
//	├──────────────────────────────────────────────────────────────┤
//	│  Scope 1 ─┐                                                  │
//	│  Scope 2 ─┼─→ Environment ─→ logging.Redirect                │
//	│  Scope n ─┘               └─→ tasks.Monitor                  │
//	└──────────────────────────────────────────────────────────────┘
//	      last Scope.Dispose → Environment.Dispose → Monitor.Drain
//
// # Usage
//
//	scope, created, err := environment.Acquire(func() (*environment.Environment, error) {
//	    return environment.New(
//	        environment.WithLogger(logging.New()),
//	        environment.WithDisposeTimeouts(5*time.Second, 2*time.Second),
//	    )
//	})
//	if err != nil {
//	    return err
//	}
//	defer scope.Dispose(context.Background())
//
//	env := scope.Environment()
//	env.Info("starting")
//	env.Go(ctx, "indexer", runIndexer)
//
// # Results
//
// Releasing never fails because tasks were slow. The outcome is a Result:
//
//   - Completed: this release tore the environment down and every task finished.
//   - Timeout: this release tore the environment down, but some tasks were
//     abandoned after the canceling timeout.
//   - InUse: other scopes still hold the environment.
//   - AlreadyReleased: this scope was released before.
//
// Unbalanced releases on the Registry itself are usage errors.
//
// # Locking
//
// The registry lock is held only to decide and mutate the slot and count.
// The drain runs after it is released, so a slow teardown never blocks
// unrelated Acquire or Release calls.
package environment
