// Package tasks tracks the in-flight background operations of an environment
// and drains them at shutdown.
//
// Every long-running operation launched through an environment registers a
// cancel handle before it starts and unregisters when it finishes, whether it
// succeeded or failed:
//
//	ctx, cancel := context.WithCancel(ctx)
//	if err := mon.Register("indexer", tasks.ContextCancel(cancel)); err != nil {
//	    return err
//	}
//	go func() {
//	    defer mon.Unregister("indexer")
//	    runIndexer(ctx)
//	}()
//
// Monitor.Go does the same bookkeeping for a function.
//
// # Graduated Shutdown
//
// Drain waits in two phases:
//
//  1. Grace: wait up to the waiting timeout for the tracked set to empty on
//     its own. No cancellation is signaled.
//  2. Forced: invoke every remaining cancel handle once, then wait up to the
//     canceling timeout.
//
// Drain returns true iff nothing is tracked at the end. A false result leaves
// the stragglers registered. Cancellation is cooperative, so the monitor has
// no way to stop an operation that ignores its handle.
//
// A timeout of zero checks once without waiting; Infinite waits without bound.
// A done context cuts the grace phase short but not the forced phase, unless
// the canceling timeout is Infinite.
//
// # Thread Safety
//
// Monitor is safe for concurrent use. Cancel handles are invoked without the
// monitor's lock held, so a handle may call Unregister synchronously.
package tasks
