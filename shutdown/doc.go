// Package shutdown runs ordered teardown when the process is asked to stop.
//
// A Coordinator holds named handlers grouped into phases. On SIGTERM, SIGINT
// or an explicit Shutdown call it runs the phases in ascending order, the
// handlers of one phase concurrently, all bounded by a single deadline.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals()
//
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, 10)
//	coord.RegisterScope("environment", scope, 20)
//	coord.RegisterFuncWithPhase("telemetry", provider.Shutdown, 30)
//
//	<-coord.Done()
//
// RegisterScope hands an environment.Scope to the coordinator. Releasing it
// drops the registry's count; the last release drains the Environment's
// background tasks before the later phases run.
//
// Shutdown runs at most once. Later calls return the first call's error.
// A handler that panics is reported as a failed handler with a PANIC error
// and does not stop its phase.
package shutdown
