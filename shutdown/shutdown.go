package shutdown

import (
	"context"
	stderrors "errors"
	"os"
	"syscall"
	"time"

	"github.com/vinayprograms/envkit/environment"
	"github.com/vinayprograms/envkit/logging"
	"github.com/vinayprograms/envkit/telemetry"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = stderrors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = stderrors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = stderrors.New("invalid configuration")
)

// Handler is implemented by components that need graceful shutdown.
// *environment.Scope satisfies it.
type Handler interface {
	// OnShutdown is called when shutdown is initiated. ctx is cancelled when
	// the shutdown timeout is reached.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

var _ Handler = (*environment.Scope)(nil)

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration

	// Err is any error returned by the handler. A recovered panic is
	// reported as a PANIC error.
	Err error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-triggered
	// shutdown. Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100
	DefaultPhase int

	// PhaseTimeout bounds each phase on top of the overall deadline.
	// Zero means phases share the overall deadline only.
	PhaseTimeout time.Duration

	// ContinueOnError runs later phases even after a handler failed.
	// Default: true
	ContinueOnError bool

	// Signals trigger shutdown once HandleSignals is called.
	// Default: SIGTERM, SIGINT
	Signals []os.Signal

	// Tracer records a span per shutdown and per phase. Nil means the
	// package default from telemetry.GetTracer.
	Tracer *telemetry.Tracer

	// Logger receives one line per completed handler and per phase.
	// Nil means logging.Discard.
	Logger logging.Sink

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 || c.PhaseTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
		Signals:         []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
