package environment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/logging"
	"github.com/vinayprograms/envkit/tasks"
	"github.com/vinayprograms/envkit/telemetry"
)

// Default dispose timeouts.
const (
	DefaultWaitingTimeout   = 5 * time.Second
	DefaultCancelingTimeout = 5 * time.Second
)

// Environment owns a swappable logger and the monitor of its in-flight
// background operations. It is disposed exactly once; after that its
// logger is a permanent no-op.
type Environment struct {
	id   string
	name string

	logger  *logging.Redirect
	monitor *tasks.Monitor
	tracer  *telemetry.Tracer
	events  telemetry.Exporter

	mu               sync.Mutex
	disposed         bool
	waitingTimeout   time.Duration
	cancelingTimeout time.Duration
}

type options struct {
	name      string
	sink      logging.Sink
	level     logging.Level
	waiting   time.Duration
	canceling time.Duration
	tracer    *telemetry.Tracer
	events    telemetry.Exporter
}

// Option configures an Environment.
type Option func(*options)

// WithName sets a human-readable name used in logs, spans and events.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the sink that receives the environment's log messages.
func WithLogger(sink logging.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithLevel sets the minimum level forwarded to the sink.
func WithLevel(level logging.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithDisposeTimeouts sets the timeouts used by Dispose.
func WithDisposeTimeouts(waiting, canceling time.Duration) Option {
	return func(o *options) {
		o.waiting = waiting
		o.canceling = canceling
	}
}

// WithTracer sets the tracer for dispose spans. Defaults to telemetry.GetTracer().
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithExporter sets the exporter for lifecycle events.
func WithExporter(exp telemetry.Exporter) Option {
	return func(o *options) {
		o.events = exp
	}
}

// New creates an Environment. It returns an INVALID_TIMEOUT error if either
// dispose timeout is negative and not Infinite.
func New(opts ...Option) (*Environment, error) {
	o := options{
		sink:      logging.Discard,
		level:     logging.LevelInfo,
		waiting:   DefaultWaitingTimeout,
		canceling: DefaultCancelingTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := tasks.ValidateTimeout(o.waiting); err != nil {
		return nil, errors.Wrap(err, "dispose waiting timeout")
	}
	if err := tasks.ValidateTimeout(o.canceling); err != nil {
		return nil, errors.Wrap(err, "dispose canceling timeout")
	}
	if o.tracer == nil {
		o.tracer = telemetry.GetTracer()
	}
	if o.events == nil {
		o.events = telemetry.NewNoopExporter()
	}

	logger := logging.NewRedirect(o.sink, o.level)
	return &Environment{
		id:               uuid.NewString(),
		name:             o.name,
		logger:           logger,
		monitor:          tasks.NewMonitor(tasks.WithLogger(logger)),
		tracer:           o.tracer,
		events:           o.events,
		waitingTimeout:   o.waiting,
		cancelingTimeout: o.canceling,
	}, nil
}

// ID returns the environment's unique ID.
func (e *Environment) ID() string {
	return e.id
}

// Name returns the name set with WithName.
func (e *Environment) Name() string {
	return e.name
}

func (e *Environment) label() string {
	if e.name != "" {
		return e.name
	}
	return e.id
}

// --- Logging ---

// Log forwards to the current sink if level passes the minimum level.
// After Dispose it does nothing.
func (e *Environment) Log(level logging.Level, msg string, err error) {
	e.logger.Log(level, msg, err)
}

// Debug logs a debug message.
func (e *Environment) Debug(msg string) {
	e.logger.Log(logging.LevelDebug, msg, nil)
}

// Info logs an info message.
func (e *Environment) Info(msg string) {
	e.logger.Log(logging.LevelInfo, msg, nil)
}

// Warn logs a warning with an optional error.
func (e *Environment) Warn(msg string, err error) {
	e.logger.Log(logging.LevelWarn, msg, err)
}

// Error logs an error message with an optional error.
func (e *Environment) Error(msg string, err error) {
	e.logger.Log(logging.LevelError, msg, err)
}

// Logger returns the environment as a Sink, for handing to collaborators.
// Messages sent to it follow the environment's level and dispose state.
func (e *Environment) Logger() logging.Sink {
	return e.logger
}

// SetLogger replaces the sink. It fails with ErrDisposed after Dispose.
func (e *Environment) SetLogger(sink logging.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return e.disposedError("set_logger")
	}
	e.logger.SetSink(sink)
	return nil
}

// SetLevel replaces the minimum level. It fails with ErrDisposed after Dispose.
func (e *Environment) SetLevel(level logging.Level) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return e.disposedError("set_level")
	}
	e.logger.SetLevel(level)
	return nil
}

// Level returns the minimum level. It is logging.LevelOff after Dispose.
func (e *Environment) Level() logging.Level {
	return e.logger.Level()
}

// --- Timeouts ---

// SetDisposeWaitingTimeout sets the grace period used by Dispose.
func (e *Environment) SetDisposeWaitingTimeout(d time.Duration) error {
	if err := tasks.ValidateTimeout(d); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waitingTimeout = d
	return nil
}

// SetDisposeCancelingTimeout sets the post-cancel wait used by Dispose.
func (e *Environment) SetDisposeCancelingTimeout(d time.Duration) error {
	if err := tasks.ValidateTimeout(d); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelingTimeout = d
	return nil
}

// DisposeTimeouts returns the waiting and canceling timeouts used by Dispose.
func (e *Environment) DisposeTimeouts() (waiting, canceling time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitingTimeout, e.cancelingTimeout
}

// --- Background work ---

// Tasks returns the monitor of in-flight operations.
func (e *Environment) Tasks() *tasks.Monitor {
	return e.monitor
}

// Register records an in-flight operation. It fails with ErrDisposed once
// Dispose has begun, so nothing can slip in after the drain.
func (e *Environment) Register(id string, cancel tasks.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return e.disposedError("register", errors.WithTaskID(id))
	}
	return e.monitor.Register(id, cancel)
}

// Unregister removes an in-flight operation.
func (e *Environment) Unregister(id string) {
	e.monitor.Unregister(id)
}

// Go runs fn in a new goroutine tracked by the environment's monitor and
// returns the generated task ID. The context passed to fn is canceled if
// the task is still running when a drain enters its forced phase.
func (e *Environment) Go(ctx context.Context, name string, fn func(ctx context.Context) error) (string, error) {
	if name == "" {
		name = "task"
	}
	id := name + "-" + uuid.NewString()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return "", e.disposedError("go", errors.WithTaskID(id))
	}
	if err := e.monitor.Go(ctx, id, fn); err != nil {
		return "", err
	}
	return id, nil
}

// --- Dispose ---

func (e *Environment) disposedError(op string, opts ...errors.Option) error {
	opts = append(opts, errors.WithOp(op), errors.WithEnvironment(e.id))
	return errors.New(errors.CodeDisposed, fmt.Sprintf("environment %s already disposed", e.label()), opts...)
}

// Disposed reports whether Dispose has begun.
func (e *Environment) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Dispose disposes the environment with its configured timeouts.
func (e *Environment) Dispose(ctx context.Context) bool {
	waiting, canceling := e.DisposeTimeouts()
	return e.DisposeWithTimeouts(ctx, waiting, canceling)
}

// DisposeWithTimeouts drains the monitor and silences the logger. Only the
// first call does any work; every later or concurrent call returns true
// immediately. The result reports whether every task finished in time.
// Out-of-range timeouts are treated as zero.
func (e *Environment) DisposeWithTimeouts(ctx context.Context, waiting, canceling time.Duration) bool {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return true
	}
	e.disposed = true
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return e.teardown(ctx, waiting, canceling)
}

func (e *Environment) teardown(ctx context.Context, waiting, canceling time.Duration) bool {
	defer e.logger.Swap(logging.Discard, logging.LevelOff)

	ctx, span := e.tracer.StartDisposeSpan(ctx, e.id, e.name)

	e.logger.Log(logging.LevelDebug, fmt.Sprintf("disposing environment %s with %d tasks", e.label(), e.monitor.Count()), nil)
	report := e.monitor.DrainWithReport(ctx, waiting, canceling)
	if !report.Completed {
		e.logger.Log(logging.LevelWarn,
			fmt.Sprintf("environment %s: %d tasks abandoned after %v", e.label(), report.Remaining, report.Duration.Round(time.Millisecond)),
			errors.FromCode(errors.CodeDrainTimeout, errors.WithOp("dispose"), errors.WithEnvironment(e.id)))
	}

	e.tracer.EndDisposeSpan(span, telemetry.DisposeSpanOptions{
		Completed:        report.Completed,
		InitialTasks:     report.Initial,
		CanceledTasks:    report.Canceled,
		CancelFailures:   report.CancelFailures,
		RemainingTasks:   report.Remaining,
		WaitingTimeout:   waiting,
		CancelingTimeout: canceling,
	})
	e.events.LogEvent(telemetry.EventEnvironmentDisposed, map[string]interface{}{
		"id":              e.id,
		"name":            e.name,
		"completed":       report.Completed,
		"tasks_initial":   report.Initial,
		"tasks_canceled":  report.Canceled,
		"cancel_failures": report.CancelFailures,
		"tasks_remaining": report.Remaining,
		"duration_ms":     report.Duration.Milliseconds(),
	})

	return report.Completed
}
