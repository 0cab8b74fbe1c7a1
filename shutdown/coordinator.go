package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vinayprograms/envkit/environment"
	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/logging"
	"github.com/vinayprograms/envkit/telemetry"
)

// Coordinator runs registered handlers phase by phase when the process is
// asked to stop.
type Coordinator struct {
	config Config
	logger logging.Sink
	tracer *telemetry.Tracer

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	err    error
	result *Result

	signals   chan os.Signal
	stop      chan struct{}
	listening bool
}

// NewCoordinator creates a coordinator. Zero DefaultTimeout and DefaultPhase
// take the DefaultConfig values.
func NewCoordinator(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}
	if len(config.Signals) == 0 {
		config.Signals = defaults.Signals
	}

	c := &Coordinator{
		config:  config,
		logger:  config.Logger,
		tracer:  config.Tracer,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = logging.Discard
	}
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	return c
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler with a specific phase. Lower phases run
// first; handlers sharing a phase run concurrently. Handlers registered
// after shutdown has started are not run.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers a function with a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// RegisterScope releases scope during shutdown. When it is the last scope
// on its Environment, the Environment is drained with its configured
// dispose timeouts, bounded by the shutdown deadline.
func (c *Coordinator) RegisterScope(name string, scope *environment.Scope, phase int) {
	c.RegisterWithPhase(name, scope, phase)
}

// Shutdown runs every phase once. Concurrent and later calls wait for the
// first one and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout initiates shutdown with a timeout. Zero means the
// configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on the first of Config.Signals. Stop
// detaches it.
func (c *Coordinator) HandleSignals() {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
	signal.Notify(c.signals, c.config.Signals...)

	go func() {
		defer signal.Stop(c.signals)
		select {
		case sig := <-c.signals:
			c.logger.Log(logging.LevelInfo, fmt.Sprintf("received %s, shutting down", sig), nil)
			_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
		case <-c.stop:
		case <-c.done:
		}
	}()
}

// Stop detaches signal handling without shutting down. Safe to call more
// than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = false
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

// Trigger simulates a termination signal. Only effective after HandleSignals
// and before Stop.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening {
		return
	}
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})
	phases := groupByPhase(handlers)

	ctx, span := c.tracer.StartSpan(ctx, "shutdown")
	span.SetAttributes(
		attribute.Int("shutdown.phases", len(phases)),
		attribute.Int("shutdown.handlers", len(handlers)),
	)
	defer span.End()

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	c.result = result

	err := c.runPhases(ctx, phases, result)

	result.Err = err
	result.TotalDuration = time.Since(start)
	msg := fmt.Sprintf("shutdown finished in %s", result.TotalDuration)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Log(logging.LevelWarn, msg, err)
	} else {
		span.SetStatus(codes.Ok, "")
		c.logger.Log(logging.LevelInfo, msg, nil)
	}
	return err
}

func (c *Coordinator) runPhases(ctx context.Context, phases [][]registration, result *Result) error {
	var failed error
	for _, group := range phases {
		if ctx.Err() != nil {
			return ErrTimeout
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err != nil {
				failed = ErrHandlerFailed
			}
		}
		if failed != nil && !c.config.ContinueOnError {
			return failed
		}
	}
	return failed
}

// runPhase runs one phase's handlers concurrently, bounded by PhaseTimeout
// when set.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	phase := group[0].phase
	ctx, span := c.tracer.StartSpan(ctx, fmt.Sprintf("shutdown.phase.%d", phase))
	defer span.End()
	if c.config.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.PhaseTimeout)
		defer cancel()
	}
	c.logger.Log(logging.LevelDebug, fmt.Sprintf("shutdown phase %d: %d handler(s)", phase, len(group)), nil)

	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runHandler(ctx, reg)
		}()
	}
	wg.Wait()

	failures := 0
	for _, hr := range results {
		if hr.Err != nil {
			failures++
		}
	}
	span.SetAttributes(
		attribute.Int("shutdown.phase", phase),
		attribute.Int("shutdown.phase.handlers", len(group)),
		attribute.Int("shutdown.phase.failures", failures),
	)
	return results
}

func (c *Coordinator) runHandler(ctx context.Context, reg registration) HandlerResult {
	start := time.Now()
	err := invoke(ctx, reg.handler)
	hr := HandlerResult{
		Name:     reg.name,
		Phase:    reg.phase,
		Duration: time.Since(start),
		Err:      err,
	}

	if err != nil {
		c.logger.Log(logging.LevelWarn, fmt.Sprintf("shutdown handler %s failed after %s", reg.name, hr.Duration), err)
	} else {
		c.logger.Log(logging.LevelDebug, fmt.Sprintf("shutdown handler %s done in %s", reg.name, hr.Duration), nil)
	}
	if c.config.OnProgress != nil {
		c.config.OnProgress(hr)
	}
	return hr
}

func invoke(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
