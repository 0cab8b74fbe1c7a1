package tasks

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/logging"
)

// Monitor tracks in-flight operations by ID.
type Monitor struct {
	mu     sync.Mutex
	tasks  map[string]entry
	seq    uint64
	zero   chan struct{} // closed whenever no tasks are tracked
	logger logging.Sink
}

type entry struct {
	cancel CancelFunc
	seq    uint64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the sink that receives cancellation and task failures.
func WithLogger(sink logging.Sink) MonitorOption {
	return func(m *Monitor) {
		if sink != nil {
			m.logger = sink
		}
	}
}

// NewMonitor creates an empty Monitor.
func NewMonitor(opts ...MonitorOption) *Monitor {
	zero := make(chan struct{})
	close(zero)
	m := &Monitor{
		tasks:  make(map[string]entry),
		zero:   zero,
		logger: logging.Discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register records a live operation. The cancel handle is invoked at most
// once, and only if the operation is still tracked when a drain enters its
// forced phase.
func (m *Monitor) Register(id string, cancel CancelFunc) error {
	if id == "" {
		return errors.New(errors.CodeInvalidTask, "task ID is empty")
	}
	if cancel == nil {
		return errors.New(errors.CodeInvalidTask, "task has no cancel handle", errors.WithTaskID(id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; ok {
		return errors.New(errors.CodeDuplicateTask, fmt.Sprintf("task %q already registered", id), errors.WithTaskID(id))
	}
	if len(m.tasks) == 0 {
		m.zero = make(chan struct{})
	}
	m.seq++
	m.tasks[id] = entry{cancel: cancel, seq: m.seq}
	return nil
}

// Unregister removes an operation. Unknown IDs are ignored, since an
// operation may finish concurrently with other bookkeeping.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return
	}
	delete(m.tasks, id)
	if len(m.tasks) == 0 {
		close(m.zero)
	}
}

// Count returns the number of tracked operations.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// IDs returns the tracked IDs in registration order.
func (m *Monitor) IDs() []string {
	snapshot := m.snapshot()
	ids := make([]string, len(snapshot))
	for i, s := range snapshot {
		ids[i] = s.id
	}
	return ids
}

// Go registers fn under id and runs it in a new goroutine with a context
// that the monitor cancels in the forced phase of a drain. The task is
// unregistered when fn returns or panics; errors and panics are logged.
func (m *Monitor) Go(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	taskCtx, cancel := context.WithCancel(ctx)
	if err := m.Register(id, ContextCancel(cancel)); err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()
		defer m.Unregister(id)
		defer func() {
			if r := recover(); r != nil {
				err := errors.Wrap(errors.RecoverPanic(r), "background task panicked", errors.WithTaskID(id))
				m.logger.Log(logging.LevelError, fmt.Sprintf("task %s panicked", id), err)
			}
		}()

		if err := fn(taskCtx); err != nil && taskCtx.Err() == nil {
			m.logger.Log(logging.LevelError, fmt.Sprintf("task %s failed", id),
				errors.WrapWithCode(err, errors.CodeTaskFailed, "background task failed", errors.WithTaskID(id)))
		}
	}()
	return nil
}

// Drain waits for tracked operations to finish, canceling stragglers after
// waiting has elapsed. It returns true iff nothing is tracked at the end.
func (m *Monitor) Drain(ctx context.Context, waiting, canceling time.Duration) bool {
	return m.DrainWithReport(ctx, waiting, canceling).Completed
}

// DrainWithReport is Drain with a detailed outcome.
//
// Cancellation of ctx ends the grace phase early and moves straight to
// cancellation. The forced phase always gets its canceling timeout so that
// operations honouring their handles are seen to finish; ctx only bounds it
// when canceling is Infinite. Out-of-range timeouts are treated as zero;
// callers that need to reject them use ValidateTimeout first.
func (m *Monitor) DrainWithReport(ctx context.Context, waiting, canceling time.Duration) DrainReport {
	start := time.Now()
	waiting, canceling = clampTimeout(waiting), clampTimeout(canceling)
	report := DrainReport{Initial: m.Count()}

	if m.wait(ctx, waiting) {
		report.Completed = true
		report.Duration = time.Since(start)
		return report
	}

	report.Canceled, report.CancelFailures = m.CancelAll()

	forced := context.WithoutCancel(ctx)
	if canceling == Infinite {
		forced = ctx
	}
	report.Completed = m.wait(forced, canceling)
	report.Remaining = m.Count()
	report.Duration = time.Since(start)
	return report
}

// CancelAll invokes the cancel handle of every tracked operation once, in
// registration order. It returns how many handles were invoked and how many
// of them failed. A failing handle is logged with its task ID and index and
// does not stop the rest.
func (m *Monitor) CancelAll() (canceled, failed int) {
	for i, s := range m.snapshot() {
		canceled++
		if err := invokeCancel(s.id, i, s.cancel); err != nil {
			failed++
			m.logger.Log(logging.LevelWarn, fmt.Sprintf("task %s (index %d): cancel failed", s.id, i), err)
		}
	}
	return canceled, failed
}

type tracked struct {
	id     string
	cancel CancelFunc
	seq    uint64
}

func (m *Monitor) snapshot() []tracked {
	m.mu.Lock()
	out := make([]tracked, 0, len(m.tasks))
	for id, e := range m.tasks {
		out = append(out, tracked{id: id, cancel: e.cancel, seq: e.seq})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func invokeCancel(id string, index int, cancel CancelFunc) (err error) {
	opts := []errors.Option{
		errors.WithOp("cancel"),
		errors.WithTaskID(id),
		errors.WithMetadata("index", strconv.Itoa(index)),
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapWithCode(errors.RecoverPanic(r), errors.CodeCancelFailed, "cancel handle panicked", opts...)
		}
	}()
	if cerr := cancel(); cerr != nil {
		return errors.WrapWithCode(cerr, errors.CodeCancelFailed, "cancel handle failed", opts...)
	}
	return nil
}

func clampTimeout(d time.Duration) time.Duration {
	if ValidateTimeout(d) != nil {
		return 0
	}
	return d
}

// wait blocks until nothing is tracked, timeout elapses, or ctx is done.
func (m *Monitor) wait(ctx context.Context, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		n, zero := len(m.tasks), m.zero
		m.mu.Unlock()

		if n == 0 {
			return true
		}
		if timeout == 0 {
			return false
		}

		select {
		case <-zero:
			// A new registration may have raced in; re-check.
		case <-deadline:
			return m.Count() == 0
		case <-ctx.Done():
			return m.Count() == 0
		}
	}
}
