// Package telemetry exports environment lifecycle events and traces.
//
// Exporters receive discrete lifecycle events (environment created,
// disposed, scope released) as JSON. Tracing wraps OpenTelemetry so
// dispose and drain show up as spans with task counts.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/envkit/errors"
)

// Lifecycle event names.
const (
	EventEnvironmentCreated  = "environment.created"
	EventEnvironmentDisposed = "environment.disposed"
	EventScopeReleased       = "scope.released"
)

// Exporter receives lifecycle events. Implementations must be safe for
// concurrent use; LogEvent must not block on the network.
type Exporter interface {
	LogEvent(name string, data map[string]interface{})
	Flush() error
	// Close flushes and releases the exporter.
	Close() error
}

// Event is the JSON form of one lifecycle event. Seq orders events from a
// single process; ID is unique across processes.
type Event struct {
	ID        string                 `json:"id"`
	Seq       uint64                 `json:"seq"`
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

var eventSeq atomic.Uint64

func newEvent(name string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Seq:       eventSeq.Add(1),
		Name:      name,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewExporter creates an exporter by protocol. For "http" the endpoint is a
// URL, for "file" a path. "noop" or "" discards events.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, errors.New(errors.CodeInvalidConfig, "http event exporter requires an endpoint")
		}
		return NewHTTPExporter(endpoint), nil
	case "file":
		exp, err := NewFileExporter(endpoint)
		if err != nil {
			return nil, err
		}
		return exp, nil
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown event exporter %q", protocol)
	}
}

// --- HTTP ---

const (
	httpBatchSize = 100
	// httpMaxBuffered bounds memory while the endpoint is failing. The
	// oldest events are dropped first.
	httpMaxBuffered = 10 * httpBatchSize
)

// HTTPExporter posts batches of events as a JSON array. A full batch is
// sent from a background goroutine; Flush and Close send synchronously.
// Events stay buffered when a post fails and are retried on the next flush.
type HTTPExporter struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	mu      sync.Mutex
	buffer  []Event
	sending sync.Mutex
	dropped atomic.Int64
}

// HTTPOption configures an HTTPExporter.
type HTTPOption func(*HTTPExporter)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExporter) { e.client = c }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) HTTPOption {
	return func(e *HTTPExporter) { e.headers = h }
}

// NewHTTPExporter creates an HTTP exporter posting to endpoint.
func NewHTTPExporter(endpoint string, opts ...HTTPOption) *HTTPExporter {
	e := &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		buffer:   make([]Event, 0, httpBatchSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	if e.enqueue(newEvent(name, data)) {
		go func() { _ = e.Flush() }()
	}
}

// enqueue buffers ev, dropping the oldest events past httpMaxBuffered, and
// reports whether a full batch is waiting.
func (e *HTTPExporter) enqueue(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, ev)
	e.trimLocked()
	return len(e.buffer) >= httpBatchSize
}

// trimLocked drops the oldest events past httpMaxBuffered. e.mu must be held.
func (e *HTTPExporter) trimLocked() {
	if over := len(e.buffer) - httpMaxBuffered; over > 0 {
		e.buffer = append(e.buffer[:0], e.buffer[over:]...)
		e.dropped.Add(int64(over))
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *HTTPExporter) Dropped() int64 {
	return e.dropped.Load()
}

// Flush posts every buffered event.
func (e *HTTPExporter) Flush() error {
	e.sending.Lock()
	defer e.sending.Unlock()

	e.mu.Lock()
	batch := e.buffer
	e.buffer = make([]Event, 0, httpBatchSize)
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := e.post(batch); err != nil {
		e.mu.Lock()
		e.buffer = append(batch, e.buffer...)
		e.trimLocked()
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *HTTPExporter) post(batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Newf(errors.CodeInternal, "event endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File ---

// FileExporter appends events to a file as JSON lines. A failed write is
// reported by the next Flush or Close.
type FileExporter struct {
	mu       sync.Mutex
	file     *os.File
	writeErr error
}

// NewFileExporter opens path for appending, creating it if needed.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "file event exporter requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open event file")
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(newEvent(name, data))
	if err != nil {
		e.mu.Lock()
		e.writeErr = err
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(append(line, '\n')); err != nil && e.writeErr == nil {
		e.writeErr = err
	}
}

// Flush syncs the file and returns the first write error since the last Flush.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.writeErr
	e.writeErr = nil
	if serr := e.file.Sync(); err == nil {
		err = serr
	}
	return err
}

func (e *FileExporter) Close() error {
	ferr := e.Flush()
	if err := e.file.Close(); err != nil {
		return err
	}
	return ferr
}

// --- Fan-out ---

// MultiExporter sends every event to each of its exporters.
type MultiExporter []Exporter

func (m MultiExporter) LogEvent(name string, data map[string]interface{}) {
	for _, e := range m {
		e.LogEvent(name, data)
	}
}

// Flush flushes every exporter and returns the first error.
func (m MultiExporter) Flush() error {
	var first error
	for _, e := range m {
		if err := e.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every exporter and returns the first error.
func (m MultiExporter) Close() error {
	var first error
	for _, e := range m {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// --- Noop ---

// NoopExporter discards all events.
type NoopExporter struct{}

func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

func (*NoopExporter) LogEvent(string, map[string]interface{}) {}
func (*NoopExporter) Flush() error                            { return nil }
func (*NoopExporter) Close() error                            { return nil }
