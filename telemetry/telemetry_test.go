package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent(EventEnvironmentCreated, map[string]interface{}{"id": "env-1"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent(EventEnvironmentCreated, map[string]interface{}{"id": "env-1"})
	exp.LogEvent(EventEnvironmentDisposed, map[string]interface{}{"id": "env-1", "completed": true})
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev.Name != EventEnvironmentDisposed {
		t.Errorf("Name = %q, want %q", ev.Name, EventEnvironmentDisposed)
	}
	if ev.Data["completed"] != true {
		t.Errorf("Data[completed] = %v, want true", ev.Data["completed"])
	}
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Errorf("body is not a JSON array: %v", err)
		}
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent(EventScopeReleased, map[string]interface{}{"result": "InUse"})
	exp.LogEvent(EventScopeReleased, map[string]interface{}{"result": "Completed"})

	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[1].Data["result"] != "Completed" {
		t.Errorf("unexpected second event: %+v", received[1])
	}
}

func TestHTTPExporterErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent(EventEnvironmentCreated, nil)
	if err := exp.Flush(); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestHTTPExporterRetriesAfterFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		fail     = true
		received []Event
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		auth = r.Header.Get("Authorization")
		var batch []Event
		_ = json.NewDecoder(r.Body).Decode(&batch)
		received = append(received, batch...)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL, WithHeaders(map[string]string{"Authorization": "Bearer t"}))
	exp.LogEvent(EventEnvironmentCreated, map[string]interface{}{"id": "env-1"})
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error while endpoint is failing")
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	exp.LogEvent(EventEnvironmentDisposed, map[string]interface{}{"id": "env-1"})
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected the failed event to be retried, got %d events", len(received))
	}
	if received[0].Name != EventEnvironmentCreated || received[0].Seq >= received[1].Seq {
		t.Errorf("events out of order: %+v", received)
	}
	if received[0].ID == "" || received[0].ID == received[1].ID {
		t.Errorf("events need distinct IDs: %q %q", received[0].ID, received[1].ID)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestHTTPExporterDropsOldest(t *testing.T) {
	exp := NewHTTPExporter("http://127.0.0.1:0")
	for i := 0; i < httpMaxBuffered; i++ {
		exp.enqueue(newEvent("filler", nil))
	}
	if !exp.enqueue(newEvent("overflow", nil)) {
		t.Error("a full buffer should report a pending batch")
	}

	if exp.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", exp.Dropped())
	}
	if len(exp.buffer) != httpMaxBuffered {
		t.Errorf("buffer holds %d events, want %d", len(exp.buffer), httpMaxBuffered)
	}
	if last := exp.buffer[len(exp.buffer)-1].Name; last != "overflow" {
		t.Errorf("newest event should be kept, last = %q", last)
	}
}

// TestHTTPExporterRequeueKeepsBound tests that a failed batch put back in
// front of newer events still respects the buffer bound.
func TestHTTPExporterRequeueKeepsBound(t *testing.T) {
	posting := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(posting)
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	for i := 0; i < httpMaxBuffered; i++ {
		exp.enqueue(newEvent("filler", nil))
	}

	done := make(chan error, 1)
	go func() { done <- exp.Flush() }()

	select {
	case <-posting:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never reached the endpoint")
	}
	for i := 0; i < 10; i++ {
		exp.enqueue(newEvent("late", nil))
	}
	close(release)

	if err := <-done; err == nil {
		t.Fatal("expected error from failing endpoint")
	}

	exp.mu.Lock()
	defer exp.mu.Unlock()
	if len(exp.buffer) != httpMaxBuffered {
		t.Errorf("buffer holds %d events, want %d", len(exp.buffer), httpMaxBuffered)
	}
	if exp.Dropped() != 10 {
		t.Errorf("Dropped() = %d, want 10", exp.Dropped())
	}
	if last := exp.buffer[len(exp.buffer)-1].Name; last != "late" {
		t.Errorf("newest event should be kept, last = %q", last)
	}
}

type countingExporter struct {
	events atomic.Int32
	closed atomic.Bool
}

func (c *countingExporter) LogEvent(string, map[string]interface{}) { c.events.Add(1) }
func (c *countingExporter) Flush() error                            { return nil }
func (c *countingExporter) Close() error                            { c.closed.Store(true); return nil }

func TestMultiExporter(t *testing.T) {
	a, b := &countingExporter{}, &countingExporter{}
	m := MultiExporter{a, b}

	m.LogEvent(EventScopeReleased, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if a.events.Load() != 1 || b.events.Load() != 1 {
		t.Errorf("each exporter should see the event: %d, %d", a.events.Load(), b.events.Load())
	}
	if !a.closed.Load() || !b.closed.Load() {
		t.Error("Close should reach every exporter")
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		endpoint string
		wantErr  bool
	}{
		{"noop", "", false},
		{"", "", false},
		{"file", filepath.Join(t.TempDir(), "e.jsonl"), false},
		{"file", "", true},
		{"http", "", true},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol+"/"+tt.endpoint, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestDisposeSpanCompleted(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := NewTracerFromProvider(tp, "test")

	_, span := tracer.StartDisposeSpan(context.Background(), "env-1", "worker")
	tracer.EndDisposeSpan(span, DisposeSpanOptions{
		Completed:        true,
		InitialTasks:     2,
		WaitingTimeout:   time.Second,
		CancelingTimeout: -1,
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "environment.dispose" {
		t.Errorf("Name() = %q", s.Name())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("Status = %v, want Ok", s.Status().Code)
	}
	attrs := attrMap(s.Attributes())
	if attrs["environment.id"].AsString() != "env-1" {
		t.Errorf("environment.id = %v", attrs["environment.id"])
	}
	if attrs["drain.tasks.initial"].AsInt64() != 2 {
		t.Errorf("drain.tasks.initial = %v", attrs["drain.tasks.initial"])
	}
	if attrs["drain.timeout.canceling"].AsString() != "infinite" {
		t.Errorf("drain.timeout.canceling = %v", attrs["drain.timeout.canceling"])
	}
}

func TestDisposeSpanAbandoned(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := NewTracerFromProvider(tp, "test")

	_, span := tracer.StartDisposeSpan(context.Background(), "env-2", "")
	tracer.EndDisposeSpan(span, DisposeSpanOptions{RemainingTasks: 1, CanceledTasks: 1})

	s := sr.Ended()[0]
	if s.Status().Code == codes.Error {
		t.Error("an abandoned drain is not an error")
	}
	events := s.Events()
	if len(events) != 1 || events[0].Name != "drain.abandoned" {
		t.Errorf("expected drain.abandoned event, got %+v", events)
	}
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tracer := GetTracer()
	_, span := tracer.StartDisposeSpan(context.Background(), "env", "")
	tracer.EndDisposeSpan(span, DisposeSpanOptions{Completed: true})
	if span.SpanContext().IsValid() {
		t.Error("default tracer should produce no-op spans")
	}
}

func TestNewProviderInstallsGlobalTracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(exporter, ProviderConfig{ServiceName: "envkit-test"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if GetTracer() != p.Tracer() {
		t.Error("NewProvider should install its tracer globally")
	}

	_, span := GetTracer().StartDisposeSpan(context.Background(), "env-3", "")
	GetTracer().EndDisposeSpan(span, DisposeSpanOptions{Completed: true})

	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 exported span, got %d", got)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if GetTracer() == p.Tracer() {
		t.Error("Shutdown should reset the global tracer")
	}
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ProviderConfig{}
	if cfg.Enabled() {
		t.Error("config without endpoint should not be enabled")
	}
	if _, err := InitProvider(context.Background(), cfg); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "smoke"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestProviderSamplerAndInstance(t *testing.T) {
	if d := (ProviderConfig{}).sampler().Description(); d != "AlwaysOnSampler" {
		t.Errorf("default sampler = %q", d)
	}
	if d := (ProviderConfig{SampleRatio: 0.25}).sampler().Description(); !strings.HasPrefix(d, "ParentBased") {
		t.Errorf("ratio sampler = %q", d)
	}

	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(exporter, ProviderConfig{ServiceName: "envkit-test", InstanceID: "worker-7"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().StartSpan(context.Background(), "sample")
	span.End()
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Resource.SchemaURL(); got != semconv.SchemaURL {
		t.Errorf("resource schema = %q, want %q", got, semconv.SchemaURL)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.instance.id" && kv.Value.AsString() == "worker-7" {
			found = true
		}
	}
	if !found {
		t.Error("resource should carry service.instance.id")
	}
}
