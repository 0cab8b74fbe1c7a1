package environment

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/envkit/logging"
)

type logEntry struct {
	level logging.Level
	msg   string
	err   error
}

type captureSink struct {
	mu      sync.Mutex
	entries []logEntry
}

func (s *captureSink) Log(level logging.Level, msg string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, logEntry{level, msg, err})
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *captureSink) all() []logEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]logEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

type recordedEvent struct {
	name string
	data map[string]interface{}
}

type recordingExporter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{name, data})
}

func (e *recordingExporter) Flush() error { return nil }
func (e *recordingExporter) Close() error { return nil }

func (e *recordingExporter) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.name == name {
			n++
		}
	}
	return n
}

// countingFactory builds environments sharing one exporter and counts builds.
type countingFactory struct {
	builds   atomic.Int32
	delay    time.Duration
	exporter *recordingExporter
	opts     []Option
}

func newCountingFactory(opts ...Option) *countingFactory {
	return &countingFactory{exporter: &recordingExporter{}, opts: opts}
}

func (f *countingFactory) build() (*Environment, error) {
	f.builds.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return New(append([]Option{WithExporter(f.exporter)}, f.opts...)...)
}
