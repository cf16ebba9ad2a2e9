package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"writingstudy/pkg/domain"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes registration counters via expvar. It keeps
// per-operation duration totals in milliseconds, success/error counts,
// assignments per condition and source, and retries per reason.
type ExpvarMetricsRecorder struct {
	name        string
	mu          sync.Mutex
	durations   map[string]float64
	results     map[string]map[string]int64
	assignments map[string]map[string]int64
	retries     map[string]int64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Assignments map[string]map[string]int64 `json:"assignments_total"`
	Retries     map[string]int64            `json:"retries_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder and publishes it
// under the supplied name. When name is empty, a unique identifier is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("writingstudy_registration_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:        name,
		durations:   make(map[string]float64),
		results:     make(map[string]map[string]int64),
		assignments: make(map[string]map[string]int64),
		retries:     make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	retries := make(map[string]int64, len(r.retries))
	for reason, n := range r.retries {
		retries[reason] = n
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: durations,
		Results:     copyNested(r.results),
		Assignments: copyNested(r.assignments),
		Retries:     retries,
		RecordedAt:  time.Now().UTC(),
	}
}

func copyNested(in map[string]map[string]int64) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(in))
	for outer, counts := range in {
		cpy := make(map[string]int64, len(counts))
		for inner, n := range counts {
			cpy[inner] = n
		}
		out[outer] = cpy
	}
	return out
}

func bump(m map[string]map[string]int64, outer, inner string) {
	if _, ok := m[outer]; !ok {
		m[outer] = make(map[string]int64, 3)
	}
	m[outer][inner]++
}

// Observe records a service operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	status := "error"
	if success {
		status = "success"
	}

	r.mu.Lock()
	r.durations[operation] += ms
	bump(r.results, operation, status)
	r.mu.Unlock()
}

// ObserveAssignment implements AssignmentRecorder.
func (r *ExpvarMetricsRecorder) ObserveAssignment(_ context.Context, condition domain.Condition, source AssignmentSource) {
	r.mu.Lock()
	bump(r.assignments, string(condition), string(source))
	r.mu.Unlock()
}

// ObserveRetry implements RetryRecorder.
func (r *ExpvarMetricsRecorder) ObserveRetry(_ context.Context, reason string) {
	r.mu.Lock()
	r.retries[reason]++
	r.mu.Unlock()
}

// JSONTraceEntry represents a serialized trace span emitted by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// defaultTraceRetention bounds how many spans a JSONTraceTracer keeps in memory.
const defaultTraceRetention = 1024

// JSONTraceTracer serializes spans as JSON lines and retains the most recent
// ones for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	retain  int
	enc     *json.Encoder
}

// NewJSONTracer constructs a tracer that writes spans as JSON lines to w. A
// nil writer only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &JSONTraceTracer{enc: enc, retain: defaultTraceRetention}
}

// Entries returns a copy of the retained spans, oldest first.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements the Tracer interface.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

func (t *JSONTraceTracer) emit(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.retain; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonTraceSpan) End(err error) {
	s.once.Do(func() {
		entry := JSONTraceEntry{
			Operation: s.operation,
			Status:    "success",
			StartedAt: s.started,
			EndedAt:   time.Now().UTC(),
		}
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
		entry.DurationMS = float64(entry.EndedAt.Sub(s.started)) / float64(time.Millisecond)
		s.tracer.emit(entry)
	})
}
