package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"sync"
	"testing"
	"time"

	"writingstudy/internal/infra/persistence/memory"
	"writingstudy/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
	c.mu.Unlock()
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
	s.tracer.mu.Unlock()
}

func TestServiceObservabilityOnSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}

	svc := NewInMemoryService(WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer))
	if _, err := svc.Register(ctx, RegisterRequest{ParticipantID: "s-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !metrics.has("register", true) || !tracer.has("register", true) {
		t.Fatalf("expected successful register observation")
	}
	if _, err := svc.Tally(ctx); err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if !metrics.has("tally", true) {
		t.Fatalf("expected tally observation")
	}

	failing := NewService(newFlakyStore(memory.NewStore(), 10, errors.New("broken")),
		WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer))
	if _, err := failing.Register(ctx, RegisterRequest{ParticipantID: "s-2"}); err == nil {
		t.Fatalf("expected failure")
	}
	if !metrics.has("register", false) || !tracer.has("register", false) {
		t.Fatalf("expected failed register observation")
	}
	if !audit.has("register", AuditStatusError, func(e AuditEntry) bool { return e.EntityID == "s-2" && e.Error != "" }) {
		t.Fatalf("expected error audit entry")
	}
}

func TestExpvarMetricsRecorderPublishesSnapshot(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	ctx := context.Background()
	rec.Observe(ctx, "register", true, 3*time.Millisecond)
	rec.Observe(ctx, "register", false, time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)
	rec.ObserveAssignment(ctx, ConditionAIWCF, SourceExplicit)
	rec.ObserveRetry(ctx, "transient")

	snap := rec.Snapshot()
	if snap.Results["register"]["success"] != 1 || snap.Results["register"]["error"] != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	if snap.DurationsMS["register"] != 4 {
		t.Fatalf("expected 4ms total, got %v", snap.DurationsMS["register"])
	}
	if snap.Assignments["ai-wcf"]["explicit"] != 1 || snap.Retries["transient"] != 1 {
		t.Fatalf("unexpected assignment/retry counts %v %v", snap.Assignments, snap.Retries)
	}
	v := expvar.Get(rec.Name())
	if v == nil || !strings.Contains(v.String(), "results_total") {
		t.Fatalf("expected expvar export under %s", rec.Name())
	}
}

func TestJSONTracerWritesAndRetainsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	tracer.retain = 2
	for _, op := range []string{"a", "b", "c"} {
		_, span := tracer.Start(context.Background(), op)
		span.End(nil)
		span.End(errors.New("ignored second end"))
	}
	_, span := tracer.Start(context.Background(), "d")
	span.End(domain.ErrTransient)

	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Operation != "c" || entries[1].Operation != "d" {
		t.Fatalf("expected last two spans retained, got %+v", entries)
	}
	if entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("expected error span, got %+v", entries[1])
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 encoded spans, got %d", len(lines))
	}
	var first JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Operation != "a" {
		t.Fatalf("unexpected first line %q: %v", lines[0], err)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetricsRecorder: %v", err)
	}
	svc := NewInMemoryService(WithMetricsRecorder(rec), fastRetry(3))
	for _, id := range []string{"s-1", "s-2"} {
		if _, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: id}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("register", "success")); got != 2 {
		t.Fatalf("expected 2 successful registrations, got %v", got)
	}
	if got := testutil.ToFloat64(rec.assignments.WithLabelValues("control", "balanced")); got != 1 {
		t.Fatalf("expected one control assignment, got %v", got)
	}
	rec.ObserveRetry(context.Background(), "transient")
	if got := testutil.ToFloat64(rec.retries.WithLabelValues("transient")); got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestZapLoggerForwardsKeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))
	svc := NewInMemoryService(WithLogger(logger))
	if _, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: "s-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	entries := logs.FilterMessage("participant assigned").All()
	if len(entries) != 1 {
		t.Fatalf("expected one assignment log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["participant_id"] != "s-1" || fields["condition"] != "control" || fields["source"] != "balanced" {
		t.Fatalf("unexpected fields %v", fields)
	}
	logger.Warn("warn")
	logger.Error("error")
	logger.Debug("debug")
	if logs.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", logs.Len())
	}
}

func TestNewProductionLogger(t *testing.T) {
	if _, err := NewProductionLogger("debug", false); err != nil {
		t.Fatalf("NewProductionLogger: %v", err)
	}
	if _, err := NewProductionLogger("", true); err != nil {
		t.Fatalf("NewProductionLogger development: %v", err)
	}
	if _, err := NewProductionLogger("loud", false); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestNoopImplementations(_ *testing.T) {
	logger := noopLogger{}
	logger.Debug("d", "k", "v")
	logger.Info("i", "k", "v")
	logger.Warn("w", "k", "v")
	logger.Error("e", "k", "v")
	noopMetrics{}.Observe(context.Background(), "op", true, 0)
	noopAudit{}.Record(context.Background(), AuditEntry{})
	_, span := noopTracer{}.Start(context.Background(), "op")
	span.End(nil)
}
