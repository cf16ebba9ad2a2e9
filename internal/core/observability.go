package core

import (
	"context"
	"time"

	"writingstudy/pkg/domain"
)

// Logger is the structured logging surface the service writes to. Arguments
// after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder receives one observation per service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// AssignmentSource records how a participant's condition was decided.
type AssignmentSource string

const (
	// SourceBalanced marks a condition picked from the tally.
	SourceBalanced AssignmentSource = "balanced"
	// SourceExplicit marks a condition supplied by the caller.
	SourceExplicit AssignmentSource = "explicit"
	// SourceExisting marks a participant whose condition was already fixed.
	SourceExisting AssignmentSource = "existing"
)

// AssignmentRecorder is implemented by recorders that also count assignments.
type AssignmentRecorder interface {
	ObserveAssignment(ctx context.Context, condition domain.Condition, source AssignmentSource)
}

// RetryRecorder is implemented by recorders that also count registration retries.
type RetryRecorder interface {
	ObserveRetry(ctx context.Context, reason string)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan is ended exactly once with the operation's outcome.
type TraceSpan interface {
	End(err error)
}

// Tracer opens a span per service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome stored on an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed registration for the audit trail.
type AuditEntry struct {
	Operation string
	EntityID  string
	Condition domain.Condition
	Source    AssignmentSource
	Status    AuditStatus
	Error     string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries. Implementations must not block.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}
