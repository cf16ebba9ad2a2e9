package core

import (
	"context"
	"time"

	"writingstudy/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports registration metrics through a Prometheus
// registerer.
type PrometheusMetricsRecorder struct {
	operations  *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	assignments *prometheus.CounterVec
	retries     *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder creates the collectors and registers them with
// reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writingstudy_registrations_total",
			Help: "Service operations by outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "writingstudy_operation_duration_seconds",
			Help:    "Service operation latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writingstudy_assignments_total",
			Help: "Condition assignments by condition and source.",
		}, []string{"condition", "source"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "writingstudy_registration_retries_total",
			Help: "Registration attempts retried, by error class.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations, r.assignments, r.retries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveAssignment implements AssignmentRecorder.
func (r *PrometheusMetricsRecorder) ObserveAssignment(_ context.Context, condition domain.Condition, source AssignmentSource) {
	r.assignments.WithLabelValues(string(condition), string(source)).Inc()
}

// ObserveRetry implements RetryRecorder.
func (r *PrometheusMetricsRecorder) ObserveRetry(_ context.Context, reason string) {
	r.retries.WithLabelValues(reason).Inc()
}
