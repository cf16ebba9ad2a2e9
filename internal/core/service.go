package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"writingstudy/internal/infra/persistence/memory"
	"writingstudy/pkg/domain"
)

// DefaultRegistrationTimeout bounds a whole registration, retries included.
const DefaultRegistrationTimeout = 10 * time.Second

// Service orchestrates participant registration: it fixes each participant's
// condition exactly once and keeps the per-arm tally balanced.
type Service struct {
	store     PersistentStore
	allocator *Allocator
	logger    Logger
	clock     Clock
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	retry     RetryPolicy
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger routes service logs to l.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for durations and audit entries.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetricsRecorder installs a metrics sink. Recorders that also implement
// AssignmentRecorder or RetryRecorder receive those observations too.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder installs an audit sink for registrations.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithRetryPolicy overrides the registration retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p.normalized() }
}

// WithTimeout overrides the registration timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		allocator: NewAllocator(),
		logger:    noopLogger{},
		clock:     ClockFunc(func() time.Time { return time.Now().UTC() }),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
		audit:     noopAudit{},
		retry:     DefaultRetryPolicy(),
		timeout:   DefaultRegistrationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(opts ...Option) *Service {
	return NewService(memory.NewStore(), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// RegisterRequest is one save from a participant's client.
type RegisterRequest struct {
	ParticipantID string
	// Condition is the raw explicit label; empty asks for automatic assignment.
	Condition string
	Fields    domain.ParticipantFields
}

// RegisterResult is the stored participant plus how its condition was decided.
type RegisterResult struct {
	Participant domain.Participant
	Source      AssignmentSource
	Created     bool
	Attempts    int
}

// Register creates or updates a participant. A participant without a condition
// gets one (explicit or balanced) in the same transaction that stores it; once
// set, the condition never changes and later saves only update fields.
// Retryable storage failures re-run the whole registration up to the policy's
// attempt limit, all within the registration timeout.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	id := strings.TrimSpace(req.ParticipantID)
	if id == "" {
		return RegisterResult{}, fmt.Errorf("%w: participant id required", domain.ErrInvalidRequest)
	}
	explicit, err := domain.ParseCondition(req.Condition)
	if err != nil {
		return RegisterResult{}, err
	}
	var explicitPtr *domain.Condition
	if explicit != "" {
		explicitPtr = &explicit
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var result RegisterResult
	start := s.clock.Now()
	err = s.run(ctx, "register", func(ctx context.Context) error {
		for attempt := 1; ; attempt++ {
			res, err := s.registerOnce(ctx, id, explicitPtr, req.Fields)
			if err == nil {
				res.Attempts = attempt
				result = res
				return nil
			}
			if !domain.Retryable(err) {
				return err
			}
			if attempt >= s.retry.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, attempt, err)
			}
			reason := retryReason(err)
			s.logger.Warn("registration retry", "participant_id", id, "attempt", attempt, "reason", reason, "error", err)
			if rr, ok := s.metrics.(RetryRecorder); ok {
				rr.ObserveRetry(ctx, reason)
			}
			if err := sleepCtx(ctx, s.retry.Backoff(attempt)); err != nil {
				return fmt.Errorf("registration of %q abandoned after %d attempts: %w", id, attempt, err)
			}
		}
	})

	entry := AuditEntry{
		Operation: "register",
		EntityID:  id,
		Status:    AuditStatusSuccess,
		Attempts:  result.Attempts,
		Duration:  s.clock.Now().Sub(start),
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.audit.Record(ctx, entry)
		s.logger.Error("registration failed", "participant_id", id, "error", err)
		return RegisterResult{}, err
	}
	entry.Condition = result.Participant.Condition
	entry.Source = result.Source
	s.audit.Record(ctx, entry)
	if result.Source != SourceExisting {
		if ar, ok := s.metrics.(AssignmentRecorder); ok {
			ar.ObserveAssignment(ctx, result.Participant.Condition, result.Source)
		}
		s.logger.Info("participant assigned", "participant_id", id,
			"condition", string(result.Participant.Condition), "source", string(result.Source), "attempts", result.Attempts)
	} else {
		s.logger.Debug("participant updated", "participant_id", id, "condition", string(result.Participant.Condition))
	}
	return result, nil
}

// registerOnce is one attempt: look up, decide when needed, persist. Every
// step shares one transaction.
func (s *Service) registerOnce(ctx context.Context, id string, explicit *domain.Condition, fields domain.ParticipantFields) (RegisterResult, error) {
	var res RegisterResult
	err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		existing, found, err := tx.FindParticipant(id)
		if err != nil {
			return err
		}
		if found && existing.Condition != "" {
			updated, err := tx.UpdateParticipant(id, func(p *domain.Participant) error {
				fields.Apply(p)
				return nil
			})
			if err != nil {
				return err
			}
			res = RegisterResult{Participant: updated, Source: SourceExisting}
			return nil
		}

		condition, err := s.allocator.Decide(ctx, tx, explicit)
		if err != nil {
			return err
		}
		source := SourceBalanced
		if explicit != nil {
			source = SourceExplicit
		}
		if found {
			updated, err := tx.UpdateParticipant(id, func(p *domain.Participant) error {
				fields.Apply(p)
				p.Condition = condition
				return nil
			})
			if err != nil {
				return err
			}
			res = RegisterResult{Participant: updated, Source: source}
			return nil
		}
		p := domain.Participant{ID: id, Condition: condition}
		fields.Apply(&p)
		created, err := tx.CreateParticipant(p)
		if err != nil {
			return err
		}
		res = RegisterResult{Participant: created, Source: source, Created: true}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}
	res.Participant.Condition = domain.NormalizeCondition(string(res.Participant.Condition))
	return res, nil
}

// GetParticipant returns a stored participant without touching the tally.
func (s *Service) GetParticipant(ctx context.Context, id string) (domain.Participant, bool, error) {
	var (
		p  domain.Participant
		ok bool
	)
	err := s.run(ctx, "get_participant", func(ctx context.Context) error {
		var err error
		p, ok, err = s.store.GetParticipant(ctx, strings.TrimSpace(id))
		return err
	})
	return p, ok, err
}

// ListParticipants returns every participant in creation order.
func (s *Service) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	var out []domain.Participant
	err := s.run(ctx, "list_participants", func(ctx context.Context) error {
		var err error
		out, err = s.store.ListParticipants(ctx)
		return err
	})
	return out, err
}

// Tally returns the current per-arm counts.
func (s *Service) Tally(ctx context.Context) (domain.Tally, error) {
	var t domain.Tally
	err := s.run(ctx, "tally", func(ctx context.Context) error {
		var err error
		t, err = s.store.Tally(ctx)
		return err
	})
	return t, err
}

// run wraps an operation with tracing and metrics.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, s.clock.Now().Sub(start))
	return err
}

// IsTimeout reports whether err came from the registration deadline or a
// cancelled request.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
