package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"writingstudy/internal/infra/persistence/memory"
	"writingstudy/pkg/domain"

	"golang.org/x/sync/errgroup"
)

func register(t *testing.T, svc *Service, id, condition string) RegisterResult {
	t.Helper()
	res, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: id, Condition: condition})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return res
}

func TestRegisterFirstParticipantsFollowDeclaredOrder(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(open(t))
			want := []domain.Condition{ConditionControl, ConditionModelText, ConditionAIWCF}
			for i, expected := range want {
				res := register(t, svc, fmt.Sprintf("s-%d", i), "")
				if res.Participant.Condition != expected {
					t.Fatalf("participant %d: expected %q, got %q", i, expected, res.Participant.Condition)
				}
				if !res.Created || res.Source != SourceBalanced {
					t.Fatalf("expected balanced create, got %+v", res)
				}
			}
		})
	}
}

func TestRegisterScenarioLaggingArmThenBalanced(t *testing.T) {
	store := memory.NewStore()
	store.ImportState(memory.Snapshot{Tally: &domain.Tally{Control: 2, ModelText: 2, AIWCF: 1}})
	svc := NewService(store)
	res := register(t, svc, "new", "")
	if res.Participant.Condition != ConditionAIWCF {
		t.Fatalf("expected ai-wcf, got %q", res.Participant.Condition)
	}
	tally, err := svc.Tally(context.Background())
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally != (domain.Tally{Control: 2, ModelText: 2, AIWCF: 2}) {
		t.Fatalf("unexpected tally %+v", tally)
	}
}

func TestRegisterIsIdempotentOnceConditionFixed(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(open(t))
			first := register(t, svc, "s-1", "")
			second := register(t, svc, "s-1", "ai-wcf")
			if second.Participant.Condition != first.Participant.Condition {
				t.Fatalf("condition changed from %q to %q", first.Participant.Condition, second.Participant.Condition)
			}
			if second.Created || second.Source != SourceExisting {
				t.Fatalf("expected update of existing participant, got %+v", second)
			}
			tally, _ := svc.Tally(context.Background())
			if tally.Total() != 1 {
				t.Fatalf("expected one assignment, got %+v", tally)
			}
		})
	}
}

func TestRegisterExplicitConditionBypassesTally(t *testing.T) {
	svc := NewInMemoryService()
	res := register(t, svc, "s-1", "  Model Text ")
	if res.Participant.Condition != ConditionModelText || res.Source != SourceExplicit {
		t.Fatalf("unexpected result %+v", res)
	}
	tally, _ := svc.Tally(context.Background())
	if tally.Total() != 0 {
		t.Fatalf("explicit registration must not count, got %+v", tally)
	}
	next := register(t, svc, "s-2", "")
	if next.Participant.Condition != ConditionControl {
		t.Fatalf("expected first balanced pick to be control, got %q", next.Participant.Condition)
	}
}

func TestRegisterRejectsMalformedRequests(t *testing.T) {
	store := newFlakyStore(memory.NewStore(), 0, nil)
	svc := NewService(store)
	cases := []RegisterRequest{
		{ParticipantID: ""},
		{ParticipantID: "   "},
		{ParticipantID: "s-1", Condition: "placebo"},
	}
	for _, req := range cases {
		_, err := svc.Register(context.Background(), req)
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("Register(%+v): expected ErrInvalidRequest, got %v", req, err)
		}
	}
	if store.calls.Load() != 0 {
		t.Fatalf("malformed requests must not reach storage, got %d transactions", store.calls.Load())
	}
}

func TestRegisterUpdatesFieldsAndKeepsOmittedLabels(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{
		ParticipantID: "s-1",
		Fields: domain.ParticipantFields{
			DisplayName: strPtr("Ada"),
			GroupLabel:  strPtr("7B"),
			Brainstorm:  "ideas",
			Survey:      map[string]any{"q1": "yes"},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := svc.Register(ctx, RegisterRequest{
		ParticipantID: "s-1",
		Fields:        domain.ParticipantFields{ProgressMarker: 2, Pretest: "draft"},
	})
	if err != nil {
		t.Fatalf("Register update: %v", err)
	}
	p := res.Participant
	if p.DisplayName != "Ada" || p.GroupLabel != "7B" {
		t.Fatalf("expected labels kept, got %q/%q", p.DisplayName, p.GroupLabel)
	}
	if p.Brainstorm != "" || p.Pretest != "draft" || p.ProgressMarker != 2 {
		t.Fatalf("expected task fields overwritten, got %+v", p)
	}
	if p.Survey == nil || len(p.Survey) != 0 {
		t.Fatalf("expected empty survey object, got %#v", p.Survey)
	}
}

func TestRegisterSurveyRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(open(t))
			ctx := context.Background()
			_, err := svc.Register(ctx, RegisterRequest{
				ParticipantID: "s-1",
				Fields:        domain.ParticipantFields{Survey: map[string]any{"likert": float64(5), "text": "fine"}},
			})
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			p, ok, err := svc.GetParticipant(ctx, "s-1")
			if err != nil || !ok {
				t.Fatalf("GetParticipant: ok=%v err=%v", ok, err)
			}
			if p.Survey["likert"] != float64(5) || p.Survey["text"] != "fine" {
				t.Fatalf("expected decoded survey, got %#v", p.Survey)
			}
		})
	}
}

func TestRegisterNormalizesStoredCondition(t *testing.T) {
	store := memory.NewStore()
	store.ImportState(memory.Snapshot{Participants: map[string]domain.Participant{
		"legacy": {ID: "legacy", Condition: " Control "},
	}})
	svc := NewService(store)
	res := register(t, svc, "legacy", "")
	if res.Participant.Condition != ConditionControl {
		t.Fatalf("expected normalized condition, got %q", res.Participant.Condition)
	}
	if res.Source != SourceExisting {
		t.Fatalf("expected existing source, got %q", res.Source)
	}
}

func TestRegisterAssignsPendingParticipant(t *testing.T) {
	store := memory.NewStore()
	store.ImportState(memory.Snapshot{Participants: map[string]domain.Participant{
		"pending": {ID: "pending", DisplayName: "Ada"},
	}})
	svc := NewService(store)
	res := register(t, svc, "pending", "")
	if res.Participant.Condition != ConditionControl || res.Source != SourceBalanced || res.Created {
		t.Fatalf("unexpected result %+v", res)
	}
	tally, _ := svc.Tally(context.Background())
	if tally.Control != 1 {
		t.Fatalf("expected pending assignment counted, got %+v", tally)
	}
}

func TestRegisterConcurrentDistinctIDsStayBalanced(t *testing.T) {
	const k = 30
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(open(t), WithRetryPolicy(RetryPolicy{MaxAttempts: 20, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}))
			ctx := context.Background()
			var g errgroup.Group
			for i := 0; i < k; i++ {
				id := fmt.Sprintf("s-%02d", i)
				g.Go(func() error {
					_, err := svc.Register(ctx, RegisterRequest{ParticipantID: id})
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("concurrent register: %v", err)
			}
			tally, err := svc.Tally(ctx)
			if err != nil {
				t.Fatalf("Tally: %v", err)
			}
			if tally.Total() != k || tally.Spread() > 1 {
				t.Fatalf("expected %d balanced assignments, got %+v", k, tally)
			}
			list, err := svc.ListParticipants(ctx)
			if err != nil {
				t.Fatalf("ListParticipants: %v", err)
			}
			var counted domain.Tally
			for _, p := range list {
				if err := counted.Increment(p.Condition); err != nil {
					t.Fatalf("participant %s: %v", p.ID, err)
				}
			}
			if counted != tally {
				t.Fatalf("participants %+v disagree with tally %+v", counted, tally)
			}
		})
	}
}

func TestRegisterConcurrentSameIDAssignsOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(open(t), WithRetryPolicy(RetryPolicy{MaxAttempts: 20, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}))
			ctx := context.Background()
			results := make([]RegisterResult, 10)
			var g errgroup.Group
			for i := range results {
				g.Go(func() error {
					res, err := svc.Register(ctx, RegisterRequest{ParticipantID: "same"})
					results[i] = res
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("concurrent register: %v", err)
			}
			created := 0
			for _, res := range results {
				if res.Participant.Condition != results[0].Participant.Condition {
					t.Fatalf("conditions diverged: %q vs %q", res.Participant.Condition, results[0].Participant.Condition)
				}
				if res.Created {
					created++
				}
			}
			if created != 1 {
				t.Fatalf("expected exactly one create, got %d", created)
			}
			tally, _ := svc.Tally(ctx)
			if tally.Total() != 1 {
				t.Fatalf("expected one assignment, got %+v", tally)
			}
		})
	}
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	store := newFlakyStore(memory.NewStore(), 2, fmt.Errorf("commit: %w", domain.ErrTransient))
	metrics := NewExpvarMetricsRecorder("")
	log := &captureLogger{}
	svc := NewService(store, fastRetry(5), WithMetricsRecorder(metrics), WithLogger(log))
	res := register(t, svc, "s-1", "")
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	snap := metrics.Snapshot()
	if snap.Retries["transient"] != 2 {
		t.Fatalf("expected 2 transient retries recorded, got %v", snap.Retries)
	}
	if snap.Assignments[string(ConditionControl)][string(SourceBalanced)] != 1 {
		t.Fatalf("expected balanced control assignment recorded, got %v", snap.Assignments)
	}
	if !log.has("w:registration retry") || !log.has("i:participant assigned") {
		t.Fatalf("expected retry and assignment logs, got %v", log.calls)
	}
	tally, _ := svc.Tally(context.Background())
	if tally.Total() != 1 {
		t.Fatalf("failed attempts must not count, got %+v", tally)
	}
}

func TestRegisterRetriesExhausted(t *testing.T) {
	store := newFlakyStore(memory.NewStore(), 100, fmt.Errorf("ping: %w", domain.ErrStorageUnavailable))
	svc := NewService(store, fastRetry(4))
	_, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: "s-1"})
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if got := store.calls.Load(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestRegisterDoesNotRetryOtherErrors(t *testing.T) {
	store := newFlakyStore(memory.NewStore(), 100, errors.New("disk on fire"))
	svc := NewService(store, fastRetry(4))
	_, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: "s-1"})
	if err == nil || errors.Is(err, domain.ErrRetriesExhausted) {
		t.Fatalf("expected raw failure, got %v", err)
	}
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRegisterTimeout(t *testing.T) {
	svc := NewService(blockingStore{memory.NewStore()}, WithTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: "s-1"})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not honoured, took %v", elapsed)
	}
}

func TestRegisterBackoffRespectsDeadline(t *testing.T) {
	store := newFlakyStore(memory.NewStore(), 100, domain.ErrTransient)
	svc := NewService(store,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 50, BaseBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}),
		WithTimeout(60*time.Millisecond),
	)
	_, err := svc.Register(context.Background(), RegisterRequest{ParticipantID: "s-1"})
	if !IsTimeout(err) {
		t.Fatalf("expected deadline to end retries, got %v", err)
	}
	if got := store.calls.Load(); got >= 50 {
		t.Fatalf("expected deadline to cut retries short, got %d attempts", got)
	}
}

func TestServiceOptionsClockAndAudit(t *testing.T) {
	fixed := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	audit := &captureAuditRecorder{}
	svc := NewInMemoryService(WithClock(stubClock{t: fixed}), WithAuditRecorder(audit))
	register(t, svc, "s-1", "")
	if _, err := svc.Register(context.Background(), RegisterRequest{}); err == nil {
		t.Fatalf("expected invalid request")
	}
	if !audit.has("register", AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityID == "s-1" && e.Condition == ConditionControl && e.Timestamp.Equal(fixed) && e.Attempts == 1
	}) {
		t.Fatalf("expected success audit entry, got %+v", audit.entries)
	}
	if svc.Store() == nil {
		t.Fatalf("expected store accessor")
	}
}
