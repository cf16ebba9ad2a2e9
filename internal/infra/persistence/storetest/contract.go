// Package storetest holds the behavioural contract every domain.PersistentStore
// backend must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"writingstudy/pkg/domain"

	"golang.org/x/sync/errgroup"
)

// Factory returns a fresh, empty store. The store is closed by the caller.
type Factory func(t *testing.T) domain.PersistentStore

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, domain.PersistentStore)
	}{
		{"AbsentTallyReadsZero", testAbsentTallyReadsZero},
		{"ReserveThenIncrement", testReserveThenIncrement},
		{"IncrementRequiresReservation", testIncrementRequiresReservation},
		{"RollbackDiscardsIncrementAndCreate", testRollbackDiscards},
		{"DuplicateCreate", testDuplicateCreate},
		{"UpdateUnknown", testUpdateUnknown},
		{"UpdatePreservesCreatedAt", testUpdatePreservesCreatedAt},
		{"SurveyRoundTrip", testSurveyRoundTrip},
		{"ListOrdering", testListOrdering},
		{"ConcurrentAssignments", testConcurrentAssignments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

// Assign runs one balanced assignment for id in a single transaction.
func Assign(ctx context.Context, store domain.PersistentStore, id string) (domain.Condition, error) {
	var picked domain.Condition
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tally, err := tx.ReserveTally()
		if err != nil {
			return err
		}
		picked = tally.Least()
		if _, err := tx.IncrementTally(picked); err != nil {
			return err
		}
		_, err = tx.CreateParticipant(domain.Participant{ID: id, Condition: picked})
		return err
	})
	return picked, err
}

func testAbsentTallyReadsZero(t *testing.T, store domain.PersistentStore) {
	tally, err := store.Tally(context.Background())
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally != (domain.Tally{}) {
		t.Fatalf("expected zero tally, got %+v", tally)
	}
}

func testReserveThenIncrement(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	want := []domain.Condition{
		domain.ConditionControl, domain.ConditionModelText, domain.ConditionAIWCF, domain.ConditionControl,
	}
	for i, expected := range want {
		got, err := Assign(ctx, store, fmt.Sprintf("p-%d", i))
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("assignment %d: expected %q, got %q", i, expected, got)
		}
	}
	tally, err := store.Tally(ctx)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally != (domain.Tally{Control: 2, ModelText: 1, AIWCF: 1}) {
		t.Fatalf("unexpected tally %+v", tally)
	}
}

func testIncrementRequiresReservation(t *testing.T, store domain.PersistentStore) {
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.IncrementTally(domain.ConditionControl)
		return err
	})
	if err == nil {
		t.Fatalf("expected increment without reservation to fail")
	}
}

func testRollbackDiscards(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	abort := errors.New("abort")
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.ReserveTally(); err != nil {
			return err
		}
		if _, err := tx.IncrementTally(domain.ConditionControl); err != nil {
			return err
		}
		if _, err := tx.CreateParticipant(domain.Participant{ID: "ghost", Condition: domain.ConditionControl}); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	tally, err := store.Tally(ctx)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally.Total() != 0 {
		t.Fatalf("expected increment rolled back, got %+v", tally)
	}
	if _, ok, err := store.GetParticipant(ctx, "ghost"); err != nil || ok {
		t.Fatalf("expected participant rolled back, ok=%v err=%v", ok, err)
	}
}

func testDuplicateCreate(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	if _, err := Assign(ctx, store, "dup"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err := Assign(ctx, store, "dup")
	if !errors.Is(err, domain.ErrParticipantExists) {
		t.Fatalf("expected ErrParticipantExists, got %v", err)
	}
	if !domain.Retryable(err) {
		t.Fatalf("expected duplicate create to be retryable")
	}
	tally, _ := store.Tally(ctx)
	if tally.Total() != 1 {
		t.Fatalf("expected failed create to leave one assignment, got %+v", tally)
	}
}

func testUpdateUnknown(t *testing.T, store domain.PersistentStore) {
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateParticipant("nobody", func(*domain.Participant) error { return nil })
		return err
	})
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func testUpdatePreservesCreatedAt(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	if _, err := Assign(ctx, store, "p-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	before, _, err := store.GetParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateParticipant("p-1", func(p *domain.Participant) error {
			p.ProgressMarker = 3
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _, err := store.GetParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("expected created_at preserved: %v vs %v", before.CreatedAt, after.CreatedAt)
	}
	if after.ProgressMarker != 3 || after.Condition != before.Condition {
		t.Fatalf("unexpected update result %+v", after)
	}
}

func testSurveyRoundTrip(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	survey := map[string]any{"q1": "agree", "q2": float64(4), "nested": map[string]any{"ok": true}}
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateParticipant(domain.Participant{
			ID:          "p-1",
			DisplayName: "Ada",
			Condition:   domain.ConditionAIWCF,
			Survey:      survey,
		})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok, err := store.GetParticipant(ctx, "p-1")
	if err != nil || !ok {
		t.Fatalf("GetParticipant: ok=%v err=%v", ok, err)
	}
	if got.Survey["q1"] != "agree" || got.Survey["q2"] != float64(4) {
		t.Fatalf("expected decoded survey, got %#v", got.Survey)
	}
	nested, ok := got.Survey["nested"].(map[string]any)
	if !ok || nested["ok"] != true {
		t.Fatalf("expected nested object, got %#v", got.Survey["nested"])
	}
	if got.Condition != domain.ConditionAIWCF || got.DisplayName != "Ada" {
		t.Fatalf("unexpected participant %+v", got)
	}
}

func testListOrdering(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := Assign(ctx, store, id); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	list, err := store.ListParticipants(ctx)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].ID != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, list[i].ID)
		}
	}
}

// testConcurrentAssignments fires K registrations at once and checks that no
// assignment is lost or double counted.
func testConcurrentAssignments(t *testing.T, store domain.PersistentStore) {
	const k = 30
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var g errgroup.Group
	for i := 0; i < k; i++ {
		id := fmt.Sprintf("p-%02d", i)
		g.Go(func() error {
			for attempt := 0; attempt < 20; attempt++ {
				_, err := Assign(ctx, store, id)
				if err == nil || !domain.Retryable(err) {
					return err
				}
				time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			}
			return fmt.Errorf("assign %s: retries exhausted", id)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent assign: %v", err)
	}
	tally, err := store.Tally(ctx)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally.Total() != k {
		t.Fatalf("expected %d assignments, got %+v", k, tally)
	}
	if tally.Spread() > 1 {
		t.Fatalf("expected balanced tally, got %+v", tally)
	}
	list, err := store.ListParticipants(ctx)
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
}
