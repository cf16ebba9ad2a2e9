package memory

import (
	"context"
	"errors"
	"testing"

	"writingstudy/internal/infra/persistence/storetest"
	"writingstudy/pkg/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return NewStore() })
}

func TestExportImportState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if _, err := storetest.Assign(ctx, store, "s-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if list, _ := store.ListParticipants(ctx); len(list) != 0 {
		t.Fatalf("expected cleared state, got %d participants", len(list))
	}
	if tally, _ := store.Tally(ctx); tally.Total() != 0 {
		t.Fatalf("expected cleared tally, got %+v", tally)
	}
	store.ImportState(snapshot)
	if _, ok, _ := store.GetParticipant(ctx, "s-1"); !ok {
		t.Fatalf("expected restored participant")
	}
	if tally, _ := store.Tally(ctx); tally.Control != 1 {
		t.Fatalf("expected restored tally, got %+v", tally)
	}
}

func TestSnapshotIsolatedFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if _, err := storetest.Assign(ctx, store, "s-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	snapshot := store.ExportState()
	snapshot.Tally.Control = 99
	if tally, _ := store.Tally(ctx); tally.Control != 1 {
		t.Fatalf("snapshot mutation leaked into store: %+v", tally)
	}
}

func TestRunInTransactionHonoursCancelledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.RunInTransaction(ctx, func(Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatalf("expected transaction body to be skipped")
	}
}

func TestExpiredTransactionIsDiscarded(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	err := store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.ReserveTally(); err != nil {
			return err
		}
		if _, err := tx.IncrementTally(domain.ConditionControl); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tally, _ := store.Tally(context.Background()); tally.Total() != 0 {
		t.Fatalf("expected no partial commit, got %+v", tally)
	}
}

func TestCreateRequiresID(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		_, err := tx.CreateParticipant(Participant{})
		return err
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
