package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"writingstudy/internal/infra/persistence/storetest"
	"writingstudy/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.PersistentStore { return newTestStore(t) })
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "study.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, id := range []string{"s-1", "s-2"} {
		if _, err := storetest.Assign(ctx, store, id); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("expected path %q, got %q", path, reopened.Path())
	}
	tally, err := reopened.Tally(ctx)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally != (domain.Tally{Control: 1, ModelText: 1}) {
		t.Fatalf("unexpected tally after reopen %+v", tally)
	}
	picked, err := storetest.Assign(ctx, reopened, "s-3")
	if err != nil {
		t.Fatalf("assign after reopen: %v", err)
	}
	if picked != domain.ConditionAIWCF {
		t.Fatalf("expected ai-wcf after reopen, got %q", picked)
	}
}

func TestTallyColumnRejectsUnknown(t *testing.T) {
	if _, err := tallyColumn("placebo"); err == nil {
		t.Fatalf("expected error for unknown condition")
	}
}

func TestClassifyPassesContextErrors(t *testing.T) {
	err := classify("op", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error preserved, got %v", err)
	}
	if domain.Retryable(err) {
		t.Fatalf("deadline errors must not be retried")
	}
	if classify("op", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
