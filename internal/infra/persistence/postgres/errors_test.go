package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"writingstudy/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: codeUniqueViolation}, domain.ErrParticipantExists},
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, domain.ErrTransient},
		{"deadlock", &pgconn.PgError{Code: codeDeadlockDetected}, domain.ErrTransient},
		{"lock timeout", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: codeLockNotAvailable}), domain.ErrTransient},
		{"shutdown", &pgconn.PgError{Code: codeAdminShutdown}, domain.ErrStorageUnavailable},
		{"bad conn", driver.ErrBadConn, domain.ErrStorageUnavailable},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("op", tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyLeavesOtherErrorsUnclassified(t *testing.T) {
	got := classify("op", &pgconn.PgError{Code: "42P01"})
	if domain.Retryable(got) {
		t.Fatalf("expected undefined_table to be non-retryable, got %v", got)
	}
	if classify("op", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
