// Package postgres provides a Postgres-backed participant store. The condition
// tally is a single row read with SELECT ... FOR UPDATE, so the row lock is
// the exclusive hold for the rest of the transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"writingstudy/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/writingstudy?sslmode=disable"
	// lockTimeout bounds how long a transaction queues for the tally row
	// before failing with a retryable lock_not_available error.
	lockTimeout = "5s"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists participants and the condition tally to Postgres.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), verifies connectivity and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping postgres", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// RunInTransaction applies fn within a read-committed transaction. Row locks
// taken by FindParticipant and ReserveTally are released at commit or
// rollback.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	if _, err := sqlTx.ExecContext(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return classify("set lock timeout", err)
	}
	tx := &transaction{ctx: ctx, tx: sqlTx, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	committed = true
	return nil
}

// GetParticipant returns a participant by id.
func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, bool, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, selectParticipant+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, false, nil
	}
	if err != nil {
		return domain.Participant{}, false, classify("select participant", err)
	}
	return p, true, nil
}

// ListParticipants returns every participant ordered by creation time then id.
func (s *Store) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, selectParticipant+` ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list participants", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify("scan participant", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate participants", err)
	}
	return out, nil
}

// Tally returns the current counts; an absent tally reads as zero.
func (s *Store) Tally(ctx context.Context) (domain.Tally, error) {
	var t domain.Tally
	err := s.db.QueryRowContext(ctx, `SELECT control, model_text, ai_wcf FROM condition_tally WHERE id = 1`).
		Scan(&t.Control, &t.ModelText, &t.AIWCF)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tally{}, nil
	}
	if err != nil {
		return domain.Tally{}, classify("select tally", err)
	}
	return t, nil
}

type transaction struct {
	ctx  context.Context
	tx   *sql.Tx
	now  time.Time
	held bool
}

// FindParticipant locks the participant row (when present) until the
// transaction ends so concurrent saves for one id apply in order.
func (tx *transaction) FindParticipant(id string) (domain.Participant, bool, error) {
	p, err := scanParticipant(tx.tx.QueryRowContext(tx.ctx, selectParticipant+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, false, nil
	}
	if err != nil {
		return domain.Participant{}, false, classify("find participant", err)
	}
	return p, true, nil
}

func (tx *transaction) CreateParticipant(p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		return domain.Participant{}, fmt.Errorf("%w: participant id required", domain.ErrInvalidRequest)
	}
	p.Survey = domain.CloneSurvey(p.Survey)
	p.CreatedAt, p.UpdatedAt = tx.now, tx.now
	survey, err := domain.EncodeSurvey(p.Survey)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("encode survey: %w", err)
	}
	_, err = tx.tx.ExecContext(tx.ctx, `INSERT INTO participants (
		id, name, class_name, condition, current_step,
		brainstorm, pretest, wcf_result, posttest, survey,
		brainstorm_elapsed, pretest_elapsed, reflection_elapsed, posttest_elapsed,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.DisplayName, p.GroupLabel, string(p.Condition), p.ProgressMarker,
		p.Brainstorm, p.Pretest, p.WCFResult, p.Posttest, string(survey),
		p.BrainstormElapsed, p.PretestElapsed, p.ReflectionElapsed, p.PosttestElapsed,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return domain.Participant{}, classify(fmt.Sprintf("insert participant %q", p.ID), err)
	}
	return p.Clone(), nil
}

func (tx *transaction) UpdateParticipant(id string, mutator func(*domain.Participant) error) (domain.Participant, error) {
	current, ok, err := tx.FindParticipant(id)
	if err != nil {
		return domain.Participant{}, err
	}
	if !ok {
		return domain.Participant{}, fmt.Errorf("participant %q: %w", id, domain.ErrParticipantNotFound)
	}
	if err := mutator(&current); err != nil {
		return domain.Participant{}, err
	}
	current.ID = id
	current.Survey = domain.CloneSurvey(current.Survey)
	current.UpdatedAt = tx.now
	survey, err := domain.EncodeSurvey(current.Survey)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("encode survey: %w", err)
	}
	_, err = tx.tx.ExecContext(tx.ctx, `UPDATE participants SET
		name = $1, class_name = $2, condition = $3, current_step = $4,
		brainstorm = $5, pretest = $6, wcf_result = $7, posttest = $8, survey = $9::jsonb,
		brainstorm_elapsed = $10, pretest_elapsed = $11, reflection_elapsed = $12, posttest_elapsed = $13,
		updated_at = $14
	WHERE id = $15`,
		current.DisplayName, current.GroupLabel, string(current.Condition), current.ProgressMarker,
		current.Brainstorm, current.Pretest, current.WCFResult, current.Posttest, string(survey),
		current.BrainstormElapsed, current.PretestElapsed, current.ReflectionElapsed, current.PosttestElapsed,
		current.UpdatedAt, id,
	)
	if err != nil {
		return domain.Participant{}, classify(fmt.Sprintf("update participant %q", id), err)
	}
	return current, nil
}

// ReserveTally creates the tally row when absent, then locks and reads it.
func (tx *transaction) ReserveTally() (domain.Tally, error) {
	if _, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO condition_tally (id, control, model_text, ai_wcf) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		1, 0, 0, 0); err != nil {
		return domain.Tally{}, classify("init tally", err)
	}
	var t domain.Tally
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT control, model_text, ai_wcf FROM condition_tally WHERE id = 1 FOR UPDATE`).
		Scan(&t.Control, &t.ModelText, &t.AIWCF); err != nil {
		return domain.Tally{}, classify("reserve tally", err)
	}
	tx.held = true
	return t, nil
}

func (tx *transaction) IncrementTally(c domain.Condition) (domain.Tally, error) {
	if !tx.held {
		return domain.Tally{}, fmt.Errorf("increment tally: tally not reserved")
	}
	col, err := tallyColumn(c)
	if err != nil {
		return domain.Tally{}, err
	}
	var t domain.Tally
	err = tx.tx.QueryRowContext(tx.ctx,
		`UPDATE condition_tally SET `+col+` = `+col+` + 1 WHERE id = 1 RETURNING control, model_text, ai_wcf`).
		Scan(&t.Control, &t.ModelText, &t.AIWCF)
	if err != nil {
		return domain.Tally{}, classify("increment tally", err)
	}
	return t, nil
}

func tallyColumn(c domain.Condition) (string, error) {
	switch c {
	case domain.ConditionControl:
		return "control", nil
	case domain.ConditionModelText:
		return "model_text", nil
	case domain.ConditionAIWCF:
		return "ai_wcf", nil
	default:
		return "", fmt.Errorf("increment tally: unknown condition %q", c)
	}
}

const selectParticipant = `SELECT
	id, name, class_name, condition, current_step,
	brainstorm, pretest, wcf_result, posttest, survey,
	brainstorm_elapsed, pretest_elapsed, reflection_elapsed, posttest_elapsed,
	created_at, updated_at
FROM participants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p         domain.Participant
		condition string
		survey    []byte
	)
	if err := row.Scan(
		&p.ID, &p.DisplayName, &p.GroupLabel, &condition, &p.ProgressMarker,
		&p.Brainstorm, &p.Pretest, &p.WCFResult, &p.Posttest, &survey,
		&p.BrainstormElapsed, &p.PretestElapsed, &p.ReflectionElapsed, &p.PosttestElapsed,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Participant{}, err
	}
	decoded, err := domain.DecodeSurvey(survey)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("decode survey for %q: %w", p.ID, err)
	}
	p.Condition = domain.NormalizeCondition(condition)
	p.Survey = decoded
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
