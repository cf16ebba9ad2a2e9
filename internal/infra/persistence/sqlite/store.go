// Package sqlite provides an embedded SQLite-backed participant store. Every
// transaction starts with BEGIN IMMEDIATE, so the database write lock is the
// exclusive hold over the condition tally for the life of the transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"writingstudy/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultPath        = "writingstudy.db"
	defaultBusyTimeout = 5 * time.Second
)

// Store persists participants and the condition tally to a SQLite file.
type Store struct {
	db    *sql.DB
	path  string
	nowFn func() time.Time
}

// NewStore opens (creating when needed) the SQLite database at path and
// applies the schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path, defaultBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, path: path, nowFn: func() time.Time { return time.Now().UTC() }}
	if err := s.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		path, busy.Milliseconds())
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction applies fn inside one immediate transaction, committing
// only when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
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
	row := s.db.QueryRowContext(ctx, selectParticipant+` WHERE id = ?`, id)
	p, err := scanParticipant(row)
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

func (tx *transaction) FindParticipant(id string) (domain.Participant, bool, error) {
	row := tx.tx.QueryRowContext(tx.ctx, selectParticipant+` WHERE id = ?`, id)
	p, err := scanParticipant(row)
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
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DisplayName, p.GroupLabel, string(p.Condition), p.ProgressMarker,
		p.Brainstorm, p.Pretest, p.WCFResult, p.Posttest, string(survey),
		p.BrainstormElapsed, p.PretestElapsed, p.ReflectionElapsed, p.PosttestElapsed,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
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
		name = ?, class_name = ?, condition = ?, current_step = ?,
		brainstorm = ?, pretest = ?, wcf_result = ?, posttest = ?, survey = ?,
		brainstorm_elapsed = ?, pretest_elapsed = ?, reflection_elapsed = ?, posttest_elapsed = ?,
		updated_at = ?
	WHERE id = ?`,
		current.DisplayName, current.GroupLabel, string(current.Condition), current.ProgressMarker,
		current.Brainstorm, current.Pretest, current.WCFResult, current.Posttest, string(survey),
		current.BrainstormElapsed, current.PretestElapsed, current.ReflectionElapsed, current.PosttestElapsed,
		current.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return domain.Participant{}, classify(fmt.Sprintf("update participant %q", id), err)
	}
	return current, nil
}

// ReserveTally creates the tally row when absent and reads it. The immediate
// transaction already owns the database write lock.
func (tx *transaction) ReserveTally() (domain.Tally, error) {
	if _, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO condition_tally (id, control, model_text, ai_wcf) VALUES (1, 0, 0, 0) ON CONFLICT(id) DO NOTHING`); err != nil {
		return domain.Tally{}, classify("init tally", err)
	}
	var t domain.Tally
	if err := tx.tx.QueryRowContext(tx.ctx, `SELECT control, model_text, ai_wcf FROM condition_tally WHERE id = 1`).
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
		p                  domain.Participant
		condition, survey  string
		createdAt, updated int64
	)
	if err := row.Scan(
		&p.ID, &p.DisplayName, &p.GroupLabel, &condition, &p.ProgressMarker,
		&p.Brainstorm, &p.Pretest, &p.WCFResult, &p.Posttest, &survey,
		&p.BrainstormElapsed, &p.PretestElapsed, &p.ReflectionElapsed, &p.PosttestElapsed,
		&createdAt, &updated,
	); err != nil {
		return domain.Participant{}, err
	}
	decoded, err := domain.DecodeSurvey([]byte(survey))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("decode survey for %q: %w", p.ID, err)
	}
	p.Condition = domain.NormalizeCondition(condition)
	p.Survey = decoded
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}
