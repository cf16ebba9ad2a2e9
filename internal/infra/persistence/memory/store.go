// Package memory provides an in-memory implementation of the participant
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"writingstudy/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Participant aliases domain.Participant for in-memory persistence operations.
	Participant = domain.Participant
	// Condition aliases domain.Condition.
	Condition = domain.Condition
	// Tally aliases domain.Tally.
	Tally = domain.Tally
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
)

type memoryState struct {
	participants map[string]Participant
	// tally is nil until the first automatic assignment.
	tally *Tally
}

// Snapshot is the serialisable representation of the in-memory state.
type Snapshot struct {
	Participants map[string]Participant `json:"participants"`
	Tally        *Tally                 `json:"tally,omitempty"`
}

func newMemoryState() memoryState {
	return memoryState{participants: map[string]Participant{}}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{participants: make(map[string]Participant, len(s.participants))}
	for k, v := range s.participants {
		cloned.participants[k] = v.Clone()
	}
	if s.tally != nil {
		t := *s.tally
		cloned.tally = &t
	}
	return cloned
}

// Store provides an in-memory transactional store. A transaction holds the
// store mutex from start to commit, so the tally and every participant are
// under one exclusive hold.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state.clone()
	return Snapshot{Participants: st.participants, Tally: st.tally}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := memoryState{participants: snapshot.Participants, tally: snapshot.Tally}
	if st.participants == nil {
		st.participants = map[string]Participant{}
	}
	s.state = st.clone()
}

type transaction struct {
	state memoryState
	now   time.Time
	held  bool
}

// RunInTransaction executes fn within a transactional copy of the store
// state and swaps it in only when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	// A transaction that outlived its deadline is discarded, never half applied.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// GetParticipant returns a participant by id.
func (s *Store) GetParticipant(ctx context.Context, id string) (Participant, bool, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.participants[id]
	if !ok {
		return Participant{}, false, nil
	}
	return p.Clone(), true, nil
}

// ListParticipants returns every participant ordered by creation time then id.
func (s *Store) ListParticipants(ctx context.Context) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.state.participants))
	for _, p := range s.state.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Tally returns the current counts; an absent tally reads as zero.
func (s *Store) Tally(ctx context.Context) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.tally == nil {
		return Tally{}, nil
	}
	return *s.state.tally, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// FindParticipant exposes participant lookup within the transaction scope.
func (tx *transaction) FindParticipant(id string) (Participant, bool, error) {
	p, ok := tx.state.participants[id]
	if !ok {
		return Participant{}, false, nil
	}
	return p.Clone(), true, nil
}

// CreateParticipant stores a new participant within the transaction.
func (tx *transaction) CreateParticipant(p Participant) (Participant, error) {
	if p.ID == "" {
		return Participant{}, fmt.Errorf("%w: participant id required", domain.ErrInvalidRequest)
	}
	if _, exists := tx.state.participants[p.ID]; exists {
		return Participant{}, fmt.Errorf("participant %q: %w", p.ID, domain.ErrParticipantExists)
	}
	p.Survey = domain.CloneSurvey(p.Survey)
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.participants[p.ID] = p.Clone()
	return p.Clone(), nil
}

// UpdateParticipant mutates a participant using the provided mutator function.
func (tx *transaction) UpdateParticipant(id string, mutator func(*Participant) error) (Participant, error) {
	current, ok := tx.state.participants[id]
	if !ok {
		return Participant{}, fmt.Errorf("participant %q: %w", id, domain.ErrParticipantNotFound)
	}
	current = current.Clone()
	if err := mutator(&current); err != nil {
		return Participant{}, err
	}
	current.ID = id
	current.Survey = domain.CloneSurvey(current.Survey)
	current.UpdatedAt = tx.now
	tx.state.participants[id] = current.Clone()
	return current.Clone(), nil
}

// ReserveTally returns the tally. The store mutex already serialises every
// transaction, so the hold is the transaction itself.
func (tx *transaction) ReserveTally() (Tally, error) {
	if tx.state.tally == nil {
		tx.state.tally = &Tally{}
	}
	tx.held = true
	return *tx.state.tally, nil
}

// IncrementTally adds one to c's count within the transaction.
func (tx *transaction) IncrementTally(c Condition) (Tally, error) {
	if !tx.held {
		return Tally{}, fmt.Errorf("increment tally: tally not reserved")
	}
	if err := tx.state.tally.Increment(c); err != nil {
		return Tally{}, err
	}
	return *tx.state.tally, nil
}
