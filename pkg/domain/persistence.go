package domain

import "context"

// Transaction exposes the operations a persistence backend must support
// within one atomic scope. Everything done through a Transaction commits or
// rolls back together.
type Transaction interface {
	// FindParticipant looks up a participant. Backends that support it hold
	// the participant row until the transaction ends.
	FindParticipant(id string) (Participant, bool, error)
	// CreateParticipant inserts a new participant. It fails with
	// ErrParticipantExists when the id is already taken.
	CreateParticipant(Participant) (Participant, error)
	// UpdateParticipant mutates an existing participant in place.
	UpdateParticipant(id string, mutator func(*Participant) error) (Participant, error)
	// ReserveTally returns the condition tally under an exclusive hold that
	// lasts until the transaction commits or rolls back, creating the row at
	// zero when absent.
	ReserveTally() (Tally, error)
	// IncrementTally adds one to c's count. Callers must hold the tally via
	// ReserveTally first.
	IncrementTally(c Condition) (Tally, error)
}

// PersistentStore is the abstraction over durable backends used by the
// registration service and read-only consumers such as exports.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	GetParticipant(ctx context.Context, id string) (Participant, bool, error)
	ListParticipants(ctx context.Context) ([]Participant, error)
	Tally(ctx context.Context) (Tally, error)
	Close() error
}
