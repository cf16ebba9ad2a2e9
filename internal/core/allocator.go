package core

import (
	"context"
	"fmt"

	"writingstudy/pkg/domain"
)

// Allocator decides the condition for a participant that does not have one
// yet. It must run inside the transaction that creates the participant so the
// tally increment and the insert commit together.
type Allocator struct{}

// NewAllocator returns the least-filled-arm allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Decide returns explicit verbatim when supplied, leaving the tally untouched.
// Otherwise it reserves the tally, picks the arm with the fewest assignments
// (ties resolved in declared order) and increments it within tx.
func (a *Allocator) Decide(ctx context.Context, tx domain.Transaction, explicit *domain.Condition) (domain.Condition, error) {
	if explicit != nil {
		if !explicit.Valid() {
			return "", fmt.Errorf("%w: unknown condition %q", domain.ErrInvalidRequest, *explicit)
		}
		return *explicit, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tally, err := tx.ReserveTally()
	if err != nil {
		return "", err
	}
	pick := tally.Least()
	if _, err := tx.IncrementTally(pick); err != nil {
		return "", err
	}
	return pick, nil
}
