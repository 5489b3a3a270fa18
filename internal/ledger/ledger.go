package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds means the conditional debit found less than
	// the requested amount. The balance is untouched.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnavailable means the ledger call could not complete. Callers
	// must fail closed: a timed-out debit does not prove the debit
	// failed, so the bid is rejected and reconciliation covers the gap.
	ErrUnavailable = errors.New("ledger unavailable")
)

// BidRef identifies the bid a debit pays for. It is persisted alongside
// the debit so an interrupted process can be reconciled from the
// ledger's own bid record.
type BidRef struct {
	Tier    string
	RoundID uuid.UUID
	BidID   uint64
}

// Ledger is the balance store collaborator. TryDebit is atomic and
// never lets a balance go negative, even under concurrent calls against
// the same account.
type Ledger interface {
	// TryDebit removes amount from the account if and only if the full
	// amount is covered, recording the bid reference in the same
	// transaction. Returns the new balance, ErrInsufficientFunds, or
	// ErrUnavailable.
	TryDebit(ctx context.Context, account string, amount int64, ref BidRef) (int64, error)

	// Credit adds amount to the account, creating it if needed, and
	// returns the new balance.
	Credit(ctx context.Context, account string, amount int64) (int64, error)
}
