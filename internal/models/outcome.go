package models

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind classifies how a round concluded.
type OutcomeKind string

const (
	OutcomeWin    OutcomeKind = "WIN"    // last bidder paid the pot
	OutcomeRefund OutcomeKind = "REFUND" // sole participant made whole
	OutcomeVoid   OutcomeKind = "VOID"   // nobody bid, pot discarded
)

// Outcome is the result of one settled round.
type Outcome struct {
	RoundID   uuid.UUID   `json:"round_id"`
	Tier      string      `json:"tier"`
	Kind      OutcomeKind `json:"kind"`
	Winner    string      `json:"winner,omitempty"`
	Amount    int64       `json:"amount_cents"`
	SettledAt time.Time   `json:"settled_at"`
}

// PayoutStatus tracks a settlement credit through the payout table.
type PayoutStatus string

const (
	// PayoutSettling marks a row claimed by the resolver; the credit is
	// in flight inside settlement.
	PayoutSettling PayoutStatus = "settling"
	// PayoutPending marks a credit the resolver could not complete; the
	// relay owns it from here.
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	// PayoutStuck means the relay exhausted its retries; operators are
	// alerted and the row needs manual reconciliation.
	PayoutStuck PayoutStatus = "stuck"
)

// Payout is one settlement credit owed to an account. Void rounds write
// a zero-amount row so restart reconciliation can tell a concluded
// round from an abandoned one.
type Payout struct {
	ID        uuid.UUID
	Tier      string
	RoundID   uuid.UUID
	Account   string
	Amount    int64
	Kind      OutcomeKind
	Status    PayoutStatus
	CreatedAt time.Time
}
