package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundState is the lifecycle phase of an auction round.
type RoundState string

const (
	RoundStateActive   RoundState = "ACTIVE"
	RoundStateSettling RoundState = "SETTLING"
	RoundStateCooldown RoundState = "COOLDOWN"
)

// Bid is one accepted wager. IDs are strictly increasing within a round.
type Bid struct {
	ID       uint64    `json:"id"`
	Bidder   string    `json:"bidder"`
	Amount   int64     `json:"amount_cents"`
	PlacedAt time.Time `json:"placed_at"`
}

// Round is one auction cycle for a tier, owned exclusively by the tier's
// state machine. It is replaced by a fresh value at every reset, never
// reused across a round boundary.
type Round struct {
	ID       uuid.UUID
	Tier     string
	State    RoundState
	BidCost  int64
	Pot      int64
	Deadline time.Time

	// CooldownDeadline is only meaningful while State == COOLDOWN.
	CooldownDeadline time.Time

	LastBidder string

	// BidLog holds the most recent bids first and is bounded; it is a
	// display aid. Contributions is never truncated and is the
	// authoritative source for refunds.
	BidLog        []Bid
	Participants  map[string]struct{}
	Contributions map[string]int64

	StartedAt time.Time
	Settled   bool
}

// NewRound constructs a fresh ACTIVE round for a tier.
func NewRound(tier string, bidCost int64, now time.Time, duration time.Duration) *Round {
	return &Round{
		ID:            uuid.New(),
		Tier:          tier,
		State:         RoundStateActive,
		BidCost:       bidCost,
		Deadline:      now.Add(duration),
		Participants:  make(map[string]struct{}),
		Contributions: make(map[string]int64),
		StartedAt:     now,
	}
}
