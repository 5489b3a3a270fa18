package events

import (
	"time"
)

// Event payload types shared between the round engine, the payout
// relay and downstream consumers (chat, leaderboards, operator alerts).

const (
	TypeRoundSettled = "RoundSettled"
	TypeRoundReset   = "RoundReset"
	TypePayoutStuck  = "PayoutStuck"
	TypeBigWin       = "BigWin"
)

// RoundSettledPayload is emitted once per settled round.
type RoundSettledPayload struct {
	Tier        string    `json:"tier"`
	RoundID     string    `json:"round_id"`
	Kind        string    `json:"kind"`
	Winner      string    `json:"winner,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	SettledAt   time.Time `json:"settled_at"`
}

// RoundResetPayload is emitted when a fresh round opens.
type RoundResetPayload struct {
	Tier     string    `json:"tier"`
	RoundID  string    `json:"round_id"`
	Deadline time.Time `json:"deadline"`
	OpenedAt time.Time `json:"opened_at"`
}

// BigWinPayload is emitted alongside RoundSettled for wins over the
// configured threshold, so chat and leaderboard consumers can announce
// them without re-deriving the cutoff.
type BigWinPayload struct {
	Tier        string    `json:"tier"`
	RoundID     string    `json:"round_id"`
	Winner      string    `json:"winner"`
	AmountCents int64     `json:"amount_cents"`
	SettledAt   time.Time `json:"settled_at"`
}

// PayoutStuckPayload alerts operators that a settlement credit
// exhausted its retries and needs manual reconciliation.
type PayoutStuckPayload struct {
	PayoutID    string `json:"payout_id"`
	Tier        string `json:"tier"`
	RoundID     string `json:"round_id"`
	Account     string `json:"account"`
	AmountCents int64  `json:"amount_cents"`
	Attempts    int    `json:"attempts"`
}
