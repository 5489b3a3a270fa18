package models

import "time"

// RoundSnapshot is an immutable copy of a round handed to the broadcast
// sink and the state endpoints. Recipients treat it as last-write-wins;
// pot and deadline are monotonic within a round, so a stale snapshot
// can be detected and discarded client-side if desired.
type RoundSnapshot struct {
	Tier             string     `json:"tier"`
	RoundID          string     `json:"round_id"`
	State            RoundState `json:"state"`
	BidCost          int64      `json:"bid_cost_cents"`
	Pot              int64      `json:"pot_cents"`
	Deadline         time.Time  `json:"deadline"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
	LastBidder       string     `json:"last_bidder,omitempty"`
	ParticipantCount int        `json:"participant_count"`
	BidLog           []Bid      `json:"bid_log"`
	RecentOutcomes   []Outcome  `json:"recent_outcomes"`
	ServerTime       time.Time  `json:"server_time"`
}
