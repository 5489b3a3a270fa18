package round

import "errors"

var (
	// ErrRoundNotActive rejects bids that arrive at or after the
	// deadline, or during settlement/cooldown. No state is mutated.
	ErrRoundNotActive = errors.New("round not active")

	// ErrCooldownRateLimited rejects a bid placed before the bidder's
	// min-bid-interval has elapsed. Fairness control, not correctness.
	ErrCooldownRateLimited = errors.New("bidder rate limited")

	// ErrUnknownTier rejects operations against a tier that was never
	// configured.
	ErrUnknownTier = errors.New("unknown tier")
)
