package round

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
)

// PayoutRecorder persists settlement credits so that a failed credit is
// surfaced for out-of-band retry rather than silently dropped, and so
// restart reconciliation can tell concluded rounds from abandoned ones.
type PayoutRecorder interface {
	Insert(ctx context.Context, p models.Payout) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus) error
}

// Resolver decides and executes the payout for a round leaving
// SETTLING.
type Resolver struct {
	ledger  ledger.Ledger
	payouts PayoutRecorder
	timeout time.Duration
}

func NewResolver(lg ledger.Ledger, payouts PayoutRecorder, timeout time.Duration) *Resolver {
	return &Resolver{ledger: lg, payouts: payouts, timeout: timeout}
}

// Settle computes the outcome and attempts the credit. A credit the
// resolver cannot complete is left as a pending payout row for the
// relay; the round is still considered settled either way, so the tier
// never hangs in SETTLING. Never retries in-line.
func (res *Resolver) Settle(ctx context.Context, r *models.Round, now time.Time) models.Outcome {
	outcome := models.Outcome{
		RoundID:   r.ID,
		Tier:      r.Tier,
		SettledAt: now,
	}

	switch len(r.Participants) {
	case 0:
		// Nobody bid: the pot was never owed to anyone.
		outcome.Kind = models.OutcomeVoid

	case 1:
		// A single participant cannot win by definition; they get
		// their fees back in full, not the smaller pot.
		outcome.Kind = models.OutcomeRefund
		outcome.Winner = r.LastBidder
		outcome.Amount = r.Contributions[r.LastBidder]

	default:
		outcome.Kind = models.OutcomeWin
		outcome.Winner = r.LastBidder
		outcome.Amount = r.Pot
	}

	res.execute(ctx, r, outcome)

	log.Info().
		Str("tier", r.Tier).
		Str("round_id", r.ID.String()).
		Str("kind", string(outcome.Kind)).
		Str("winner", outcome.Winner).
		Int64("amount_cents", outcome.Amount).
		Int("participants", len(r.Participants)).
		Msg("round settled")

	return outcome
}

func (res *Resolver) execute(ctx context.Context, r *models.Round, outcome models.Outcome) {
	ctx, cancel := context.WithTimeout(ctx, res.timeout)
	defer cancel()

	payout := models.Payout{
		ID:      uuid.New(),
		Tier:    r.Tier,
		RoundID: r.ID,
		Account: outcome.Winner,
		Amount:  outcome.Amount,
		Kind:    outcome.Kind,
		Status:  models.PayoutSettling,
	}
	if outcome.Kind == models.OutcomeVoid {
		// Zero-amount marker row: concluded, nothing owed.
		payout.Status = models.PayoutPaid
	}

	recorded := true
	if err := res.payouts.Insert(ctx, payout); err != nil {
		// The credit is still attempted below; losing the record is
		// less bad than losing the payout.
		recorded = false
		log.Error().Err(err).
			Str("tier", r.Tier).
			Str("round_id", r.ID.String()).
			Msg("failed to record payout, attempting credit anyway")
	}

	if outcome.Amount == 0 {
		return
	}

	if _, err := res.ledger.Credit(ctx, outcome.Winner, outcome.Amount); err != nil {
		log.Error().Err(err).
			Str("tier", r.Tier).
			Str("round_id", r.ID.String()).
			Str("account", outcome.Winner).
			Int64("amount_cents", outcome.Amount).
			Msg("settlement credit failed, handing payout to relay")
		if recorded {
			// Releasing to pending fires the relay's NOTIFY trigger.
			if err := res.payouts.UpdateStatus(ctx, payout.ID, models.PayoutPending); err != nil {
				log.Error().Err(err).
					Str("payout_id", payout.ID.String()).
					Msg("failed to release payout for retry")
			}
		}
		return
	}

	if recorded {
		if err := res.payouts.UpdateStatus(ctx, payout.ID, models.PayoutPaid); err != nil {
			// Credit landed but the row still says settling; the relay
			// ignores settling rows, so this cannot double-pay.
			log.Error().Err(err).
				Str("payout_id", payout.ID.String()).
				Msg("credit succeeded but payout row not marked paid")
		}
		return
	}

	// The credit landed but the earlier insert failed, so the round has
	// no payout row. Without one, restart reconciliation reads the round
	// as abandoned and refunds every bid on top of the credit. Re-insert
	// as paid to mark the round concluded.
	payout.Status = models.PayoutPaid
	if err := res.payouts.Insert(ctx, payout); err != nil {
		log.Error().Err(err).
			Str("tier", r.Tier).
			Str("round_id", r.ID.String()).
			Msg("paid round has no payout row, restart reconciliation may refund its bids")
	}
}
