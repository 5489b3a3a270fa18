package round

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/config"
	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
)

// BroadcastSink receives round snapshots for fan-out to subscribers.
// Implementations must not block: the machine publishes while holding
// its tier lock.
type BroadcastSink interface {
	PublishSnapshot(snap models.RoundSnapshot)
}

// Emitter publishes domain events to downstream collaborators (chat,
// leaderboards, operator alerts). Fire-and-forget from the machine's
// point of view.
type Emitter interface {
	EmitRoundSettled(outcome models.Outcome)
	EmitRoundReset(tier string, roundID uuid.UUID, deadline time.Time)
}

// Machine is the single authority over one tier's round. Every external
// operation — bids, clock ticks, admin overrides — runs under one
// mutex, so the ledger round-trip and the in-memory mutation of a bid
// form one atomic step from the perspective of every other caller.
// Different tiers run independent machines.
type Machine struct {
	cfg             config.TierConfig
	potContribution int64
	ledger          ledger.Ledger
	resolver        *Resolver
	sink            BroadcastSink
	emitter         Emitter
	clock           clockwork.Clock

	mu             sync.Mutex
	round          *models.Round
	recentOutcomes []models.Outcome
	lastAccepted   map[string]time.Time
	bidSeq         uint64
}

// NewMachine creates a machine with a fresh ACTIVE round starting now.
// sink and emitter may be nil (useful in tests and during startup).
func NewMachine(cfg config.TierConfig, lg ledger.Ledger, resolver *Resolver, sink BroadcastSink, emitter Emitter, clock clockwork.Clock) *Machine {
	m := &Machine{
		cfg:             cfg,
		potContribution: cfg.PotContribution(),
		ledger:          lg,
		resolver:        resolver,
		sink:            sink,
		emitter:         emitter,
		clock:           clock,
		lastAccepted:    make(map[string]time.Time),
	}
	m.round = models.NewRound(cfg.Name, cfg.BidCost, clock.Now(), cfg.RoundDuration)
	return m
}

// PlaceBid validates, debits and applies one bid, returning the
// bidder's new balance. The debit and the mutation happen under the
// tier lock: no second bid for this tier begins until this one's full
// step, including the ledger round-trip, has completed.
func (m *Machine) PlaceBid(ctx context.Context, bidder string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	r := m.round

	// A bid arriving exactly at the deadline loses to the round ending.
	if r.State != models.RoundStateActive || !now.Before(r.Deadline) {
		return 0, ErrRoundNotActive
	}

	if last, ok := m.lastAccepted[bidder]; ok && now.Sub(last) < m.cfg.MinBidInterval {
		return 0, ErrCooldownRateLimited
	}

	m.bidSeq++
	ref := ledger.BidRef{Tier: r.Tier, RoundID: r.ID, BidID: m.bidSeq}

	debitCtx, cancel := context.WithTimeout(ctx, m.cfg.LedgerTimeout)
	defer cancel()

	balance, err := m.ledger.TryDebit(debitCtx, bidder, r.BidCost, ref)
	if err != nil {
		// No retry here: a timeout does not prove the debit failed.
		// Startup reconciliation covers the uncertain cases.
		return 0, err
	}

	bid := models.Bid{ID: m.bidSeq, Bidder: bidder, Amount: r.BidCost, PlacedAt: now}
	r.BidLog = append([]models.Bid{bid}, r.BidLog...)
	if len(r.BidLog) > m.cfg.BidLogCapacity {
		r.BidLog = r.BidLog[:m.cfg.BidLogCapacity]
	}
	r.Pot += m.potContribution
	r.LastBidder = bidder
	r.Participants[bidder] = struct{}{}
	r.Contributions[bidder] += r.BidCost
	m.lastAccepted[bidder] = now

	// Anti-snipe: every accepted bid leaves at least the snipe window
	// of remaining time. Extends only, never shortens.
	if r.Deadline.Sub(now) < m.cfg.SnipeWindow {
		r.Deadline = now.Add(m.cfg.SnipeWindow)
	}

	log.Debug().
		Str("tier", r.Tier).
		Str("round_id", r.ID.String()).
		Str("bidder", bidder).
		Uint64("bid_id", bid.ID).
		Int64("pot_cents", r.Pot).
		Time("deadline", r.Deadline).
		Msg("bid accepted")

	m.publishLocked(now)
	return balance, nil
}

// Tick evaluates the clock against the round. It is idempotent: ticks
// that find no due transition are no-ops, and a passed deadline causes
// exactly one ACTIVE→SETTLING→COOLDOWN sequence no matter how many
// ticks observe it.
func (m *Machine) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	r := m.round

	switch r.State {
	case models.RoundStateActive:
		if now.Before(r.Deadline) {
			return
		}
		r.State = models.RoundStateSettling
		m.publishLocked(now)
		m.settleLocked(ctx, now)
		r.State = models.RoundStateCooldown
		r.CooldownDeadline = now.Add(m.cfg.Cooldown)
		m.publishLocked(now)

	case models.RoundStateCooldown:
		if now.Before(r.CooldownDeadline) {
			return
		}
		m.resetLocked(now, 0)
	}
}

// settleLocked runs settlement exactly once per round; the settled flag
// survives the SETTLING→COOLDOWN transition.
func (m *Machine) settleLocked(ctx context.Context, now time.Time) {
	r := m.round
	if r.Settled {
		return
	}
	outcome := m.resolver.Settle(ctx, r, now)
	r.Settled = true

	m.recentOutcomes = append([]models.Outcome{outcome}, m.recentOutcomes...)
	if len(m.recentOutcomes) > m.cfg.RecentOutcomesCapacity {
		m.recentOutcomes = m.recentOutcomes[:m.cfg.RecentOutcomesCapacity]
	}

	if m.emitter != nil {
		m.emitter.EmitRoundSettled(outcome)
	}
}

// resetLocked replaces the round with a freshly constructed one. The
// old value is discarded wholesale so no stale field can leak across
// the boundary; recent outcomes carry over, per-bidder cooldowns do
// not.
func (m *Machine) resetLocked(now time.Time, potSeed int64) {
	m.round = models.NewRound(m.cfg.Name, m.cfg.BidCost, now, m.cfg.RoundDuration)
	m.round.Pot = potSeed
	m.lastAccepted = make(map[string]time.Time)
	m.bidSeq = 0

	log.Info().
		Str("tier", m.cfg.Name).
		Str("round_id", m.round.ID.String()).
		Time("deadline", m.round.Deadline).
		Int64("pot_seed_cents", potSeed).
		Msg("round reset")

	if m.emitter != nil {
		m.emitter.EmitRoundReset(m.cfg.Name, m.round.ID, m.round.Deadline)
	}
	m.publishLocked(now)
}

// ForceReset is the privileged operator reset: the current round is
// abandoned unsettled and a fresh ACTIVE round starts with the given
// pot seed. Credential checks happen upstream.
func (m *Machine) ForceReset(potSeed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warn().
		Str("tier", m.cfg.Name).
		Str("abandoned_round_id", m.round.ID.String()).
		Msg("operator forced round reset")
	m.resetLocked(m.clock.Now(), potSeed)
}

// ForceSetPot is the privileged operator pot override on the live
// round.
func (m *Machine) ForceSetPot(amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warn().
		Str("tier", m.cfg.Name).
		Str("round_id", m.round.ID.String()).
		Int64("old_pot_cents", m.round.Pot).
		Int64("new_pot_cents", amount).
		Msg("operator forced pot override")
	m.round.Pot = amount
	m.publishLocked(m.clock.Now())
}

// Snapshot returns a copy of the current round state.
func (m *Machine) Snapshot() models.RoundSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clock.Now())
}

func (m *Machine) publishLocked(now time.Time) {
	if m.sink == nil {
		return
	}
	m.sink.PublishSnapshot(m.snapshotLocked(now))
}

// snapshotLocked deep-copies everything mutable so the sink never holds
// a reference into live state.
func (m *Machine) snapshotLocked(now time.Time) models.RoundSnapshot {
	r := m.round
	snap := models.RoundSnapshot{
		Tier:             r.Tier,
		RoundID:          r.ID.String(),
		State:            r.State,
		BidCost:          r.BidCost,
		Pot:              r.Pot,
		Deadline:         r.Deadline,
		LastBidder:       r.LastBidder,
		ParticipantCount: len(r.Participants),
		BidLog:           append([]models.Bid(nil), r.BidLog...),
		RecentOutcomes:   append([]models.Outcome(nil), m.recentOutcomes...),
		ServerTime:       now,
	}
	if r.State == models.RoundStateCooldown {
		cd := r.CooldownDeadline
		snap.CooldownUntil = &cd
	}
	return snap
}
