package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lastbid-gg/lastbid/internal/config"
	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
)

// fakeLedger is an in-memory balance store with injectable failures.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[string]int64
	debitErr  error
	creditErr error
	debits    int
	credits   []fakeCredit
}

type fakeCredit struct {
	account string
	amount  int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (f *fakeLedger) TryDebit(_ context.Context, account string, amount int64, _ ledger.BidRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return 0, f.debitErr
	}
	if f.balances[account] < amount {
		return 0, ledger.ErrInsufficientFunds
	}
	f.balances[account] -= amount
	f.debits++
	return f.balances[account], nil
}

func (f *fakeLedger) Credit(_ context.Context, account string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	f.balances[account] += amount
	f.credits = append(f.credits, fakeCredit{account: account, amount: amount})
	return f.balances[account], nil
}

func (f *fakeLedger) balance(account string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account]
}

func (f *fakeLedger) creditCalls() []fakeCredit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCredit(nil), f.credits...)
}

type fakeSink struct {
	mu    sync.Mutex
	snaps []models.RoundSnapshot
}

func (f *fakeSink) PublishSnapshot(snap models.RoundSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
}

func (f *fakeSink) published() []models.RoundSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RoundSnapshot(nil), f.snaps...)
}

type fakeEmitter struct {
	mu      sync.Mutex
	settled []models.Outcome
	resets  int
}

func (f *fakeEmitter) EmitRoundSettled(outcome models.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, outcome)
}

func (f *fakeEmitter) EmitRoundReset(string, uuid.UUID, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeEmitter) settledOutcomes() []models.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Outcome(nil), f.settled...)
}

// fakeRecorder captures payout rows and their status transitions.
// insertErr fails every insert; failInserts fails only the next n.
type fakeRecorder struct {
	mu          sync.Mutex
	rows        []models.Payout
	statuses    map[uuid.UUID]models.PayoutStatus
	insertErr   error
	failInserts int
	updateErr   error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{statuses: make(map[uuid.UUID]models.PayoutStatus)}
}

func (f *fakeRecorder) Insert(_ context.Context, p models.Payout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.failInserts > 0 {
		f.failInserts--
		return errors.New("insert failed")
	}
	f.rows = append(f.rows, p)
	f.statuses[p.ID] = p.Status
	return nil
}

func (f *fakeRecorder) UpdateStatus(_ context.Context, id uuid.UUID, status models.PayoutStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeRecorder) inserted() []models.Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Payout(nil), f.rows...)
}

func (f *fakeRecorder) statusOf(id uuid.UUID) models.PayoutStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func testTier() config.TierConfig {
	return config.TierConfig{
		Name:                   "standard",
		BidCost:                100,
		JackpotShare:           0.95,
		RoundDuration:          5 * time.Minute,
		SnipeWindow:            10 * time.Second,
		Cooldown:               15 * time.Second,
		MinBidInterval:         500 * time.Millisecond,
		BidLogCapacity:         50,
		RecentOutcomesCapacity: 5,
		TickInterval:           time.Second,
		LedgerTimeout:          time.Second,
	}
}

type machineFixture struct {
	machine  *Machine
	ledger   *fakeLedger
	sink     *fakeSink
	emitter  *fakeEmitter
	recorder *fakeRecorder
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, cfg config.TierConfig) *machineFixture {
	t.Helper()
	lg := newFakeLedger()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	recorder := newFakeRecorder()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	resolver := NewResolver(lg, recorder, time.Second)
	return &machineFixture{
		machine:  NewMachine(cfg, lg, resolver, sink, emitter, clock),
		ledger:   lg,
		sink:     sink,
		emitter:  emitter,
		recorder: recorder,
		clock:    clock,
	}
}

// expire advances the clock past the round deadline and ticks once.
func (fx *machineFixture) expire(t *testing.T) {
	t.Helper()
	deadline := fx.machine.Snapshot().Deadline
	fx.clock.Advance(deadline.Sub(fx.clock.Now()))
	fx.machine.Tick(context.Background())
}

func TestPlaceBidDebitsAndGrowsPot(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000

	balance, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance)

	snap := fx.machine.Snapshot()
	assert.Equal(t, int64(95), snap.Pot)
	assert.Equal(t, "alice", snap.LastBidder)
	assert.Equal(t, 1, snap.ParticipantCount)
	require.Len(t, snap.BidLog, 1)
	assert.Equal(t, "alice", snap.BidLog[0].Bidder)
	assert.Equal(t, int64(100), snap.BidLog[0].Amount)
}

func TestPlaceBidInsufficientFundsLeavesRoundUntouched(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 99

	before := fx.machine.Snapshot()
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	after := fx.machine.Snapshot()
	assert.Equal(t, before.Pot, after.Pot)
	assert.Equal(t, before.Deadline, after.Deadline)
	assert.Empty(t, after.BidLog)
	assert.Zero(t, after.ParticipantCount)
	assert.Equal(t, int64(99), fx.ledger.balance("alice"))
}

func TestPlaceBidLedgerUnavailable(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.ledger.debitErr = fmt.Errorf("%w: connection refused", ledger.ErrUnavailable)

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Zero(t, fx.machine.Snapshot().Pot)
}

func TestPlaceBidPerBidderCooldown(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.ledger.balances["bob"] = 1000

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	fx.clock.Advance(499 * time.Millisecond)
	_, err = fx.machine.PlaceBid(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrCooldownRateLimited)

	// The cooldown is per bidder, not per tier.
	_, err = fx.machine.PlaceBid(context.Background(), "bob")
	assert.NoError(t, err)

	fx.clock.Advance(1 * time.Millisecond)
	_, err = fx.machine.PlaceBid(context.Background(), "alice")
	assert.NoError(t, err)

	// A rejected attempt must not have restarted alice's cooldown.
	assert.Equal(t, 3, fx.ledger.debits)
}

func TestPlaceBidAtExactDeadlineRejected(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000

	fx.clock.Advance(5 * time.Minute)
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRoundNotActive)
}

func TestPlaceBidDuringSettlingAndCooldownRejected(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.expire(t)

	snap := fx.machine.Snapshot()
	require.Equal(t, models.RoundStateCooldown, snap.State)

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRoundNotActive)
}

func TestAntiSnipeExtendsToWindow(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 10000

	// 3 seconds left on a 10 second window: the deadline becomes
	// now+10s, not now+13s.
	fx.clock.Advance(5*time.Minute - 3*time.Second)
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	snap := fx.machine.Snapshot()
	assert.Equal(t, fx.clock.Now().Add(10*time.Second), snap.Deadline)
}

func TestBidOutsideSnipeWindowDoesNotExtend(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 10000

	before := fx.machine.Snapshot().Deadline
	fx.clock.Advance(time.Minute)
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, before, fx.machine.Snapshot().Deadline)
}

func TestDeadlineNeverMovesEarlier(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 10000
	fx.ledger.balances["bob"] = 10000

	fx.clock.Advance(5*time.Minute - time.Second)
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)
	extended := fx.machine.Snapshot().Deadline

	fx.clock.Advance(time.Second)
	_, err = fx.machine.PlaceBid(context.Background(), "bob")
	require.NoError(t, err)

	assert.False(t, fx.machine.Snapshot().Deadline.Before(extended))
}

func TestTickBeforeDeadlineIsNoop(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.clock.Advance(time.Minute)
	fx.machine.Tick(context.Background())

	snap := fx.machine.Snapshot()
	assert.Equal(t, models.RoundStateActive, snap.State)
	assert.Empty(t, fx.recorder.inserted())
}

func TestExpirySettlesExactlyOnce(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.ledger.balances["bob"] = 1000

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)
	fx.clock.Advance(time.Second)
	_, err = fx.machine.PlaceBid(context.Background(), "bob")
	require.NoError(t, err)

	fx.expire(t)
	// Repeated ticks during cooldown must not settle again.
	fx.machine.Tick(context.Background())
	fx.machine.Tick(context.Background())

	assert.Len(t, fx.emitter.settledOutcomes(), 1)
	assert.Len(t, fx.recorder.inserted(), 1)
	assert.Len(t, fx.ledger.creditCalls(), 1)
	assert.Equal(t, models.RoundStateCooldown, fx.machine.Snapshot().State)
}

func TestVoidRoundMovesNoMoney(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.expire(t)

	outcomes := fx.emitter.settledOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeVoid, outcomes[0].Kind)
	assert.Zero(t, outcomes[0].Amount)
	assert.Empty(t, outcomes[0].Winner)
	assert.Empty(t, fx.ledger.creditCalls())

	// The concluded-round marker row is written as already paid.
	rows := fx.recorder.inserted()
	require.Len(t, rows, 1)
	assert.Equal(t, models.PayoutPaid, rows[0].Status)
	assert.Zero(t, rows[0].Amount)
}

func TestSoloParticipantRefundedInFull(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000

	for i := 0; i < 3; i++ {
		_, err := fx.machine.PlaceBid(context.Background(), "alice")
		require.NoError(t, err)
		fx.clock.Advance(time.Second)
	}
	require.Equal(t, int64(700), fx.ledger.balance("alice"))

	fx.expire(t)

	outcomes := fx.emitter.settledOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeRefund, outcomes[0].Kind)
	assert.Equal(t, "alice", outcomes[0].Winner)
	// Full fees back, not the smaller 95% pot.
	assert.Equal(t, int64(300), outcomes[0].Amount)
	assert.Equal(t, int64(1000), fx.ledger.balance("alice"))
}

func TestWinnerTakesExactPot(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.ledger.balances["bob"] = 1000

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)
	fx.clock.Advance(time.Second)
	_, err = fx.machine.PlaceBid(context.Background(), "bob")
	require.NoError(t, err)
	fx.clock.Advance(time.Second)
	_, err = fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	fx.expire(t)

	outcomes := fx.emitter.settledOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeWin, outcomes[0].Kind)
	assert.Equal(t, "alice", outcomes[0].Winner)
	assert.Equal(t, int64(3*95), outcomes[0].Amount)
	assert.Equal(t, int64(1000-200+3*95), fx.ledger.balance("alice"))
	assert.Equal(t, int64(900), fx.ledger.balance("bob"))
}

func TestCooldownElapsedStartsFreshRound(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	settledID := fx.machine.Snapshot().RoundID
	fx.expire(t)
	require.Equal(t, models.RoundStateCooldown, fx.machine.Snapshot().State)

	fx.clock.Advance(15 * time.Second)
	fx.machine.Tick(context.Background())

	snap := fx.machine.Snapshot()
	assert.Equal(t, models.RoundStateActive, snap.State)
	assert.NotEqual(t, settledID, snap.RoundID)
	assert.Zero(t, snap.Pot)
	assert.Empty(t, snap.BidLog)
	assert.Zero(t, snap.ParticipantCount)
	assert.Empty(t, snap.LastBidder)
	assert.Nil(t, snap.CooldownUntil)
	assert.Equal(t, fx.clock.Now().Add(5*time.Minute), snap.Deadline)
	// Outcome history survives the reset.
	require.Len(t, snap.RecentOutcomes, 1)

	// Per-bidder cooldowns do not: alice can bid immediately.
	_, err = fx.machine.PlaceBid(context.Background(), "alice")
	assert.NoError(t, err)
}

func TestRecentOutcomesCapped(t *testing.T) {
	cfg := testTier()
	cfg.RecentOutcomesCapacity = 2
	fx := newFixture(t, cfg)

	for i := 0; i < 4; i++ {
		fx.expire(t)
		fx.clock.Advance(cfg.Cooldown)
		fx.machine.Tick(context.Background())
	}

	snap := fx.machine.Snapshot()
	assert.Len(t, snap.RecentOutcomes, 2)
}

func TestBidLogCappedMostRecentFirst(t *testing.T) {
	cfg := testTier()
	cfg.BidLogCapacity = 3
	cfg.MinBidInterval = 0
	fx := newFixture(t, cfg)
	fx.ledger.balances["alice"] = 10000

	for i := 0; i < 5; i++ {
		_, err := fx.machine.PlaceBid(context.Background(), "alice")
		require.NoError(t, err)
	}

	snap := fx.machine.Snapshot()
	require.Len(t, snap.BidLog, 3)
	assert.Equal(t, uint64(5), snap.BidLog[0].ID)
	assert.Equal(t, uint64(4), snap.BidLog[1].ID)
	assert.Equal(t, uint64(3), snap.BidLog[2].ID)
}

func TestForceResetSeedsPot(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	fx.machine.ForceReset(500)

	snap := fx.machine.Snapshot()
	assert.Equal(t, models.RoundStateActive, snap.State)
	assert.Equal(t, int64(500), snap.Pot)
	assert.Empty(t, snap.BidLog)
	// The abandoned round is not settled.
	assert.Empty(t, fx.recorder.inserted())
	assert.Empty(t, fx.emitter.settledOutcomes())
}

func TestForceSetPot(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.machine.ForceSetPot(12345)
	assert.Equal(t, int64(12345), fx.machine.Snapshot().Pot)
	// Pot override does not touch the round identity or deadline.
	assert.Equal(t, models.RoundStateActive, fx.machine.Snapshot().State)
}

func TestSnapshotPublishedOnEveryTransition(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	fx.expire(t)

	var states []models.RoundState
	for _, snap := range fx.sink.published() {
		states = append(states, snap.State)
	}
	// Bid publish, then SETTLING, then COOLDOWN.
	require.Len(t, states, 3)
	assert.Equal(t, models.RoundStateActive, states[0])
	assert.Equal(t, models.RoundStateSettling, states[1])
	assert.Equal(t, models.RoundStateCooldown, states[2])

	last := fx.sink.published()[2]
	require.NotNil(t, last.CooldownUntil)
	assert.Equal(t, fx.clock.Now().Add(15*time.Second), *last.CooldownUntil)
}

func TestConcurrentBidsKeepPotExact(t *testing.T) {
	cfg := testTier()
	cfg.MinBidInterval = 0
	fx := newFixture(t, cfg)

	const bidders = 10
	const bidsEach = 20
	for i := 0; i < bidders; i++ {
		fx.ledger.balances[fmt.Sprintf("bidder-%d", i)] = bidsEach * cfg.BidCost
	}

	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			for j := 0; j < bidsEach; j++ {
				_, err := fx.machine.PlaceBid(context.Background(), account)
				if err != nil {
					t.Errorf("unexpected bid error for %s: %v", account, err)
					return
				}
			}
		}(fmt.Sprintf("bidder-%d", i))
	}
	wg.Wait()

	snap := fx.machine.Snapshot()
	assert.Equal(t, int64(bidders*bidsEach*95), snap.Pot)
	assert.Equal(t, bidders, snap.ParticipantCount)
	assert.Equal(t, bidders*bidsEach, fx.ledger.debits)

	// Every account was debited exactly bidsEach times.
	for i := 0; i < bidders; i++ {
		assert.Zero(t, fx.ledger.balance(fmt.Sprintf("bidder-%d", i)))
	}

	// Bid IDs in the log are unique.
	seen := make(map[uint64]bool)
	for _, b := range snap.BidLog {
		assert.False(t, seen[b.ID], "duplicate bid id %d", b.ID)
		seen[b.ID] = true
	}
}

func TestSnapshotIsDetachedCopy(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.NoError(t, err)

	snap := fx.machine.Snapshot()
	snap.BidLog[0].Bidder = "mallory"

	assert.Equal(t, "alice", fx.machine.Snapshot().BidLog[0].Bidder)
}

func TestLedgerErrorDoesNotConsumeCooldown(t *testing.T) {
	fx := newFixture(t, testTier())
	fx.ledger.balances["alice"] = 1000
	fx.ledger.debitErr = errors.New("boom")

	_, err := fx.machine.PlaceBid(context.Background(), "alice")
	require.Error(t, err)

	// A failed debit leaves no cooldown behind; the retry is accepted.
	fx.ledger.debitErr = nil
	_, err = fx.machine.PlaceBid(context.Background(), "alice")
	assert.NoError(t, err)
}
