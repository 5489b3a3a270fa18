package round

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/config"
	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
)

// Service owns one machine and one clock loop per configured tier and
// is the entry point the gateway talks to. Tiers are fully independent;
// a slow ledger call on one never delays another.
type Service struct {
	machines map[string]*Machine
	clocks   []*Clock
}

// NewService builds machines for every configured tier.
func NewService(tiers []config.TierConfig, lg ledger.Ledger, resolver *Resolver, sink BroadcastSink, emitter Emitter, clock clockwork.Clock) *Service {
	s := &Service{machines: make(map[string]*Machine, len(tiers))}
	for _, tc := range tiers {
		m := NewMachine(tc, lg, resolver, sink, emitter, clock)
		s.machines[tc.Name] = m
		s.clocks = append(s.clocks, NewClock(m, tc.TickInterval, clock))
	}
	return s
}

// Start launches all tier clocks and blocks until the context is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Int("tiers", len(s.machines)).Msg("auction service starting")

	var wg sync.WaitGroup
	for _, c := range s.clocks {
		wg.Add(1)
		go func(c *Clock) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
	log.Info().Msg("auction service stopped")
}

// HasTier reports whether the tier is configured.
func (s *Service) HasTier(tier string) bool {
	_, ok := s.machines[tier]
	return ok
}

// PlaceBid routes a bid to its tier's machine.
func (s *Service) PlaceBid(ctx context.Context, tier, bidder string) (int64, error) {
	m, ok := s.machines[tier]
	if !ok {
		return 0, ErrUnknownTier
	}
	return m.PlaceBid(ctx, bidder)
}

// Snapshot returns the current state of one tier.
func (s *Service) Snapshot(tier string) (models.RoundSnapshot, error) {
	m, ok := s.machines[tier]
	if !ok {
		return models.RoundSnapshot{}, ErrUnknownTier
	}
	return m.Snapshot(), nil
}

// Snapshots returns all tiers' state, ordered by tier name.
func (s *Service) Snapshots() []models.RoundSnapshot {
	snaps := make([]models.RoundSnapshot, 0, len(s.machines))
	for _, m := range s.machines {
		snaps = append(snaps, m.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Tier < snaps[j].Tier })
	return snaps
}

// ForceReset abandons the tier's round and starts a fresh one with the
// given pot seed.
func (s *Service) ForceReset(tier string, potSeed int64) error {
	m, ok := s.machines[tier]
	if !ok {
		return ErrUnknownTier
	}
	m.ForceReset(potSeed)
	return nil
}

// ForceSetPot overrides the live pot for a tier.
func (s *Service) ForceSetPot(tier string, amount int64) error {
	m, ok := s.machines[tier]
	if !ok {
		return ErrUnknownTier
	}
	m.ForceSetPot(amount)
	return nil
}
