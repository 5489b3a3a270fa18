package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierConfig is the static configuration for one auction tier. All
// values are fixed for the lifetime of the process; nothing here is
// derived at runtime.
type TierConfig struct {
	Name                   string
	BidCost                int64
	JackpotShare           float64
	RoundDuration          time.Duration
	SnipeWindow            time.Duration
	Cooldown               time.Duration
	MinBidInterval         time.Duration
	BidLogCapacity         int
	RecentOutcomesCapacity int
	TickInterval           time.Duration
	LedgerTimeout          time.Duration
}

// tierYAML is the on-disk shape; durations are Go duration strings
// ("5m", "500ms"), parsed explicitly since yaml.v3 has no native
// time.Duration support.
type tierYAML struct {
	Name                   string  `yaml:"name"`
	BidCost                int64   `yaml:"bid_cost_cents"`
	JackpotShare           float64 `yaml:"jackpot_share"`
	RoundDuration          string  `yaml:"round_duration"`
	SnipeWindow            string  `yaml:"snipe_window"`
	Cooldown               string  `yaml:"cooldown"`
	MinBidInterval         string  `yaml:"min_bid_interval"`
	BidLogCapacity         int     `yaml:"bid_log_capacity"`
	RecentOutcomesCapacity int     `yaml:"recent_outcomes_capacity"`
	TickInterval           string  `yaml:"tick_interval"`
	LedgerTimeout          string  `yaml:"ledger_timeout"`
}

// PotContribution is the integral number of cents each accepted bid
// adds to the pot. Computed once from bid cost and jackpot share so the
// pot never accumulates float error.
func (t TierConfig) PotContribution() int64 {
	return int64(math.Round(float64(t.BidCost) * t.JackpotShare))
}

// Config is the root of the YAML config file.
type Config struct {
	Tiers []TierConfig
}

type configYAML struct {
	Tiers []tierYAML `yaml:"tiers"`
}

// DefaultTier returns a tier with the stock game parameters: $1 bids,
// 95% of each fee into the pot, 5 minute rounds, 10 second anti-snipe
// window, 15 second cooldown between rounds and a 500ms per-bidder
// cooldown.
func DefaultTier(name string) TierConfig {
	return TierConfig{
		Name:                   name,
		BidCost:                100,
		JackpotShare:           0.95,
		RoundDuration:          5 * time.Minute,
		SnipeWindow:            10 * time.Second,
		Cooldown:               15 * time.Second,
		MinBidInterval:         500 * time.Millisecond,
		BidLogCapacity:         50,
		RecentOutcomesCapacity: 5,
		TickInterval:           time.Second,
		LedgerTimeout:          5 * time.Second,
	}
}

// Load reads and validates the YAML config file. Missing per-tier
// fields fall back to the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw configYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(raw.Tiers) == 0 {
		return nil, fmt.Errorf("config defines no tiers")
	}

	cfg := &Config{Tiers: make([]TierConfig, 0, len(raw.Tiers))}
	seen := make(map[string]bool)
	for _, rt := range raw.Tiers {
		tier, err := rt.toTier()
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", rt.Name, err)
		}
		applyDefaults(&tier)
		if err := tier.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier.Name, err)
		}
		if seen[tier.Name] {
			return nil, fmt.Errorf("duplicate tier name %q", tier.Name)
		}
		seen[tier.Name] = true
		cfg.Tiers = append(cfg.Tiers, tier)
	}

	return cfg, nil
}

func (y tierYAML) toTier() (TierConfig, error) {
	t := TierConfig{
		Name:                   y.Name,
		BidCost:                y.BidCost,
		JackpotShare:           y.JackpotShare,
		BidLogCapacity:         y.BidLogCapacity,
		RecentOutcomesCapacity: y.RecentOutcomesCapacity,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"round_duration", y.RoundDuration, &t.RoundDuration},
		{"snipe_window", y.SnipeWindow, &t.SnipeWindow},
		{"cooldown", y.Cooldown, &t.Cooldown},
		{"min_bid_interval", y.MinBidInterval, &t.MinBidInterval},
		{"tick_interval", y.TickInterval, &t.TickInterval},
		{"ledger_timeout", y.LedgerTimeout, &t.LedgerTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return TierConfig{}, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return t, nil
}

func applyDefaults(t *TierConfig) {
	def := DefaultTier(t.Name)
	if t.BidCost == 0 {
		t.BidCost = def.BidCost
	}
	if t.JackpotShare == 0 {
		t.JackpotShare = def.JackpotShare
	}
	if t.RoundDuration == 0 {
		t.RoundDuration = def.RoundDuration
	}
	if t.SnipeWindow == 0 {
		t.SnipeWindow = def.SnipeWindow
	}
	if t.Cooldown == 0 {
		t.Cooldown = def.Cooldown
	}
	if t.MinBidInterval == 0 {
		t.MinBidInterval = def.MinBidInterval
	}
	if t.BidLogCapacity == 0 {
		t.BidLogCapacity = def.BidLogCapacity
	}
	if t.RecentOutcomesCapacity == 0 {
		t.RecentOutcomesCapacity = def.RecentOutcomesCapacity
	}
	if t.TickInterval == 0 {
		t.TickInterval = def.TickInterval
	}
	if t.LedgerTimeout == 0 {
		t.LedgerTimeout = def.LedgerTimeout
	}
}

// Validate rejects configurations the round machine cannot run safely.
func (t TierConfig) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if t.BidCost <= 0 {
		return fmt.Errorf("bid_cost_cents must be positive, got %d", t.BidCost)
	}
	if t.JackpotShare <= 0 || t.JackpotShare > 1 {
		return fmt.Errorf("jackpot_share must be in (0, 1], got %v", t.JackpotShare)
	}
	if t.RoundDuration <= 0 {
		return fmt.Errorf("round_duration must be positive")
	}
	if t.SnipeWindow <= 0 || t.SnipeWindow >= t.RoundDuration {
		return fmt.Errorf("snipe_window must be positive and shorter than round_duration")
	}
	// The clock must tick materially faster than the anti-snipe window
	// or expiry could overshoot it.
	if t.TickInterval <= 0 || t.TickInterval >= t.SnipeWindow {
		return fmt.Errorf("tick_interval must be positive and shorter than snipe_window")
	}
	if t.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	if t.MinBidInterval < 0 {
		return fmt.Errorf("min_bid_interval must not be negative")
	}
	if t.BidLogCapacity <= 0 || t.RecentOutcomesCapacity <= 0 {
		return fmt.Errorf("bid_log_capacity and recent_outcomes_capacity must be positive")
	}
	return nil
}
