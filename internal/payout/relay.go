package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/models"
)

// RelayConfig holds settings for the payout retry relay.
type RelayConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed payouts
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	SettlingGrace    time.Duration // How long a settling row may sit before alerting
	BatchSize        int32
}

// DefaultRelayConfig returns default relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		NotifyChannel:    "payout_events",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		SettlingGrace:    10 * time.Minute,
		BatchSize:        100,
	}
}

// Store is what the relay needs from the payout repository.
type Store interface {
	FetchByID(ctx context.Context, id uuid.UUID) (models.Payout, error)
	FetchPending(ctx context.Context, limit int32) ([]models.Payout, error)
	FetchStaleSettling(ctx context.Context, olderThan time.Duration, limit int32) ([]models.Payout, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus) error
}

// Alerter surfaces payouts the relay could not complete.
type Alerter interface {
	EmitPayoutStuck(payout models.Payout, attempts int)
}

// Relay retries settlement credits the resolver could not complete,
// outside the round machines' critical sections. It reacts to NOTIFY
// events from the payouts table and sweeps on a fallback ticker for
// anything a notification missed.
type Relay struct {
	repo     Store
	ledger   ledger.Ledger
	alerter  Alerter
	listener *pq.Listener
	cfg      RelayConfig
}

// NewRelay wires a relay; Start creates the LISTEN connection.
func NewRelay(repo Store, lg ledger.Ledger, alerter Alerter, cfg RelayConfig) *Relay {
	return &Relay{repo: repo, ledger: lg, alerter: alerter, cfg: cfg}
}

// Start listens for payout notifications until the context is
// cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.listener = pq.NewListener(
		r.cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("payout listener event")
			}
		},
	)
	if err := r.listener.Listen(r.cfg.NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("payout relay started")

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	fallbackTicker := time.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("payout relay shutting down")
			return r.listener.Close()
		case note := <-r.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost and
				// is being re-established
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle payout notification")
			}
		case <-fallbackTicker.C:
			if err := r.sweep(ctx); err != nil {
				log.Error().Err(err).Msg("payout sweep failed")
			}
		case <-pingTicker.C:
			if err := r.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping payout listener")
			}
		}
	}
}

// handleNotification processes one NOTIFY payload (a payout UUID).
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid payout ID in notification: %w", err)
	}

	p, err := r.repo.FetchByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch payout: %w", err)
	}
	if p.Status != models.PayoutPending {
		// The resolver finished it after all, or another relay got it.
		return nil
	}

	return r.process(ctx, p)
}

// sweep retries every pending payout and flags stale settling rows.
func (r *Relay) sweep(ctx context.Context) error {
	pending, err := r.repo.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := r.process(ctx, p); err != nil {
			log.Error().Err(err).Str("payout_id", p.ID.String()).Msg("failed to process payout")
		}
	}

	stale, err := r.repo.FetchStaleSettling(ctx, r.cfg.SettlingGrace, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, p := range stale {
		// The credit may already have landed; crediting again could
		// double-pay, so these only get flagged for a human.
		log.Error().
			Str("payout_id", p.ID.String()).
			Str("tier", p.Tier).
			Str("account", p.Account).
			Int64("amount_cents", p.Amount).
			Msg("payout stuck in settling, needs manual reconciliation")
		if err := r.repo.UpdateStatus(ctx, p.ID, models.PayoutStuck); err != nil {
			log.Error().Err(err).Str("payout_id", p.ID.String()).Msg("failed to mark payout stuck")
			continue
		}
		if r.alerter != nil {
			r.alerter.EmitPayoutStuck(p, 0)
		}
	}
	return nil
}

// process credits one pending payout with bounded retries. Exhausted
// retries mark the row stuck and raise an alert; the money is never
// silently dropped.
func (r *Relay) process(ctx context.Context, p models.Payout) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if _, err := r.ledger.Credit(ctx, p.Account, p.Amount); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("payout_id", p.ID.String()).
				Int("attempt", attempt+1).
				Msg("payout credit failed, retrying")
			continue
		}

		if err := r.repo.UpdateStatus(ctx, p.ID, models.PayoutPaid); err != nil {
			return fmt.Errorf("credit landed but payout not marked paid: %w", err)
		}

		log.Info().
			Str("payout_id", p.ID.String()).
			Str("tier", p.Tier).
			Str("account", p.Account).
			Int64("amount_cents", p.Amount).
			Int("attempt", attempt+1).
			Msg("deferred payout credited")
		return nil
	}

	if err := r.repo.UpdateStatus(ctx, p.ID, models.PayoutStuck); err != nil {
		log.Error().Err(err).Str("payout_id", p.ID.String()).Msg("failed to mark payout stuck")
	}
	if r.alerter != nil {
		r.alerter.EmitPayoutStuck(p, r.cfg.MaxRetries+1)
	}
	return fmt.Errorf("payout failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
