package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/models"
)

// PublisherConfig holds NATS connection settings for the event
// publisher.
type PublisherConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string // e.g. "auction.events"
	MaxReconnects int
	ReconnectWait time.Duration
	PublishWait   time.Duration
	// BigWinThreshold is the minimum win, in cents, that also emits a
	// BigWin event. Zero disables the extra event.
	BigWinThreshold int64
}

// DefaultPublisherConfig returns default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		URL:             nats.DefaultURL,
		StreamName:      "AUCTION_EVENTS",
		SubjectPrefix:   "auction.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		PublishWait:     5 * time.Second,
		BigWinThreshold: 10_000, // $100
	}
}

// Publisher pushes auction domain events onto a JetStream stream. The
// round machine calls it fire-and-forget; publish failures are logged,
// never propagated into the bid path.
type Publisher struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	cfg   PublisherConfig
	clock clockwork.Clock
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(cfg PublisherConfig, clock clockwork.Clock) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &Publisher{nc: nc, js: js, cfg: cfg, clock: clock}, nil
}

// EmitRoundSettled implements round.Emitter.
func (p *Publisher) EmitRoundSettled(outcome models.Outcome) {
	p.publish(TypeRoundSettled, outcome.Tier, RoundSettledPayload{
		Tier:        outcome.Tier,
		RoundID:     outcome.RoundID.String(),
		Kind:        string(outcome.Kind),
		Winner:      outcome.Winner,
		AmountCents: outcome.Amount,
		SettledAt:   outcome.SettledAt,
	})

	if outcome.Kind == models.OutcomeWin && p.cfg.BigWinThreshold > 0 && outcome.Amount >= p.cfg.BigWinThreshold {
		p.publish(TypeBigWin, outcome.Tier, BigWinPayload{
			Tier:        outcome.Tier,
			RoundID:     outcome.RoundID.String(),
			Winner:      outcome.Winner,
			AmountCents: outcome.Amount,
			SettledAt:   outcome.SettledAt,
		})
	}
}

// EmitRoundReset implements round.Emitter.
func (p *Publisher) EmitRoundReset(tier string, roundID uuid.UUID, deadline time.Time) {
	p.publish(TypeRoundReset, tier, RoundResetPayload{
		Tier:     tier,
		RoundID:  roundID.String(),
		Deadline: deadline,
		OpenedAt: p.clock.Now(),
	})
}

// EmitPayoutStuck implements payout.Alerter.
func (p *Publisher) EmitPayoutStuck(payout models.Payout, attempts int) {
	p.publish(TypePayoutStuck, payout.Tier, PayoutStuckPayload{
		PayoutID:    payout.ID.String(),
		Tier:        payout.Tier,
		RoundID:     payout.RoundID.String(),
		Account:     payout.Account,
		AmountCents: payout.Amount,
		Attempts:    attempts,
	})
}

func (p *Publisher) publish(eventType, tier string, payload any) {
	data, err := buildEnvelope(eventType, tier, payload, p.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", p.cfg.SubjectPrefix, tier, eventType)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishWait)
	defer cancel()

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		log.Error().Err(err).
			Str("subject", subject).
			Str("event_type", eventType).
			Msg("failed to publish event")
		return
	}

	log.Debug().
		Str("subject", subject).
		Str("event_type", eventType).
		Int("size", len(data)).
		Msg("event published")
}

// buildEnvelope wraps a payload in the standard event envelope.
func buildEnvelope(eventType, tier string, payload any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	envelope := map[string]interface{}{
		"eventId":   uuid.New().String(),
		"eventType": eventType,
		"tier":      tier,
		"timestamp": now,
		"payload":   json.RawMessage(raw),
	}
	return json.Marshal(envelope)
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
