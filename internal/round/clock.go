package round

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Clock drives one machine's Tick at a fixed interval. It owns no
// business state; Tick's idempotence makes the frequency a pure tuning
// knob (config validation keeps it under the snipe window).
type Clock struct {
	machine  *Machine
	interval time.Duration
	clock    clockwork.Clock
}

func NewClock(machine *Machine, interval time.Duration, clock clockwork.Clock) *Clock {
	return &Clock{machine: machine, interval: interval, clock: clock}
}

// Run loops until the context is cancelled.
func (c *Clock) Run(ctx context.Context) {
	log.Info().
		Str("tier", c.machine.cfg.Name).
		Dur("interval", c.interval).
		Msg("round clock started")

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("tier", c.machine.cfg.Name).Msg("round clock stopped")
			return
		case <-ticker.Chan():
			c.machine.Tick(ctx)
		}
	}
}
