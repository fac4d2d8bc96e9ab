package ts3full

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// FloodLimitConfig throttles outgoing commands so a busy client stays
// below the server's anti-flood threshold.
// A zero MaxCommands disables the limit, which is the default.
type FloodLimitConfig struct {
	// MaxCommands is how many commands may be sent back to back, and how
	// many are allowed per Window on average.
	MaxCommands int `yaml:"max_commands"`

	// Window is the period MaxCommands applies to. Capacity refills
	// evenly over it.
	Window time.Duration `yaml:"window"`
}

// DefaultFloodLimitConfig returns the default (unlimited) configuration.
func DefaultFloodLimitConfig() FloodLimitConfig {
	return FloodLimitConfig{
		MaxCommands: 0,
		Window:      time.Second,
	}
}

// floodLimiter is a token bucket over command sends, holding MaxCommands
// tokens and refilling one every Window/MaxCommands.
type floodLimiter struct {
	config  FloodLimitConfig
	limiter *rate.Limiter // nil when disabled
}

func newFloodLimiter(config FloodLimitConfig) *floodLimiter {
	l := &floodLimiter{config: config}
	if config.MaxCommands > 0 && config.Window > 0 {
		every := rate.Every(config.Window / time.Duration(config.MaxCommands))
		l.limiter = rate.NewLimiter(every, config.MaxCommands)
	}
	return l
}

func (l *floodLimiter) enabled() bool {
	return l != nil && l.limiter != nil
}

// Wait blocks until one more command may be sent.
// A cancelled wait gives its token back and returns the context error.
func (l *floodLimiter) Wait(ctx context.Context) error {
	if !l.enabled() {
		return nil
	}
	r, delay := l.reserve(time.Now())
	if delay == 0 {
		return nil
	}
	log.Debug().Dur("delay", delay).Msg("command rate limited")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("waiting for flood limit: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// reserve takes a token at now and returns how long the caller must wait
// before using it.
func (l *floodLimiter) reserve(now time.Time) (*rate.Reservation, time.Duration) {
	r := l.limiter.ReserveN(now, 1)
	return r, r.DelayFrom(now)
}
