package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/pkg/platform/circuit"
	"gatekeeper/pkg/platform/sentinel"
)

// Guarded fails fast while the verifier keeps returning unavailable errors.
// After cooldown calls are let through again until enough succeed to close
// the breaker.
type Guarded struct {
	next     Verifier
	breaker  *circuit.Breaker
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewGuarded(next Verifier, breaker *circuit.Breaker, cooldown time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, breaker: breaker, cooldown: cooldown, logger: logger, now: time.Now}
}

func (g *Guarded) CreateAttempt(ctx context.Context, metadata map[string]string) (*Attempt, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	attempt, err := g.next.CreateAttempt(ctx, metadata)
	g.record(ctx, err)
	return attempt, err
}

func (g *Guarded) GetStatus(ctx context.Context, attemptID string) (*Result, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	res, err := g.next.GetStatus(ctx, attemptID)
	g.record(ctx, err)
	return res, err
}

// Health reports an open breaker as unhealthy.
func (g *Guarded) Health(context.Context) error {
	if g.breaker.IsOpen() {
		return fmt.Errorf("verifier circuit open: %w", sentinel.ErrUnavailable)
	}
	return nil
}

func (g *Guarded) admit() error {
	opened := g.breaker.OpenedAt()
	if !opened.IsZero() && g.now().Sub(opened) < g.cooldown {
		return fmt.Errorf("verifier circuit open: %w", sentinel.ErrUnavailable)
	}
	return nil
}

// record counts only outages; a rejected request says nothing about availability.
func (g *Guarded) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.InfoContext(ctx, "verifier circuit closed", "breaker", g.breaker.Name())
		}
	case errors.Is(err, sentinel.ErrUnavailable):
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "verifier circuit opened", "breaker", g.breaker.Name(), "error", err)
		}
	}
}
