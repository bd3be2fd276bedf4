// Package sweeper times out pending verifications whose deadline passed and
// purges old deep-link tokens.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/platform/metrics"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/requestcontext"
)

// Store lists due records.
type Store interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingVerification, error)
}

// Resolver applies the timeout transition and its side effects.
type Resolver interface {
	TimeOut(ctx context.Context, rec *models.PendingVerification, action groupModels.TimeoutAction) (bool, error)
}

// Groups provides the timeout action of a group.
type Groups interface {
	Settings(ctx context.Context, group id.GroupID) (*groupModels.Settings, error)
}

// TokenPurger deletes expired tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Result summarises one pass.
type Result struct {
	TimedOut int
	Skipped  int
	Purged   int
}

// Sweeper runs passes on a fixed period. Every transition it makes is
// conditional, so it can run alongside pollers and admin decisions.
type Sweeper struct {
	store     Store
	resolver  Resolver
	groups    Groups
	tokens    TokenPurger
	interval  time.Duration
	batchSize int
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithTokenPurge enables token cleanup, keeping tokens for retention after expiry.
func WithTokenPurge(tokens TokenPurger, retention time.Duration) Option {
	return func(s *Sweeper) {
		s.tokens = tokens
		s.retention = retention
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(store Store, resolver Resolver, groups Groups, opts ...Option) (*Sweeper, error) {
	switch {
	case store == nil:
		return nil, errors.New("pending store is required")
	case resolver == nil:
		return nil, errors.New("resolver is required")
	case groups == nil:
		return nil, errors.New("groups service is required")
	}
	s := &Sweeper{
		store:     store,
		resolver:  resolver,
		groups:    groups,
		interval:  15 * time.Second,
		batchSize: 200,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WarnContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce times out every due record, one batch at a time, then purges
// tokens. Per-record failures are logged and left for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := s.now()
	ctx = requestcontext.WithTime(ctx, start)
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	var res Result
	// failed records stay due, so later batches return them again
	failed := make(map[id.PendingID]struct{})
	for {
		due, err := s.store.FindExpired(ctx, start, s.batchSize)
		if err != nil {
			return res, err
		}
		progressed := false
		for _, rec := range due {
			if _, seen := failed[rec.ID]; seen {
				continue
			}
			progressed = true
			won, err := s.timeOut(ctx, rec)
			if err != nil {
				failed[rec.ID] = struct{}{}
				res.Skipped++
				s.logger.ErrorContext(ctx, "failed to time out pending verification",
					"pending_id", rec.ID.String(),
					"error", err,
				)
				continue
			}
			if won {
				res.TimedOut++
			}
		}
		if len(due) < s.batchSize || !progressed {
			break
		}
	}

	if s.tokens != nil {
		n, err := s.tokens.PurgeExpired(ctx, start.Add(-s.retention))
		if err != nil {
			return res, err
		}
		res.Purged = n
	}

	if res.TimedOut > 0 || res.Purged > 0 || res.Skipped > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			"timed_out", res.TimedOut,
			"skipped", res.Skipped,
			"tokens_purged", res.Purged,
		)
	}
	return res, nil
}

func (s *Sweeper) timeOut(ctx context.Context, rec *models.PendingVerification) (bool, error) {
	action := groupModels.TimeoutKick
	if rec.Kind == models.KindSoft {
		settings, err := s.groups.Settings(ctx, rec.GroupID)
		if err != nil {
			return false, err
		}
		action = settings.TimeoutAction
	}
	return s.resolver.TimeOut(ctx, rec, action)
}
