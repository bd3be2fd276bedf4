// Package ratelimit throttles per-user bot interactions so button mashing
// and /start spam cannot flood the verifier or the chat platform.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/ratelimit/models"
	id "gatekeeper/pkg/domain"
)

// BucketStore is a sliding-window counter.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

// DefaultLimits are generous enough for a human and tight enough for a script.
func DefaultLimits() map[models.Class]models.Limit {
	return map[models.Class]models.Limit{
		models.ClassStart:    {Requests: 10, Window: time.Minute},
		models.ClassCallback: {Requests: 30, Window: time.Minute},
	}
}

// Limiter checks per-user limits. A store failure allows the event.
type Limiter struct {
	buckets BucketStore
	limits  map[models.Class]models.Limit
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithLimit overrides the limit for one class.
func WithLimit(class models.Class, limit models.Limit) Option {
	return func(l *Limiter) {
		l.limits[class] = limit
	}
}

func New(buckets BucketStore, opts ...Option) (*Limiter, error) {
	if buckets == nil {
		return nil, errors.New("bucket store is required")
	}
	l := &Limiter{
		buckets: buckets,
		limits:  DefaultLimits(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow reports whether user may perform another event of class. Classes
// without a configured limit are always allowed.
func (l *Limiter) Allow(ctx context.Context, class models.Class, user id.UserID) bool {
	limit, ok := l.limits[class]
	if !ok || limit.Requests <= 0 {
		return true
	}
	res, err := l.buckets.Allow(ctx, models.Key(class, user.String()), limit.Requests, limit.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit check failed, allowing",
			"class", string(class),
			"error", err,
		)
		return true
	}
	if !res.Allowed {
		l.metrics.IncRateLimited(string(class))
		l.logger.DebugContext(ctx, "rate limited",
			"class", string(class),
			"user_id", int64(user),
			"reset_at", res.ResetAt,
		)
	}
	return res.Allowed
}
