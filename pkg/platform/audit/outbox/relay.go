// Package outbox relays audit events from the Postgres outbox table to Kafka.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gatekeeper/pkg/platform/audit/store/postgres"
)

// Source reads and acknowledges outbox rows.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Message is one record handed to the producer.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer publishes a batch synchronously.
type Producer interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Relay polls the outbox and publishes unpublished rows. Delivery is
// at-least-once: rows are marked only after the producer acknowledges.
type Relay struct {
	source    Source
	producer  Producer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Relay.
type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func NewRelay(source Source, producer Producer, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		producer:  producer,
		interval:  2 * time.Second,
		batchSize: 100,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many rows were relayed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	entries, err := r.source.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	msgs := make([]Message, len(entries))
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		msgs[i] = Message{
			Key:   []byte(e.AggregateID),
			Value: e.Payload,
			Headers: map[string]string{
				"event_type": e.EventType,
				"outbox_id":  e.ID.String(),
			},
		}
		ids[i] = e.ID
	}

	if err := r.producer.Publish(ctx, msgs); err != nil {
		return 0, fmt.Errorf("publish outbox batch: %w", err)
	}
	if err := r.source.MarkPublished(ctx, ids, r.now()); err != nil {
		return 0, err
	}
	return len(entries), nil
}
