package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"gatekeeper/pkg/requestcontext"
)

// Handler processes one envelope.
type Handler interface {
	Dispatch(ctx context.Context, env Envelope) error
}

// Consumer is a queue subscription on the platform event subject. Messages
// are handled concurrently up to a limit; ordering across users is not kept.
type Consumer struct {
	conn        *nats.Conn
	subject     string
	queue       string
	handler     Handler
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration
}

type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithConcurrency bounds in-flight envelopes.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithHandlerTimeout bounds the handling of one envelope.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatekeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

func NewConsumer(conn *nats.Conn, subject, queue string, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:        conn,
		subject:     subject,
		queue:       queue,
		handler:     handler,
		logger:      slog.Default(),
		concurrency: 32,
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled, then drains the subscription and
// waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, c.concurrency)
	sub, err := c.conn.ChanQueueSubscribe(c.subject, c.queue, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.logger.InfoContext(ctx, "consuming platform events", "subject", c.subject, "queue", c.queue)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	defer func() {
		_ = sub.Drain()
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			data := msg.Data
			g.Go(func() error {
				c.handle(ctx, data)
				return nil
			})
		}
	}
}

// handle never returns an error: core NATS has no redelivery, so a failed
// envelope is logged and dropped.
func (c *Consumer) handle(parent context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.WarnContext(parent, "dropping malformed envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()
	ctx = requestcontext.WithRequestID(ctx, env.ID)
	ctx = requestcontext.WithTime(ctx, time.Now())

	if err := c.handler.Dispatch(ctx, env); err != nil {
		c.logger.ErrorContext(ctx, "event handling failed",
			"event_id", env.ID,
			"type", env.Type,
			"error", err,
		)
	}
}
