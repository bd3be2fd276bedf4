package panel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/verifier"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

// Watcher follows a started attempt until its record leaves pending.
type Watcher interface {
	Watch(rec *models.PendingVerification)
}

// PollStore reads records for polling and resumption.
type PollStore interface {
	Get(ctx context.Context, pendingID id.PendingID) (*models.PendingVerification, error)
	ListInFlight(ctx context.Context) ([]*models.PendingVerification, error)
}

// Poller runs one background task per in-flight attempt. A task re-reads
// its record before every poll and exits once the record is terminal or
// past its deadline, which leaves the timeout to the sweeper.
type Poller struct {
	pending  PollStore
	verifier verifier.Verifier
	resolver *Resolver
	initial  time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[id.PendingID]struct{}
}

type PollerOption func(*Poller)

func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

func WithPollerMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithBackoff sets the first poll delay and the ceiling the delay grows toward.
func WithBackoff(initial, ceiling time.Duration) PollerOption {
	return func(p *Poller) {
		p.initial = initial
		p.ceiling = ceiling
	}
}

func NewPoller(pending PollStore, v verifier.Verifier, resolver *Resolver, opts ...PollerOption) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		pending:  pending,
		verifier: v,
		resolver: resolver,
		initial:  2 * time.Second,
		ceiling:  15 * time.Second,
		logger:   slog.Default(),
		tracer:   otel.Tracer("gatekeeper/panel"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[id.PendingID]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch starts polling rec's attempt unless a task already follows it.
func (p *Poller) Watch(rec *models.PendingVerification) {
	if !rec.HasAttempt() {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[rec.ID]; ok || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.active[rec.ID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.follow(rec.ID)
}

// Resume restarts tasks for attempts that were in flight before a restart.
func (p *Poller) Resume(ctx context.Context) (int, error) {
	recs, err := p.pending.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		p.Watch(rec)
	}
	if len(recs) > 0 {
		p.logger.InfoContext(ctx, "resumed verification polling", "count", len(recs))
	}
	return len(recs), nil
}

// Stop cancels all tasks and waits for them to exit.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Active reports how many tasks are running.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Poller) follow(pendingID id.PendingID) {
	defer func() {
		p.mu.Lock()
		delete(p.active, pendingID)
		p.mu.Unlock()
		p.wg.Done()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.ceiling
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		if p.PollOnce(p.ctx, pendingID) {
			return
		}
		timer.Reset(b.NextBackOff())
	}
}

// PollOnce performs one status check and reports whether polling is done.
func (p *Poller) PollOnce(ctx context.Context, pendingID id.PendingID) (done bool) {
	ctx, span := p.tracer.Start(ctx, "panel.poll", trace.WithAttributes(
		attribute.String("pending.id", pendingID.String()),
	))
	defer span.End()

	rec, err := p.pending.Get(ctx, pendingID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return true
		}
		p.fail(ctx, span, "store_error", err)
		return false
	}
	if !rec.IsPending() {
		p.metrics.IncPoll("stale")
		return true
	}
	if rec.IsDue(requestcontext.Now(ctx)) {
		p.metrics.IncPoll("expired")
		return true
	}

	res, err := p.verifier.GetStatus(ctx, rec.AttemptRef)
	if err != nil {
		p.fail(ctx, span, "unavailable", err)
		return false
	}
	span.SetAttributes(attribute.String("verifier.status", string(res.Status)))
	p.metrics.IncPoll(string(res.Status))

	switch res.Status {
	case verifier.StatusApproved:
		_, err = p.resolver.ApproveVerified(ctx, rec, res.ExternalID)
	case verifier.StatusRejected:
		_, err = p.resolver.Reject(ctx, rec, 0, ReasonVerifierRejected, SourcePoll)
	case verifier.StatusExpired:
		_, err = p.resolver.Reject(ctx, rec, 0, ReasonVerifierExpired, SourcePoll)
	default:
		return false
	}
	if err != nil {
		p.fail(ctx, span, "resolve_error", err)
		return false
	}
	return true
}

func (p *Poller) fail(ctx context.Context, span trace.Span, result string, err error) {
	p.metrics.IncPoll(result)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.WarnContext(ctx, "verification poll failed", "result", result, "error", err)
}
