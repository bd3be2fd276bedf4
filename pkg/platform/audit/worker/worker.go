package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	audit "gatekeeper/pkg/platform/audit"
)

const drainTimeout = 5 * time.Second

// Worker buffers audit events in a bounded channel and persists them in the
// background, so the verification flow never blocks on the audit store.
// It implements audit.Emitter.
type Worker struct {
	store   audit.Store
	inbox   chan audit.Event
	logger  *slog.Logger
	dropped atomic.Int64
}

// Option configures the Worker.
type Option func(*Worker)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker with the given buffer capacity.
func NewWorker(store audit.Store, capacity int, opts ...Option) *Worker {
	if capacity <= 0 {
		capacity = 1024
	}
	w := &Worker{
		store:  store,
		inbox:  make(chan audit.Event, capacity),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Emit enqueues the event, dropping it when the buffer is full.
func (w *Worker) Emit(ctx context.Context, event audit.Event) {
	select {
	case w.inbox <- event:
	default:
		w.dropped.Add(1)
		w.logger.WarnContext(ctx, "audit buffer full, event dropped", "action", event.Action)
	}
}

// Dropped returns the number of events dropped because the buffer was full.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// Run persists events until ctx is cancelled, then drains what is buffered.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case event := <-w.inbox:
			w.persist(ctx, event)
		}
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.inbox:
			w.persist(ctx, event)
		default:
			return
		}
	}
}

func (w *Worker) persist(ctx context.Context, event audit.Event) {
	if err := w.store.Append(ctx, event); err != nil {
		w.logger.ErrorContext(ctx, "failed to persist audit event", "action", event.Action, "error", err)
	}
}
