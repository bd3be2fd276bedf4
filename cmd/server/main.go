package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/chat/telegram"
	groupModels "gatekeeper/internal/groups/models"
	groupService "gatekeeper/internal/groups/service"
	groupStore "gatekeeper/internal/groups/store"
	identityCache "gatekeeper/internal/identity/cache"
	identityService "gatekeeper/internal/identity/service"
	identityStore "gatekeeper/internal/identity/store"
	"gatekeeper/internal/panel"
	pendingStore "gatekeeper/internal/pending/store"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/httpserver"
	"gatekeeper/internal/platform/logger"
	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/platform/postgres"
	"gatekeeper/internal/platform/redis"
	"gatekeeper/internal/ratelimit"
	rlModels "gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/ratelimit/store/bucket"
	"gatekeeper/internal/sweeper"
	tokenService "gatekeeper/internal/token/service"
	tokenStore "gatekeeper/internal/token/store"
	"gatekeeper/internal/transport/events"
	"gatekeeper/internal/verifier"
	"gatekeeper/internal/verifier/mercle"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/audit/outbox"
	auditMemory "gatekeeper/pkg/platform/audit/store/memory"
	auditPostgres "gatekeeper/pkg/platform/audit/store/postgres"
	"gatekeeper/pkg/platform/audit/worker"
	"gatekeeper/pkg/platform/circuit"
	"gatekeeper/pkg/platform/tx"
)

const shutdownTimeout = 10 * time.Second

// main wires dependencies and runs the background loops until a signal
// arrives. Business logic lives in the internal service packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gatekeeper stopped", "error", err)
		os.Exit(1)
	}
	log.Info("gatekeeper stopped")
}

// pendingBackend is everything the flow needs from the pending store.
type pendingBackend interface {
	admission.PendingStore
	panel.PendingStore
	panel.PollStore
	panel.ResolveStore
	sweeper.Store
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	checks := map[string]httpserver.HealthCheck{}

	// Persistence: Postgres when configured, memory otherwise.
	var (
		db         *sql.DB
		txRunner   tx.Runner = tx.NoopRunner{}
		pending    pendingBackend
		tokens     tokenService.Store
		groups     groupService.Store
		identities identityService.Store
		auditStore audit.Store
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		pending = pendingStore.NewPostgres(db, pendingStore.WithStartingLease(cfg.Verifier.StartingLease))
		tokens = tokenStore.NewPostgres(db)
		groups = groupStore.NewPostgres(db)
		identities = identityStore.NewPostgres(db)
		auditStore = auditPostgres.New(db)
		txRunner = tx.SQLRunner{DB: db}
		checks["postgres"] = db.PingContext
		log.Info("using postgres stores")
	} else {
		pending = pendingStore.New(pendingStore.WithStartingLease(cfg.Verifier.StartingLease))
		tokens = tokenStore.New()
		groups = groupStore.New()
		identities = identityStore.New()
		auditStore = auditMemory.NewInMemoryStore()
		log.Warn("DATABASE_URL not set, state is kept in memory")
	}

	auditWorker := worker.NewWorker(auditStore, 1024, worker.WithLogger(log))

	// Identity cache and rate limit buckets: Redis when configured.
	identityOpts := []identityService.Option{identityService.WithLogger(log)}
	var buckets ratelimit.BucketStore
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient.Health
		identityOpts = append(identityOpts, identityService.WithCache(identityCache.NewRedis(redisClient.Client,
			identityCache.WithTTLs(cfg.Verification.VerifiedCacheTTL, cfg.Verification.NegativeCacheTTL))))
		buckets = bucket.NewRedisBucketStore(redisClient.Client)
	} else {
		identityOpts = append(identityOpts, identityService.WithCache(identityCache.NewMemory(
			cfg.Verification.VerifiedCacheTTL, cfg.Verification.NegativeCacheTTL)))
		buckets = bucket.NewInMemoryBucketStore()
	}
	limiter, err := ratelimit.New(buckets,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(m),
		ratelimit.WithLimit(rlModels.ClassStart, rlModels.Limit{Requests: cfg.RateLimit.StartPerMinute, Window: time.Minute}),
		ratelimit.WithLimit(rlModels.ClassCallback, rlModels.Limit{Requests: cfg.RateLimit.CallbackPerMinute, Window: time.Minute}),
	)
	if err != nil {
		return err
	}

	// External systems.
	bot := telegram.NewClient(cfg.Telegram.BotToken,
		telegram.WithBaseURL(cfg.Telegram.APIBaseURL),
		telegram.WithUsername(cfg.Telegram.BotUsername),
		telegram.WithHTTPClient(&http.Client{Timeout: cfg.Telegram.Timeout}),
	)
	if err := bot.Init(ctx); err != nil {
		return fmt.Errorf("init telegram client: %w", err)
	}
	verifierClient := verifier.NewGuarded(
		mercle.NewClient(cfg.Verifier.BaseURL, cfg.Verifier.APIKey).
			WithHTTPClient(&http.Client{Timeout: cfg.Verifier.Timeout}),
		circuit.New("verifier", circuit.WithFailureThreshold(cfg.Verifier.BreakerFailures)),
		cfg.Verifier.BreakerCooldown,
		log,
	)
	checks["verifier"] = verifierClient.Health

	// Services.
	tokenSvc, err := tokenService.New(tokens, tokenService.WithLogger(log), tokenService.WithMetrics(m))
	if err != nil {
		return err
	}
	identitySvc, err := identityService.New(identities, identityOpts...)
	if err != nil {
		return err
	}
	groupSvc, err := groupService.New(groups, groupModels.Settings{
		GatingEnabled:      true,
		Timeout:            cfg.Verification.DefaultTimeout,
		TimeoutAction:      groupModels.TimeoutAction(cfg.Verification.DefaultTimeoutAction),
		CaptchaStyle:       groupModels.CaptchaButton,
		CaptchaMaxAttempts: cfg.Verification.CaptchaMaxAttempts,
	},
		groupService.WithLogger(log),
		groupService.WithSettingsLinks(tokenSvc, bot, cfg.Verification.SettingsTokenTTL),
	)
	if err != nil {
		return err
	}
	admissionSvc, err := admission.New(pending, identitySvc, groupSvc, tokenSvc, bot,
		admission.WithLogger(log),
		admission.WithMetrics(m),
		admission.WithAuditEmitter(auditWorker),
		admission.WithTxRunner(txRunner),
		admission.WithJoinRequestWindow(cfg.Verification.JoinRequestDMWindow),
	)
	if err != nil {
		return err
	}
	resolver := panel.NewResolver(pending, identitySvc, bot, log, m, auditWorker,
		panel.WithResolverTx(txRunner),
	)
	poller := panel.NewPoller(pending, verifierClient, resolver,
		panel.WithPollerLogger(log),
		panel.WithPollerMetrics(m),
		panel.WithBackoff(cfg.Verification.PollInitial, cfg.Verification.PollCeiling),
	)
	defer poller.Stop()
	panelSvc, err := panel.New(pending, tokenSvc, groupSvc, verifierClient, bot, resolver, poller,
		panel.WithLogger(log),
		panel.WithMetrics(m),
		panel.WithAuditEmitter(auditWorker),
		panel.WithSupportTTL(cfg.Verification.SupportTokenTTL),
	)
	if err != nil {
		return err
	}
	sweep, err := sweeper.New(pending, resolver, groupSvc,
		sweeper.WithLogger(log),
		sweeper.WithMetrics(m),
		sweeper.WithInterval(cfg.Verification.SweepInterval),
		sweeper.WithBatchSize(cfg.Verification.SweepBatchSize),
		sweeper.WithTokenPurge(tokenSvc, cfg.Verification.TokenRetention),
	)
	if err != nil {
		return err
	}

	if n, err := poller.Resume(ctx); err != nil {
		log.Error("failed to resume in-flight verifications", "error", err)
	} else {
		log.Info("poller ready", "resumed", n)
	}

	// Inbound events.
	nc, err := events.Connect(cfg.NATS.URL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	checks["nats"] = func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("status %s", nc.Status())
		}
		return nil
	}
	dispatcher := events.NewDispatcher(admissionSvc, panelSvc, groupSvc, identitySvc, bot, log,
		events.WithLimiter(limiter))
	consumer := events.NewConsumer(nc, cfg.NATS.Subject, cfg.NATS.Queue, dispatcher, events.WithConsumerLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return auditWorker.Run(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	if mem, ok := buckets.(*bucket.InMemoryBucketStore); ok {
		g.Go(func() error { return pruneBuckets(ctx, mem) })
	}

	// Audit relay: only with Postgres (the outbox lives there) and brokers.
	if src, ok := auditStore.(*auditPostgres.Store); ok && len(cfg.Kafka.Brokers) > 0 {
		producer, err := outbox.NewKafkaProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer producer.Close()
		checks["kafka"] = producer.Health
		relay := outbox.NewRelay(src, producer,
			outbox.WithLogger(log),
			outbox.WithInterval(cfg.Kafka.PollInterval),
			outbox.WithBatchSize(cfg.Kafka.BatchSize),
		)
		g.Go(func() error { return relay.Run(ctx) })
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewOpsRouter(reg, checks))
	g.Go(func() error {
		log.Info("ops server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// pruneBuckets drops idle in-memory rate limit windows. Redis expires its own.
func pruneBuckets(ctx context.Context, store *bucket.InMemoryBucketStore) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			store.Prune()
		}
	}
}
