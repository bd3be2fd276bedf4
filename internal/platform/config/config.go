package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// MinVerificationTimeout is the shortest deadline a group may configure.
const MinVerificationTimeout = 30 * time.Second

// Config is the process configuration, loaded from the environment so main stays lean.
type Config struct {
	Server       Server
	Database     Database
	Redis        RedisConfig
	NATS         NATS
	Kafka        Kafka
	Telegram     Telegram
	Verifier     Verifier
	Verification Verification
	RateLimit    RateLimit
	Log          Log
}

// Server captures the ops HTTP listener (health and metrics).
type Server struct {
	Addr string `env:"GATEKEEPER_ADDR" envDefault:":8080"`
}

// Database configures the Postgres pool. An empty URL selects in-memory stores.
type Database struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// RedisConfig configures the verified-identity cache. An empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// NATS configures the inbound platform event subscription.
type NATS struct {
	URL     string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Subject string `env:"NATS_SUBJECT" envDefault:"gatekeeper.events"`
	Queue   string `env:"NATS_QUEUE" envDefault:"gatekeeper"`
}

// Kafka configures the audit outbox relay. No brokers disables the relay.
type Kafka struct {
	Brokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"KAFKA_AUDIT_TOPIC" envDefault:"gatekeeper.audit"`
	PollInterval time.Duration `env:"KAFKA_OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"KAFKA_OUTBOX_BATCH_SIZE" envDefault:"100"`
}

// Telegram configures the chat platform client.
type Telegram struct {
	BotToken    string        `env:"TELEGRAM_BOT_TOKEN"`
	APIBaseURL  string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	BotUsername string        `env:"TELEGRAM_BOT_USERNAME"`
	Timeout     time.Duration `env:"TELEGRAM_TIMEOUT" envDefault:"10s"`
}

// Verifier configures the external identity verifier.
type Verifier struct {
	BaseURL string        `env:"VERIFIER_API_URL" envDefault:"https://verify.mercle.xyz/api"`
	APIKey  string        `env:"VERIFIER_API_KEY"`
	Timeout time.Duration `env:"VERIFIER_TIMEOUT" envDefault:"10s"`
	// Consecutive outages before calls fail fast, and how long they do.
	BreakerFailures int           `env:"VERIFIER_BREAKER_FAILURES" envDefault:"5"`
	BreakerCooldown time.Duration `env:"VERIFIER_BREAKER_COOLDOWN" envDefault:"30s"`
	// StartingLease is how long an unfinished start blocks a new one. It
	// must outlast one verifier call.
	StartingLease time.Duration `env:"VERIFIER_STARTING_LEASE" envDefault:"2m"`
}

// RateLimit caps per-user bot interactions. Zero disables a class. The
// buckets live in Redis when it is configured.
type RateLimit struct {
	StartPerMinute    int `env:"RATE_LIMIT_START_PER_MINUTE" envDefault:"10"`
	CallbackPerMinute int `env:"RATE_LIMIT_CALLBACK_PER_MINUTE" envDefault:"30"`
}

// Verification holds defaults for the admission and verification flow.
type Verification struct {
	DefaultTimeout       time.Duration `env:"VERIFICATION_TIMEOUT" envDefault:"5m"`
	DefaultTimeoutAction string        `env:"VERIFICATION_TIMEOUT_ACTION" envDefault:"kick"`
	SettingsTokenTTL     time.Duration `env:"SETTINGS_TOKEN_TTL" envDefault:"10m"`
	SupportTokenTTL      time.Duration `env:"SUPPORT_TOKEN_TTL" envDefault:"10m"`
	TokenRetention       time.Duration `env:"TOKEN_RETENTION" envDefault:"24h"`
	JoinRequestDMWindow  time.Duration `env:"JOIN_REQUEST_DM_WINDOW" envDefault:"5m"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
	SweepBatchSize       int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	PollInitial          time.Duration `env:"POLL_INITIAL_INTERVAL" envDefault:"2s"`
	PollCeiling          time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"15s"`
	VerifiedCacheTTL     time.Duration `env:"VERIFIED_CACHE_TTL" envDefault:"1h"`
	NegativeCacheTTL     time.Duration `env:"UNVERIFIED_CACHE_TTL" envDefault:"30s"`
	CaptchaMaxAttempts   int           `env:"CAPTCHA_MAX_ATTEMPTS" envDefault:"3"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces bounds the flow depends on.
func (c Config) Validate() error {
	var errs []error
	if c.Verification.DefaultTimeout < MinVerificationTimeout {
		errs = append(errs, fmt.Errorf("verification timeout must be at least %s", MinVerificationTimeout))
	}
	switch c.Verification.DefaultTimeoutAction {
	case "kick", "mute":
	default:
		errs = append(errs, fmt.Errorf("verification timeout action must be kick or mute, got %q", c.Verification.DefaultTimeoutAction))
	}
	if c.Verification.PollInitial <= 0 || c.Verification.PollCeiling < c.Verification.PollInitial {
		errs = append(errs, errors.New("poll intervals must be positive and the ceiling no lower than the initial interval"))
	}
	if c.Verification.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.Verifier.BreakerFailures < 1 {
		errs = append(errs, errors.New("verifier breaker failures must be at least 1"))
	}
	if c.Verifier.StartingLease <= c.Verifier.Timeout {
		errs = append(errs, fmt.Errorf("verifier starting lease must exceed the verifier timeout %s", c.Verifier.Timeout))
	}
	if c.RateLimit.StartPerMinute < 0 || c.RateLimit.CallbackPerMinute < 0 {
		errs = append(errs, errors.New("rate limits cannot be negative"))
	}
	if c.Verification.CaptchaMaxAttempts < 1 {
		errs = append(errs, errors.New("captcha max attempts must be at least 1"))
	}
	return errors.Join(errs...)
}
