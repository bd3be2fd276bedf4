package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/token/models"
	dErrors "gatekeeper/pkg/domain-errors"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

// rawTokenBytes of entropy encode to a 24 character URL-safe token, which
// fits the platform's 64 character start payload with its prefix.
const rawTokenBytes = 18

var rawTokenLen = base64.RawURLEncoding.EncodedLen(rawTokenBytes)

// Store persists tokens by hash.
type Store interface {
	Create(ctx context.Context, token *models.Token) error
	FindByHash(ctx context.Context, hash string) (*models.Token, error)
	ConsumeByHash(ctx context.Context, hash string, now time.Time) (*models.Token, error)
	ConsumeForPending(ctx context.Context, pendingID id.PendingID, now time.Time) (int, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service issues and redeems single-use deep-link tokens.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	entropy io.Reader
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEntropy replaces crypto/rand, for tests that need collisions.
func WithEntropy(r io.Reader) Option {
	return func(s *Service) { s.entropy = r }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates a token bound to scope that expires after ttl and returns
// the raw value. Only the hash is persisted.
func (s *Service) Issue(ctx context.Context, kind models.Kind, scope models.Scope, ttl time.Duration) (string, error) {
	if !kind.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown token kind")
	}
	if ttl <= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "token ttl must be positive")
	}
	if scope.UserID == 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "token must be bound to a user")
	}

	buf := make([]byte, rawTokenBytes)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate token")
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	now := requestcontext.Now(ctx)
	token := &models.Token{
		Hash:      models.HashToken(raw),
		Kind:      kind,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Create(ctx, token); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store token")
	}
	return raw, nil
}

// Validate checks a token without consuming it. Used when the verification
// panel opens, so the link keeps working until the user commits.
func (s *Service) Validate(ctx context.Context, raw string, kind models.Kind, actor id.UserID) (*models.Token, error) {
	token, err := s.lookup(ctx, raw, kind, actor)
	if err != nil {
		return nil, err
	}
	if token.IsConsumed() {
		s.metrics.IncTokenFailure(string(kind), "already_used")
		return nil, dErrors.New(dErrors.CodeAlreadyUsed, "link already used")
	}
	if token.IsExpired(requestcontext.Now(ctx)) {
		s.metrics.IncTokenFailure(string(kind), "expired")
		return nil, dErrors.New(dErrors.CodeExpired, "link expired")
	}
	return token, nil
}

// ValidateAndConsume redeems a token. Of concurrent callers exactly one
// succeeds; the rest get AlreadyUsed. A token presented by the wrong actor or
// for the wrong purpose is reported as not found and left untouched.
func (s *Service) ValidateAndConsume(ctx context.Context, raw string, kind models.Kind, actor id.UserID) (*models.Token, error) {
	token, err := s.lookup(ctx, raw, kind, actor)
	if err != nil {
		return nil, err
	}

	consumed, err := s.store.ConsumeByHash(ctx, token.Hash, requestcontext.Now(ctx))
	switch {
	case err == nil:
		return consumed, nil
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		s.metrics.IncTokenFailure(string(kind), "already_used")
		return nil, dErrors.New(dErrors.CodeAlreadyUsed, "link already used")
	case errors.Is(err, sentinel.ErrExpired):
		s.metrics.IncTokenFailure(string(kind), "expired")
		return nil, dErrors.New(dErrors.CodeExpired, "link expired")
	case errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.New(dErrors.CodeNotFound, "link not found")
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume token")
	}
}

// ConsumeForPending retires every outstanding link of a pending record.
func (s *Service) ConsumeForPending(ctx context.Context, pendingID id.PendingID) error {
	n, err := s.store.ConsumeForPending(ctx, pendingID, requestcontext.Now(ctx))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume pending tokens")
	}
	s.logger.DebugContext(ctx, "pending tokens consumed", "pending_id", pendingID.String(), "count", n)
	return nil
}

// PurgeExpired deletes tokens that expired before cutoff.
func (s *Service) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return n, nil
}

func (s *Service) lookup(ctx context.Context, raw string, kind models.Kind, actor id.UserID) (*models.Token, error) {
	if !wellFormed(raw) {
		s.metrics.IncTokenFailure(string(kind), "malformed")
		return nil, dErrors.New(dErrors.CodeNotFound, "link not found")
	}
	token, err := s.store.FindByHash(ctx, models.HashToken(raw))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.metrics.IncTokenFailure(string(kind), "not_found")
			return nil, dErrors.New(dErrors.CodeNotFound, "link not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up token")
	}
	if !token.Matches(kind, actor) {
		s.metrics.IncTokenFailure(string(kind), "scope_mismatch")
		s.logger.WarnContext(ctx, "token scope mismatch",
			"expected_kind", string(kind),
			"token_kind", string(token.Kind),
			"actor_id", int64(actor),
		)
		return nil, dErrors.New(dErrors.CodeNotFound, "link not found")
	}
	return token, nil
}

func wellFormed(raw string) bool {
	if len(raw) != rawTokenLen {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
