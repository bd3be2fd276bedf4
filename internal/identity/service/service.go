package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/identity/models"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

// Store persists verified identities and bans.
type Store interface {
	FindByUser(ctx context.Context, user id.UserID) (*models.VerifiedIdentity, error)
	Bind(ctx context.Context, ident models.VerifiedIdentity) error
	OwnerOf(ctx context.Context, externalID string) (id.UserID, error)
	IsBanned(ctx context.Context, externalID string) (bool, error)
	AddBan(ctx context.Context, ban models.Ban) error
	RemoveBan(ctx context.Context, externalID string) error
}

// Cache holds the read-through verification answer per user.
type Cache interface {
	Get(ctx context.Context, user id.UserID) (verified bool, found bool, err error)
	Set(ctx context.Context, user id.UserID, verified bool) error
	Invalidate(ctx context.Context, user id.UserID) error
}

// Service answers "is this user verified / banned" and records new bindings.
type Service struct {
	store  Store
	cache  Cache
	logger *slog.Logger
	group  singleflight.Group
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithCache enables the read-through cache. Without one every check reads the store.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IsVerified reports whether the user holds a verified identity. Concurrent
// misses for one user share a single store read.
func (s *Service) IsVerified(ctx context.Context, user id.UserID) (bool, error) {
	if s.cache != nil {
		verified, found, err := s.cache.Get(ctx, user)
		if err != nil {
			s.logger.WarnContext(ctx, "verified cache read failed", "user_id", int64(user), "error", err)
		} else if found {
			return verified, nil
		}
	}

	v, err, _ := s.group.Do(user.String(), func() (any, error) {
		_, err := s.store.FindByUser(ctx, user)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, sentinel.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check verification")
	}
	verified := v.(bool)
	s.remember(ctx, user, verified)
	return verified, nil
}

// Identity returns the bound identity, or NotFound.
func (s *Service) Identity(ctx context.Context, user id.UserID) (*models.VerifiedIdentity, error) {
	ident, err := s.store.FindByUser(ctx, user)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user is not verified")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return ident, nil
}

// IsBanned reports whether the user's bound identity is banned. Users without
// an identity are never banned.
func (s *Service) IsBanned(ctx context.Context, user id.UserID) (bool, error) {
	ident, err := s.store.FindByUser(ctx, user)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return s.IsExternalBanned(ctx, ident.ExternalID)
}

func (s *Service) IsExternalBanned(ctx context.Context, externalID string) (bool, error) {
	banned, err := s.store.IsBanned(ctx, externalID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check identity ban")
	}
	return banned, nil
}

// OwnerOf reports which user, if any, holds externalID.
func (s *Service) OwnerOf(ctx context.Context, externalID string) (id.UserID, bool, error) {
	owner, err := s.store.OwnerOf(ctx, externalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up identity owner")
	}
	return owner, true, nil
}

// Bind records that user verified as externalID. An identity already bound to
// another user fails with CodeConflict.
func (s *Service) Bind(ctx context.Context, user id.UserID, externalID, username string) error {
	if externalID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "external identity is required")
	}
	err := s.store.Bind(ctx, models.VerifiedIdentity{
		UserID:     user,
		ExternalID: externalID,
		Username:   username,
		VerifiedAt: requestcontext.Now(ctx),
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "identity already bound to another account")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to bind identity")
	}
	s.remember(ctx, user, true)
	return nil
}

func (s *Service) Ban(ctx context.Context, externalID string, by id.UserID, reason string) error {
	if externalID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "external identity is required")
	}
	err := s.store.AddBan(ctx, models.Ban{
		ExternalID: externalID,
		BannedBy:   by,
		Reason:     reason,
		BannedAt:   requestcontext.Now(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to ban identity")
	}
	return nil
}

func (s *Service) Unban(ctx context.Context, externalID string) error {
	if err := s.store.RemoveBan(ctx, externalID); err != nil {
		return fmt.Errorf("unban identity: %w", err)
	}
	return nil
}

func (s *Service) remember(ctx context.Context, user id.UserID, verified bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, user, verified); err != nil {
		s.logger.WarnContext(ctx, "verified cache write failed", "user_id", int64(user), "error", err)
	}
}
