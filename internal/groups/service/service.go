package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/internal/chat"
	"gatekeeper/internal/groups/models"
	tokenModels "gatekeeper/internal/token/models"
	tokenService "gatekeeper/internal/token/service"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const minTimeout = 30 * time.Second

// Store persists settings and whitelists.
type Store interface {
	Get(ctx context.Context, group id.GroupID) (*models.Settings, error)
	Save(ctx context.Context, settings models.Settings) error
	IsWhitelisted(ctx context.Context, group id.GroupID, user id.UserID) (bool, error)
	AddWhitelist(ctx context.Context, entry models.WhitelistEntry) error
	RemoveWhitelist(ctx context.Context, group id.GroupID, user id.UserID) error
}

// Tokens issues and redeems settings links.
type Tokens interface {
	Issue(ctx context.Context, kind tokenModels.Kind, scope tokenModels.Scope, ttl time.Duration) (string, error)
	ValidateAndConsume(ctx context.Context, raw string, kind tokenModels.Kind, actor id.UserID) (*tokenModels.Token, error)
}

// Service owns per-group admission settings.
type Service struct {
	store       Store
	defaults    models.Settings
	tokens      Tokens
	platform    chat.Platform
	settingsTTL time.Duration
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithSettingsLinks enables admin settings deep links.
func WithSettingsLinks(tokens Tokens, platform chat.Platform, ttl time.Duration) Option {
	return func(s *Service) {
		s.tokens = tokens
		s.platform = platform
		s.settingsTTL = ttl
	}
}

// New builds the service. defaults apply to groups that never saved settings.
func New(store Store, defaults models.Settings, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("group settings store is required")
	}
	if err := validate(defaults); err != nil {
		return nil, fmt.Errorf("invalid default settings: %w", err)
	}
	s := &Service{store: store, defaults: defaults, logger: slog.Default(), settingsTTL: 10 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Settings returns the stored settings or the defaults for group.
func (s *Service) Settings(ctx context.Context, group id.GroupID) (*models.Settings, error) {
	settings, err := s.store.Get(ctx, group)
	if err == nil {
		return settings, nil
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		d := s.defaults
		d.GroupID = group
		return &d, nil
	}
	return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load group settings")
}

// Save validates and persists settings.
func (s *Service) Save(ctx context.Context, settings models.Settings) error {
	if err := validate(settings); err != nil {
		return err
	}
	settings.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.Save(ctx, settings); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save group settings")
	}
	s.logger.InfoContext(ctx, "group settings saved", "group_id", int64(settings.GroupID))
	return nil
}

func (s *Service) IsWhitelisted(ctx context.Context, group id.GroupID, user id.UserID) (bool, error) {
	ok, err := s.store.IsWhitelisted(ctx, group, user)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check whitelist")
	}
	return ok, nil
}

func (s *Service) Whitelist(ctx context.Context, group id.GroupID, user, by id.UserID) error {
	err := s.store.AddWhitelist(ctx, models.WhitelistEntry{
		GroupID: group,
		UserID:  user,
		AddedBy: by,
		AddedAt: requestcontext.Now(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to whitelist user")
	}
	return nil
}

func (s *Service) Unwhitelist(ctx context.Context, group id.GroupID, user id.UserID) error {
	if err := s.store.RemoveWhitelist(ctx, group, user); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove whitelist entry")
	}
	return nil
}

// IssueSettingsLink returns a single-use deep link that opens the settings of
// group for admin in a private chat.
func (s *Service) IssueSettingsLink(ctx context.Context, group id.GroupID, admin id.UserID) (string, error) {
	if s.tokens == nil || s.platform == nil {
		return "", dErrors.New(dErrors.CodeInternal, "settings links are not configured")
	}
	isAdmin, err := s.platform.IsAdmin(ctx, group, admin)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeExternalUnavailable, "could not check admin rights")
	}
	if !isAdmin {
		return "", dErrors.New(dErrors.CodeForbidden, "only group admins can change settings")
	}
	raw, err := s.tokens.Issue(ctx, tokenModels.KindSettings, tokenModels.Scope{GroupID: group, UserID: admin}, s.settingsTTL)
	if err != nil {
		return "", err
	}
	return tokenService.DeepLink(s.platform.BotUsername(), tokenModels.KindSettings, raw), nil
}

// RedeemSettingsLink consumes a settings token and returns the settings it grants.
func (s *Service) RedeemSettingsLink(ctx context.Context, raw string, actor id.UserID) (*models.Settings, error) {
	if s.tokens == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "settings links are not configured")
	}
	token, err := s.tokens.ValidateAndConsume(ctx, raw, tokenModels.KindSettings, actor)
	if err != nil {
		return nil, err
	}
	return s.Settings(ctx, token.Scope.GroupID)
}

func validate(st models.Settings) error {
	var errs []error
	if st.Timeout < minTimeout {
		errs = append(errs, fmt.Errorf("timeout must be at least %s", minTimeout))
	}
	if !st.TimeoutAction.IsValid() {
		errs = append(errs, fmt.Errorf("unknown timeout action %q", st.TimeoutAction))
	}
	if st.CaptchaEnabled && !st.CaptchaStyle.IsValid() {
		errs = append(errs, fmt.Errorf("unknown captcha style %q", st.CaptchaStyle))
	}
	if st.CaptchaMaxAttempts < 1 {
		errs = append(errs, errors.New("captcha attempts must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid group settings")
	}
	return nil
}
