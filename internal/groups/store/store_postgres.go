package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/groups/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

// PostgresStore persists group settings and whitelists.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, group id.GroupID) (*models.Settings, error) {
	var (
		settings       models.Settings
		groupID        int64
		timeoutSeconds int
		action, style  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, title, gating_enabled, join_gate_enabled, timeout_seconds,
			timeout_action, lockdown, require_username, rules_text, require_rules,
			captcha_enabled, captcha_style, captcha_max_attempts, updated_at
		FROM group_settings WHERE group_id = $1
	`, int64(group)).Scan(
		&groupID, &settings.Title, &settings.GatingEnabled, &settings.JoinGateEnabled, &timeoutSeconds,
		&action, &settings.Lockdown, &settings.RequireUsername, &settings.RulesText, &settings.RequireRules,
		&settings.CaptchaEnabled, &style, &settings.CaptchaMaxAttempts, &settings.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group settings not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find group settings: %w", err)
	}
	settings.GroupID = id.GroupID(groupID)
	settings.Timeout = time.Duration(timeoutSeconds) * time.Second
	settings.TimeoutAction = models.TimeoutAction(action)
	settings.CaptchaStyle = models.CaptchaStyle(style)
	return &settings, nil
}

func (s *PostgresStore) Save(ctx context.Context, st models.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_settings (group_id, title, gating_enabled, join_gate_enabled, timeout_seconds,
			timeout_action, lockdown, require_username, rules_text, require_rules,
			captcha_enabled, captcha_style, captcha_max_attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (group_id) DO UPDATE SET
			title = EXCLUDED.title,
			gating_enabled = EXCLUDED.gating_enabled,
			join_gate_enabled = EXCLUDED.join_gate_enabled,
			timeout_seconds = EXCLUDED.timeout_seconds,
			timeout_action = EXCLUDED.timeout_action,
			lockdown = EXCLUDED.lockdown,
			require_username = EXCLUDED.require_username,
			rules_text = EXCLUDED.rules_text,
			require_rules = EXCLUDED.require_rules,
			captcha_enabled = EXCLUDED.captcha_enabled,
			captcha_style = EXCLUDED.captcha_style,
			captcha_max_attempts = EXCLUDED.captcha_max_attempts,
			updated_at = EXCLUDED.updated_at
	`, int64(st.GroupID), st.Title, st.GatingEnabled, st.JoinGateEnabled, int(st.Timeout/time.Second),
		string(st.TimeoutAction), st.Lockdown, st.RequireUsername, st.RulesText, st.RequireRules,
		st.CaptchaEnabled, string(st.CaptchaStyle), st.CaptchaMaxAttempts, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save group settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsWhitelisted(ctx context.Context, group id.GroupID, user id.UserID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_whitelist WHERE group_id = $1 AND user_id = $2)`,
		int64(group), int64(user),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) AddWhitelist(ctx context.Context, e models.WhitelistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_whitelist (group_id, user_id, added_by, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, int64(e.GroupID), int64(e.UserID), int64(e.AddedBy), e.AddedAt)
	if err != nil {
		return fmt.Errorf("add whitelist entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveWhitelist(ctx context.Context, group id.GroupID, user id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_whitelist WHERE group_id = $1 AND user_id = $2`, int64(group), int64(user))
	if err != nil {
		return fmt.Errorf("remove whitelist entry: %w", err)
	}
	return nil
}
