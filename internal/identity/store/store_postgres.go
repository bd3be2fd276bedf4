package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gatekeeper/internal/identity/models"
	"gatekeeper/internal/platform/postgres"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	txcontext "gatekeeper/pkg/platform/tx"
)

// PostgresStore persists verified identities and identity bans.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q joins the caller's transaction so a binding commits or rolls back with
// the resolution it belongs to.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) FindByUser(ctx context.Context, user id.UserID) (*models.VerifiedIdentity, error) {
	var (
		ident  models.VerifiedIdentity
		userID int64
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT user_id, external_id, username, verified_at
		FROM verified_identities WHERE user_id = $1
	`, int64(user)).Scan(&userID, &ident.ExternalID, &ident.Username, &ident.VerifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verified identity not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find verified identity: %w", err)
	}
	ident.UserID = id.UserID(userID)
	return &ident, nil
}

// Bind upserts on user_id; the unique external_id constraint rejects an
// identity already bound to a different user.
func (s *PostgresStore) Bind(ctx context.Context, ident models.VerifiedIdentity) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO verified_identities (user_id, external_id, username, verified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			username = EXCLUDED.username,
			verified_at = EXCLUDED.verified_at
	`, int64(ident.UserID), ident.ExternalID, ident.Username, ident.VerifiedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("external identity bound to another user: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("bind verified identity: %w", err)
	}
	return nil
}

// OwnerOf returns the user the external identity is bound to.
func (s *PostgresStore) OwnerOf(ctx context.Context, externalID string) (id.UserID, error) {
	var userID int64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT user_id FROM verified_identities WHERE external_id = $1`, externalID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("external identity not bound: %w", sentinel.ErrNotFound)
		}
		return 0, fmt.Errorf("find identity owner: %w", err)
	}
	return id.UserID(userID), nil
}

func (s *PostgresStore) IsBanned(ctx context.Context, externalID string) (bool, error) {
	var banned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM identity_bans WHERE external_id = $1)`, externalID,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check identity ban: %w", err)
	}
	return banned, nil
}

func (s *PostgresStore) AddBan(ctx context.Context, ban models.Ban) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_bans (external_id, banned_by, reason, banned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE SET
			banned_by = EXCLUDED.banned_by,
			reason = EXCLUDED.reason,
			banned_at = EXCLUDED.banned_at
	`, ban.ExternalID, int64(ban.BannedBy), ban.Reason, ban.BannedAt)
	if err != nil {
		return fmt.Errorf("add identity ban: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveBan(ctx context.Context, externalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_bans WHERE external_id = $1`, externalID); err != nil {
		return fmt.Errorf("remove identity ban: %w", err)
	}
	return nil
}
