package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/platform/postgres"
	"gatekeeper/internal/token/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	txcontext "gatekeeper/pkg/platform/tx"
)

// PostgresStore persists deep-link tokens in PostgreSQL.
// Consumption is a single conditional UPDATE so concurrent redemptions race
// on the row, not in the service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed token store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const tokenColumns = `token_hash, kind, group_id, user_id, pending_id, created_at, expires_at, consumed_at`

func (s *PostgresStore) Create(ctx context.Context, token *models.Token) error {
	var pendingID uuid.NullUUID
	if !token.Scope.PendingID.IsNil() {
		pendingID = uuid.NullUUID{UUID: uuid.UUID(token.Scope.PendingID), Valid: true}
	}
	query := `
		INSERT INTO deep_link_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		token.Hash,
		string(token.Kind),
		int64(token.Scope.GroupID),
		int64(token.Scope.UserID),
		pendingID,
		token.CreatedAt,
		token.ExpiresAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("token hash collision: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (*models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM deep_link_tokens WHERE token_hash = $1`
	token, err := scanToken(s.q(ctx).QueryRowContext(ctx, query, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) ConsumeByHash(ctx context.Context, hash string, now time.Time) (*models.Token, error) {
	query := `
		UPDATE deep_link_tokens
		SET consumed_at = $2
		WHERE token_hash = $1
		  AND consumed_at IS NULL
		  AND expires_at > $2
		RETURNING ` + tokenColumns
	token, err := scanToken(s.q(ctx).QueryRowContext(ctx, query, hash, now))
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	// Lost the update: classify why.
	existing, findErr := s.FindByHash(ctx, hash)
	if findErr != nil {
		return nil, findErr
	}
	if existing.IsConsumed() {
		return nil, fmt.Errorf("token consumed: %w", sentinel.ErrAlreadyUsed)
	}
	return nil, fmt.Errorf("token expired: %w", sentinel.ErrExpired)
}

func (s *PostgresStore) ConsumeForPending(ctx context.Context, pendingID id.PendingID, now time.Time) (int, error) {
	query := `
		UPDATE deep_link_tokens
		SET consumed_at = $2
		WHERE pending_id = $1 AND consumed_at IS NULL
	`
	result, err := s.q(ctx).ExecContext(ctx, query, uuid.UUID(pendingID), now)
	if err != nil {
		return 0, fmt.Errorf("consume tokens for pending: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consume tokens rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.q(ctx).ExecContext(ctx, `DELETE FROM deep_link_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens rows affected: %w", err)
	}
	return int(rows), nil
}

func scanToken(row interface{ Scan(dest ...any) error }) (*models.Token, error) {
	var (
		t          models.Token
		kind       string
		groupID    int64
		userID     int64
		pendingID  uuid.NullUUID
		consumedAt sql.NullTime
	)
	if err := row.Scan(&t.Hash, &kind, &groupID, &userID, &pendingID, &t.CreatedAt, &t.ExpiresAt, &consumedAt); err != nil {
		return nil, err
	}
	t.Kind = models.Kind(kind)
	t.Scope = models.Scope{GroupID: id.GroupID(groupID), UserID: id.UserID(userID)}
	if pendingID.Valid {
		t.Scope.PendingID = id.PendingID(pendingID.UUID)
	}
	if consumedAt.Valid {
		ts := consumedAt.Time
		t.ConsumedAt = &ts
	}
	return &t, nil
}
