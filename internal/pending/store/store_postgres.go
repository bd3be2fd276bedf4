package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/pending/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	txcontext "gatekeeper/pkg/platform/tx"
)

// createRetries bounds CreateOrReuse when the competing pending record is
// resolved between the insert and the lookup.
const createRetries = 3

// PostgresStore persists pending verifications in PostgreSQL.
// Uniqueness of the pending row per (group, user, kind) is a partial unique
// index; every transition is an UPDATE guarded by status = 'pending'.
type PostgresStore struct {
	db    *sql.DB
	lease time.Duration
}

// NewPostgres constructs a PostgreSQL-backed pending store.
func NewPostgres(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, lease: applyOptions(opts).startingLease}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const pendingColumns = `id, group_id, user_id, kind, status, user_chat_id,
	group_prompt_message_id, panel_chat_id, panel_message_id,
	attempt_ref, starting_at, rules_accepted_at,
	challenge_kind, challenge_expected, challenge_attempts, challenge_solved_at,
	decided_by, decided_at, reason, created_at, expires_at`

func (s *PostgresStore) CreateOrReuse(ctx context.Context, rec *models.PendingVerification, now time.Time) (*models.PendingVerification, bool, error) {
	closeStale := `
		UPDATE pending_verifications
		SET status = 'timed_out', decided_at = $4, reason = $5
		WHERE group_id = $1 AND user_id = $2 AND kind = $3
		  AND status = 'pending' AND expires_at <= $4
	`
	insert := `
		INSERT INTO pending_verifications (id, group_id, user_id, kind, status, user_chat_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		ON CONFLICT (group_id, user_id, kind) WHERE status = 'pending' DO NOTHING
		RETURNING ` + pendingColumns

	for attempt := 0; attempt < createRetries; attempt++ {
		if _, err := s.q(ctx).ExecContext(ctx, closeStale,
			int64(rec.GroupID), int64(rec.UserID), string(rec.Kind), now, SupersededReason,
		); err != nil {
			return nil, false, fmt.Errorf("close stale pending verification: %w", err)
		}

		created, err := scanPending(s.q(ctx).QueryRowContext(ctx, insert,
			uuid.UUID(rec.ID),
			int64(rec.GroupID),
			int64(rec.UserID),
			string(rec.Kind),
			rec.UserChatID,
			rec.CreatedAt,
			rec.ExpiresAt,
		))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert pending verification: %w", err)
		}

		existing, err := s.FindActive(ctx, rec.GroupID, rec.UserID, rec.Kind)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("create pending verification: contention on %s/%s: %w",
		rec.GroupID, rec.UserID, sentinel.ErrConflict)
}

func (s *PostgresStore) Get(ctx context.Context, pendingID id.PendingID) (*models.PendingVerification, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_verifications WHERE id = $1`
	rec, err := scanPending(s.q(ctx).QueryRowContext(ctx, query, uuid.UUID(pendingID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get pending verification: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, group id.GroupID, user id.UserID, kind models.Kind) (*models.PendingVerification, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_verifications
		WHERE group_id = $1 AND user_id = $2 AND kind = $3 AND status = 'pending'
	`
	rec, err := scanPending(s.q(ctx).QueryRowContext(ctx, query, int64(group), int64(user), string(kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no active pending verification: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find active pending verification: %w", err)
	}
	return rec, nil
}

// execPending runs a conditional UPDATE and maps "no row" to the error contract.
func (s *PostgresStore) execPending(ctx context.Context, op string, pendingID id.PendingID, query string, args ...any) error {
	result, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows > 0 {
		return nil
	}
	return s.notUpdated(ctx, pendingID)
}

func (s *PostgresStore) notUpdated(ctx context.Context, pendingID id.PendingID) error {
	rec, err := s.Get(ctx, pendingID)
	if err != nil {
		return err
	}
	return fmt.Errorf("pending verification is %s: %w", rec.Status, sentinel.ErrInvalidState)
}

func (s *PostgresStore) SetPromptRef(ctx context.Context, pendingID id.PendingID, messageID int64) error {
	return s.execPending(ctx, "set prompt ref", pendingID, `
		UPDATE pending_verifications SET group_prompt_message_id = $2
		WHERE id = $1 AND status = 'pending'
	`, uuid.UUID(pendingID), messageID)
}

func (s *PostgresStore) SetPanelRef(ctx context.Context, pendingID id.PendingID, chatID, messageID int64) error {
	return s.execPending(ctx, "set panel ref", pendingID, `
		UPDATE pending_verifications SET panel_chat_id = $2, panel_message_id = $3
		WHERE id = $1 AND status = 'pending'
	`, uuid.UUID(pendingID), chatID, messageID)
}

func (s *PostgresStore) SetGateSatisfied(ctx context.Context, pendingID id.PendingID, gate models.Gate, now time.Time) (*models.PendingVerification, error) {
	var column string
	switch gate {
	case models.GateRules:
		column = "rules_accepted_at"
	case models.GateChallenge:
		column = "challenge_solved_at"
	default:
		return nil, fmt.Errorf("unknown gate %q: %w", gate, sentinel.ErrInvalidState)
	}
	query := `
		UPDATE pending_verifications SET ` + column + ` = COALESCE(` + column + `, $2)
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + pendingColumns
	rec, err := scanPending(s.q(ctx).QueryRowContext(ctx, query, uuid.UUID(pendingID), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.notUpdated(ctx, pendingID)
		}
		return nil, fmt.Errorf("set gate satisfied: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) EnsureChallenge(ctx context.Context, pendingID id.PendingID, kind, expected string) (*models.PendingVerification, error) {
	query := `
		UPDATE pending_verifications
		SET challenge_kind = CASE WHEN challenge_kind = '' THEN $2 ELSE challenge_kind END,
		    challenge_expected = CASE WHEN challenge_kind = '' THEN $3 ELSE challenge_expected END
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + pendingColumns
	rec, err := scanPending(s.q(ctx).QueryRowContext(ctx, query, uuid.UUID(pendingID), kind, expected))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.notUpdated(ctx, pendingID)
		}
		return nil, fmt.Errorf("ensure challenge: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) RecordChallengeAnswer(ctx context.Context, pendingID id.PendingID, correct bool, maxAttempts int, now time.Time) (*models.PendingVerification, models.AnswerResult, error) {
	query := `
		UPDATE pending_verifications
		SET challenge_attempts = challenge_attempts + 1,
		    challenge_solved_at = CASE WHEN $2 THEN $3::timestamptz ELSE NULL END
		WHERE id = $1
		  AND status = 'pending'
		  AND challenge_solved_at IS NULL
		  AND challenge_attempts < $4
		RETURNING ` + pendingColumns
	rec, err := scanPending(s.q(ctx).QueryRowContext(ctx, query, uuid.UUID(pendingID), correct, now, maxAttempts))
	if err == nil {
		switch {
		case correct:
			return rec, models.AnswerCorrect, nil
		case rec.Gates.ChallengeAttempts >= maxAttempts:
			return rec, models.AnswerExhausted, nil
		default:
			return rec, models.AnswerWrong, nil
		}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("record challenge answer: %w", err)
	}

	current, err := s.Get(ctx, pendingID)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case !current.IsPending():
		return current, models.AnswerTerminal, nil
	case current.Gates.ChallengeSolved():
		return current, models.AnswerAlreadySolved, nil
	default:
		return current, models.AnswerExhausted, nil
	}
}

func (s *PostgresStore) TryStartAttempt(ctx context.Context, pendingID id.PendingID, now time.Time) (models.StartResult, error) {
	query := `
		UPDATE pending_verifications SET starting_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND expires_at > $2
		  AND (starting_at IS NULL OR starting_at <= $3)
		  AND attempt_ref IS NULL
	`
	result, err := s.q(ctx).ExecContext(ctx, query, uuid.UUID(pendingID), now, now.Add(-s.lease))
	if err != nil {
		return 0, fmt.Errorf("try start attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("try start attempt rows affected: %w", err)
	}
	if rows > 0 {
		return models.StartOK, nil
	}

	rec, err := s.Get(ctx, pendingID)
	if err != nil {
		return 0, err
	}
	switch {
	case !rec.IsPending():
		return models.StartTerminal, nil
	case rec.IsDue(now):
		return models.StartExpired, nil
	default:
		return models.StartAlreadyStarting, nil
	}
}

func (s *PostgresStore) AttachAttempt(ctx context.Context, pendingID id.PendingID, attemptRef string) error {
	return s.execPending(ctx, "attach attempt", pendingID, `
		UPDATE pending_verifications SET attempt_ref = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND starting_at IS NOT NULL
		  AND attempt_ref IS NULL
	`, uuid.UUID(pendingID), attemptRef)
}

func (s *PostgresStore) ClearStarting(ctx context.Context, pendingID id.PendingID) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_verifications SET starting_at = NULL
		WHERE id = $1 AND attempt_ref IS NULL
	`, uuid.UUID(pendingID))
	if err != nil {
		return fmt.Errorf("clear starting marker: %w", err)
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, pendingID id.PendingID, res models.Resolution) (bool, error) {
	if !res.Outcome.IsOutcome() {
		return false, fmt.Errorf("invalid outcome %q: %w", res.Outcome, sentinel.ErrInvalidState)
	}
	var decidedBy sql.NullInt64
	if res.DecidedBy != 0 {
		decidedBy = sql.NullInt64{Int64: int64(res.DecidedBy), Valid: true}
	}
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE pending_verifications
		SET status = $2, decided_by = $3, decided_at = $4, reason = $5
		WHERE id = $1 AND status = 'pending'
	`, uuid.UUID(pendingID), string(res.Outcome), decidedBy, res.At, res.Reason)
	if err != nil {
		return false, fmt.Errorf("resolve pending verification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, pendingID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingVerification, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_verifications
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	return s.list(ctx, "find expired", query, now, limit)
}

func (s *PostgresStore) ListInFlight(ctx context.Context) ([]*models.PendingVerification, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM pending_verifications
		WHERE status = 'pending' AND attempt_ref IS NOT NULL
	`
	return s.list(ctx, "list in flight", query)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*models.PendingVerification, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.PendingVerification
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return out, nil
}

func scanPending(row interface{ Scan(dest ...any) error }) (*models.PendingVerification, error) {
	var (
		p          models.PendingVerification
		pendingID  uuid.UUID
		groupID    int64
		userID     int64
		kind       string
		status     string
		attemptRef sql.NullString
		startingAt sql.NullTime
		rulesAt    sql.NullTime
		solvedAt   sql.NullTime
		decidedBy  sql.NullInt64
		decidedAt  sql.NullTime
	)
	err := row.Scan(
		&pendingID, &groupID, &userID, &kind, &status, &p.UserChatID,
		&p.GroupPromptMessageID, &p.PanelChatID, &p.PanelMessageID,
		&attemptRef, &startingAt, &rulesAt,
		&p.Gates.ChallengeKind, &p.Gates.ChallengeExpected, &p.Gates.ChallengeAttempts, &solvedAt,
		&decidedBy, &decidedAt, &p.Reason, &p.CreatedAt, &p.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	p.ID = id.PendingID(pendingID)
	p.GroupID = id.GroupID(groupID)
	p.UserID = id.UserID(userID)
	p.Kind = models.Kind(kind)
	p.Status = models.Status(status)
	p.AttemptRef = attemptRef.String
	p.StartingAt = timePtr(startingAt)
	p.Gates.RulesAcceptedAt = timePtr(rulesAt)
	p.Gates.ChallengeSolvedAt = timePtr(solvedAt)
	p.DecidedBy = id.UserID(decidedBy.Int64)
	p.DecidedAt = timePtr(decidedAt)
	return &p, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
