package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gatekeeper/internal/pending/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

// Error Contract:
// - Return ErrNotFound when the record does not exist
// - Return ErrInvalidState when a conditional write finds the record terminal
// - Losing a Resolve race is not an error: it returns false
//
// Every transition below is the in-memory rendition of a conditional UPDATE
// (WHERE status = 'pending'), executed under one mutex.

// SupersededReason marks a stale record closed because the same user
// re-entered the flow after its deadline.
const SupersededReason = "superseded"

type activeKey struct {
	group id.GroupID
	user  id.UserID
	kind  models.Kind
}

// InMemoryStore keeps pending verifications in memory for tests/dev.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[id.PendingID]*models.PendingVerification
	active  map[activeKey]id.PendingID
	lease   time.Duration
}

// New constructs an empty in-memory pending store.
func New(opts ...Option) *InMemoryStore {
	o := applyOptions(opts)
	return &InMemoryStore{
		records: make(map[id.PendingID]*models.PendingVerification),
		active:  make(map[activeKey]id.PendingID),
		lease:   o.startingLease,
	}
}

func keyOf(p *models.PendingVerification) activeKey {
	return activeKey{group: p.GroupID, user: p.UserID, kind: p.Kind}
}

func clone(p *models.PendingVerification) *models.PendingVerification {
	cp := *p
	return &cp
}

// CreateOrReuse inserts rec unless a pending record already exists for the
// same group, user and kind, in which case that record is returned.
// A pending record already past its deadline is closed as timed out first.
func (s *InMemoryStore) CreateOrReuse(_ context.Context, rec *models.PendingVerification, now time.Time) (*models.PendingVerification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(rec)
	if existingID, ok := s.active[key]; ok {
		existing := s.records[existingID]
		if !existing.IsDue(now) {
			return clone(existing), false, nil
		}
		s.resolveLocked(existing, models.Resolution{Outcome: models.StatusTimedOut, Reason: SupersededReason, At: now})
	}

	created := clone(rec)
	created.Status = models.StatusPending
	s.records[created.ID] = created
	s.active[key] = created.ID
	return clone(created), true, nil
}

func (s *InMemoryStore) Get(_ context.Context, pendingID id.PendingID) (*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pendingID]
	if !ok {
		return nil, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	return clone(rec), nil
}

func (s *InMemoryStore) FindActive(_ context.Context, group id.GroupID, user id.UserID, kind models.Kind) (*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pendingID, ok := s.active[activeKey{group: group, user: user, kind: kind}]
	if !ok {
		return nil, fmt.Errorf("no active pending verification: %w", sentinel.ErrNotFound)
	}
	return clone(s.records[pendingID]), nil
}

// pendingLocked returns the live record or the store's error contract.
func (s *InMemoryStore) pendingLocked(pendingID id.PendingID) (*models.PendingVerification, error) {
	rec, ok := s.records[pendingID]
	if !ok {
		return nil, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	if !rec.IsPending() {
		return nil, fmt.Errorf("pending verification is %s: %w", rec.Status, sentinel.ErrInvalidState)
	}
	return rec, nil
}

func (s *InMemoryStore) SetPromptRef(_ context.Context, pendingID id.PendingID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.pendingLocked(pendingID)
	if err != nil {
		return err
	}
	rec.GroupPromptMessageID = messageID
	return nil
}

func (s *InMemoryStore) SetPanelRef(_ context.Context, pendingID id.PendingID, chatID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.pendingLocked(pendingID)
	if err != nil {
		return err
	}
	rec.PanelChatID = chatID
	rec.PanelMessageID = messageID
	return nil
}

// SetGateSatisfied marks a gate cleared. Clearing an already cleared gate is a no-op.
func (s *InMemoryStore) SetGateSatisfied(_ context.Context, pendingID id.PendingID, gate models.Gate, now time.Time) (*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.pendingLocked(pendingID)
	if err != nil {
		return nil, err
	}
	at := now
	switch gate {
	case models.GateRules:
		if rec.Gates.RulesAcceptedAt == nil {
			rec.Gates.RulesAcceptedAt = &at
		}
	case models.GateChallenge:
		if rec.Gates.ChallengeSolvedAt == nil {
			rec.Gates.ChallengeSolvedAt = &at
		}
	default:
		return nil, fmt.Errorf("unknown gate %q: %w", gate, sentinel.ErrInvalidState)
	}
	return clone(rec), nil
}

// EnsureChallenge stores a challenge unless one was already issued, and
// returns the record with whichever challenge is current.
func (s *InMemoryStore) EnsureChallenge(_ context.Context, pendingID id.PendingID, kind, expected string) (*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.pendingLocked(pendingID)
	if err != nil {
		return nil, err
	}
	if !rec.Gates.ChallengeIssued() {
		rec.Gates.ChallengeKind = kind
		rec.Gates.ChallengeExpected = expected
	}
	return clone(rec), nil
}

// RecordChallengeAnswer counts one answer against the cap.
func (s *InMemoryStore) RecordChallengeAnswer(_ context.Context, pendingID id.PendingID, correct bool, maxAttempts int, now time.Time) (*models.PendingVerification, models.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pendingID]
	if !ok {
		return nil, 0, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	switch {
	case !rec.IsPending():
		return clone(rec), models.AnswerTerminal, nil
	case rec.Gates.ChallengeSolved():
		return clone(rec), models.AnswerAlreadySolved, nil
	case rec.Gates.ChallengeAttempts >= maxAttempts:
		return clone(rec), models.AnswerExhausted, nil
	}

	rec.Gates.ChallengeAttempts++
	if correct {
		at := now
		rec.Gates.ChallengeSolvedAt = &at
		return clone(rec), models.AnswerCorrect, nil
	}
	if rec.Gates.ChallengeAttempts >= maxAttempts {
		return clone(rec), models.AnswerExhausted, nil
	}
	return clone(rec), models.AnswerWrong, nil
}

// TryStartAttempt takes the starting marker. Only one caller gets StartOK for
// a record until the marker is cleared or its lease runs out.
func (s *InMemoryStore) TryStartAttempt(_ context.Context, pendingID id.PendingID, now time.Time) (models.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pendingID]
	if !ok {
		return 0, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	switch {
	case !rec.IsPending():
		return models.StartTerminal, nil
	case rec.IsDue(now):
		return models.StartExpired, nil
	case rec.HasAttempt() || rec.StartingHeld(now, s.lease):
		return models.StartAlreadyStarting, nil
	}
	at := now
	rec.StartingAt = &at
	return models.StartOK, nil
}

// AttachAttempt records the external attempt. It only succeeds for the
// holder of the starting marker and only once.
func (s *InMemoryStore) AttachAttempt(_ context.Context, pendingID id.PendingID, attemptRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.pendingLocked(pendingID)
	if err != nil {
		return err
	}
	if rec.StartingAt == nil || rec.HasAttempt() {
		return fmt.Errorf("attempt cannot be attached: %w", sentinel.ErrInvalidState)
	}
	rec.AttemptRef = attemptRef
	return nil
}

// ClearStarting releases the marker after a failed attempt creation so the
// user can retry. It never clears a marker once an attempt is attached.
func (s *InMemoryStore) ClearStarting(_ context.Context, pendingID id.PendingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pendingID]
	if !ok {
		return fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	if !rec.HasAttempt() {
		rec.StartingAt = nil
	}
	return nil
}

// Resolve moves a pending record to a terminal outcome. It returns false,
// not an error, when the record was already terminal.
func (s *InMemoryStore) Resolve(_ context.Context, pendingID id.PendingID, res models.Resolution) (bool, error) {
	if !res.Outcome.IsOutcome() {
		return false, fmt.Errorf("invalid outcome %q: %w", res.Outcome, sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pendingID]
	if !ok {
		return false, fmt.Errorf("pending verification not found: %w", sentinel.ErrNotFound)
	}
	if !rec.IsPending() {
		return false, nil
	}
	s.resolveLocked(rec, res)
	return true, nil
}

func (s *InMemoryStore) resolveLocked(rec *models.PendingVerification, res models.Resolution) {
	at := res.At
	rec.Status = res.Outcome
	rec.DecidedBy = res.DecidedBy
	rec.DecidedAt = &at
	rec.Reason = res.Reason
	delete(s.active, keyOf(rec))
}

// FindExpired returns up to limit pending records whose deadline has passed,
// oldest deadline first.
func (s *InMemoryStore) FindExpired(_ context.Context, now time.Time, limit int) ([]*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingVerification
	for _, pendingID := range s.active {
		rec := s.records[pendingID]
		if rec.IsDue(now) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListInFlight returns pending records with an attached external attempt.
func (s *InMemoryStore) ListInFlight(_ context.Context) ([]*models.PendingVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingVerification
	for _, pendingID := range s.active {
		if rec := s.records[pendingID]; rec.HasAttempt() {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}
