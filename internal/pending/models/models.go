package models

import (
	"time"

	id "gatekeeper/pkg/domain"
)

// Kind distinguishes admission-with-restriction from pre-admission gating.
type Kind string

const (
	// KindSoft: the user is already a member, restricted until verified.
	KindSoft Kind = "soft"
	// KindStrict: the user asked to join; admission is withheld until verified.
	KindStrict Kind = "strict"
)

func (k Kind) IsValid() bool { return k == KindSoft || k == KindStrict }

// Status is the lifecycle state of a pending verification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool { return s != StatusPending }

// IsOutcome reports whether s is a valid resolution target.
func (s Status) IsOutcome() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Gate is a pre-verification step the user must clear before confirming.
type Gate string

const (
	GateRules     Gate = "rules"
	GateChallenge Gate = "challenge"
)

// Gates is the per-record gate progress.
type Gates struct {
	RulesAcceptedAt   *time.Time
	ChallengeKind     string
	ChallengeExpected string
	ChallengeAttempts int
	ChallengeSolvedAt *time.Time
}

func (g Gates) RulesAccepted() bool   { return g.RulesAcceptedAt != nil }
func (g Gates) ChallengeSolved() bool { return g.ChallengeSolvedAt != nil }
func (g Gates) ChallengeIssued() bool { return g.ChallengeKind != "" }

// Exhausted reports whether the challenge is locked after too many wrong answers.
func (g Gates) Exhausted(maxAttempts int) bool {
	return !g.ChallengeSolved() && g.ChallengeAttempts >= maxAttempts
}

// PendingVerification is the state of one user's verification in one group.
// Records are never deleted; terminal records are the audit trail.
type PendingVerification struct {
	ID      id.PendingID
	GroupID id.GroupID
	UserID  id.UserID
	Kind    Kind
	Status  Status

	// UserChatID is where the user can be messaged privately. For join
	// requests this is the platform-provided chat, valid for a short window.
	UserChatID int64

	GroupPromptMessageID int64
	PanelChatID          int64
	PanelMessageID       int64

	// AttemptRef is set at most once. StartingAt is the compare-and-set
	// marker taken by the first confirm.
	AttemptRef string
	StartingAt *time.Time

	Gates Gates

	DecidedBy id.UserID
	DecidedAt *time.Time
	Reason    string

	CreatedAt time.Time
	ExpiresAt time.Time
}

func (p *PendingVerification) IsPending() bool { return p.Status == StatusPending }

// IsDue reports whether the deadline has passed.
func (p *PendingVerification) IsDue(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// HasAttempt reports whether an external attempt has been attached.
func (p *PendingVerification) HasAttempt() bool { return p.AttemptRef != "" }

// StartingHeld reports whether a starting marker is set and still inside
// its lease. An older marker belongs to a start that never finished.
func (p *PendingVerification) StartingHeld(now time.Time, lease time.Duration) bool {
	return p.StartingAt != nil && p.StartingAt.After(now.Add(-lease))
}

// Resolution describes a terminal transition.
type Resolution struct {
	Outcome   Status
	DecidedBy id.UserID
	Reason    string
	At        time.Time
}

// StartResult is the outcome of trying to take the attempt marker.
type StartResult int

const (
	StartOK StartResult = iota
	StartAlreadyStarting
	StartTerminal
	StartExpired
)

func (r StartResult) String() string {
	switch r {
	case StartOK:
		return "ok"
	case StartAlreadyStarting:
		return "already_starting"
	case StartTerminal:
		return "terminal"
	case StartExpired:
		return "expired"
	}
	return "unknown"
}

// AnswerResult is the outcome of a challenge answer.
type AnswerResult int

const (
	AnswerCorrect AnswerResult = iota
	AnswerWrong
	AnswerExhausted
	AnswerAlreadySolved
	AnswerTerminal
)
