// Package domain holds the typed identifiers shared across modules.
//
// Chat platform identifiers are 64-bit integers (group chats are negative);
// records owned by this service use UUIDs.
package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	dErrors "gatekeeper/pkg/domain-errors"
)

// GroupID identifies a managed chat group on the platform.
type GroupID int64

// UserID identifies a platform user. Private chats share the user's id.
type UserID int64

// PendingID identifies a pending verification record.
type PendingID uuid.UUID

func (g GroupID) String() string { return strconv.FormatInt(int64(g), 10) }

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

func (p PendingID) String() string { return uuid.UUID(p).String() }

// IsNil reports whether the id is the zero UUID.
func (p PendingID) IsNil() bool { return uuid.UUID(p) == uuid.Nil }

// NewPendingID returns a fresh random id.
func NewPendingID() PendingID { return PendingID(uuid.New()) }

// ParsePendingID parses a pending record id received at a trust boundary
// (callback data, deep-link scope). Nil UUIDs are rejected.
func ParsePendingID(s string) (PendingID, error) {
	if s == "" {
		return PendingID{}, dErrors.New(dErrors.CodeInvalidInput, "pending id is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return PendingID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid pending id")
	}
	if parsed == uuid.Nil {
		return PendingID{}, dErrors.New(dErrors.CodeInvalidInput, "pending id cannot be nil")
	}
	return PendingID(parsed), nil
}

// ParseGroupID parses a platform group id. Zero is rejected.
func ParseGroupID(s string) (GroupID, error) {
	v, err := parsePlatformID(s)
	if err != nil {
		return 0, err
	}
	return GroupID(v), nil
}

// ParseUserID parses a platform user id. Users are always positive.
func ParseUserID(s string) (UserID, error) {
	v, err := parsePlatformID(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "user id must be positive")
	}
	return UserID(v), nil
}

func parsePlatformID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "id is required")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid id")
	}
	if v == 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "id cannot be zero")
	}
	return v, nil
}
