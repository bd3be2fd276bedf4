package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	id "gatekeeper/pkg/domain"
)

// Kind is the purpose a deep-link token was issued for.
type Kind string

const (
	KindSettings     Kind = "settings"
	KindVerification Kind = "verification"
	KindSupport      Kind = "support"
)

var prefixes = map[Kind]string{
	KindSettings:     "cfg",
	KindVerification: "ver",
	KindSupport:      "sup",
}

// Prefix is the start-payload prefix that routes the link.
func (k Kind) Prefix() string { return prefixes[k] }

func (k Kind) IsValid() bool {
	_, ok := prefixes[k]
	return ok
}

// KindFromPrefix maps a start-payload prefix back to its kind.
func KindFromPrefix(prefix string) (Kind, bool) {
	for k, p := range prefixes {
		if p == prefix {
			return k, true
		}
	}
	return "", false
}

// Scope is what the token grants access to. UserID is the only actor allowed
// to redeem it.
type Scope struct {
	GroupID   id.GroupID
	UserID    id.UserID
	PendingID id.PendingID
}

// Token is the persisted half of a deep-link token. The raw value is never
// stored; lookups go through Hash.
type Token struct {
	Hash       string
	Kind       Kind
	Scope      Scope
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// HashToken derives the storage key of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *Token) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// Matches reports whether the token was issued for this kind and actor.
func (t *Token) Matches(kind Kind, actor id.UserID) bool {
	return t.Kind == kind && t.Scope.UserID == actor
}
