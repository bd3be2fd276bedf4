package models

import (
	"time"

	id "gatekeeper/pkg/domain"
)

// VerifiedIdentity binds a platform user to the identity the external
// verifier vouched for. The binding is exclusive in both directions: one
// external identity per user and one user per external identity.
type VerifiedIdentity struct {
	UserID     id.UserID
	ExternalID string
	Username   string
	VerifiedAt time.Time
}

// Ban blocks an external identity across every managed group.
type Ban struct {
	ExternalID string
	BannedBy   id.UserID
	Reason     string
	BannedAt   time.Time
}
