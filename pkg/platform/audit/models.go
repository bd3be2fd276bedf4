package audit

import (
	"context"
	"time"

	id "gatekeeper/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and downstream routing.
type EventCategory string

const (
	// CategoryModeration covers decisions that changed someone's membership.
	// These are the record operators reach for when a user disputes a kick.
	CategoryModeration EventCategory = "moderation"

	// CategorySecurity covers identity conflicts, bans and permission failures.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine flow progress and can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key transitions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	GroupID   id.GroupID
	UserID    id.UserID
	PendingID string
	Action    string
	Outcome   string
	Reason    string
	RequestID string
	// ActorID is the admin who acted, when the action was not the user's own.
	ActorID id.UserID
}

type AuditEvent string

const (
	// Admission
	EventAdmitted        AuditEvent = "admission_admitted"
	EventAdmissionDenied AuditEvent = "admission_rejected"
	EventPendingCreated  AuditEvent = "pending_created"

	// Verification flow
	EventVerificationStarted AuditEvent = "verification_started"
	EventChallengeExhausted  AuditEvent = "challenge_exhausted"
	EventPendingApproved     AuditEvent = "pending_approved"
	EventPendingRejected     AuditEvent = "pending_rejected"
	EventPendingTimedOut     AuditEvent = "pending_timed_out"
	EventPendingCancelled    AuditEvent = "pending_cancelled"
	EventAdminOverride       AuditEvent = "admin_override"

	// Identity
	EventIdentityBound    AuditEvent = "identity_bound"
	EventIdentityConflict AuditEvent = "identity_conflict"
	EventIdentityBanned   AuditEvent = "identity_banned"

	// Platform
	EventPermissionDenied AuditEvent = "platform_permission_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventAdmissionDenied: CategoryModeration,
	EventPendingApproved: CategoryModeration,
	EventPendingRejected: CategoryModeration,
	EventPendingTimedOut: CategoryModeration,
	EventAdminOverride:   CategoryModeration,

	EventIdentityConflict: CategorySecurity,
	EventIdentityBanned:   CategorySecurity,
	EventPermissionDenied: CategorySecurity,

	EventAdmitted:            CategoryOperations,
	EventPendingCreated:      CategoryOperations,
	EventVerificationStarted: CategoryOperations,
	EventChallengeExhausted:  CategoryOperations,
	EventPendingCancelled:    CategoryOperations,
	EventIdentityBound:       CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Emitter accepts audit events from services. Emission never fails the
// caller's operation.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}
