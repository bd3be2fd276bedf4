package panel

import (
	"context"
	"errors"
	"log/slog"

	"gatekeeper/internal/chat"
	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/platform/metrics"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/tx"
	"gatekeeper/pkg/requestcontext"
)

// Resolution reasons recorded on pending records.
const (
	ReasonVerified         = "verified"
	ReasonVerifierRejected = "verifier_rejected"
	ReasonVerifierExpired  = "verifier_expired"
	ReasonIdentityConflict = "identity_conflict"
	ReasonIdentityBanned   = "identity_banned"
	ReasonAdminOverride    = "admin_override"
	ReasonTimeout          = "timeout"
)

// Resolution sources for metrics.
const (
	SourcePoll  = "poll"
	SourceAdmin = "admin"
	SourceSweep = "sweep"
)

// ResolveStore is the conditional transition the resolver races on.
type ResolveStore interface {
	Get(ctx context.Context, pendingID id.PendingID) (*models.PendingVerification, error)
	Resolve(ctx context.Context, pendingID id.PendingID, res models.Resolution) (bool, error)
}

// IdentityBinder records verified identities.
type IdentityBinder interface {
	Bind(ctx context.Context, user id.UserID, externalID, username string) error
	OwnerOf(ctx context.Context, externalID string) (id.UserID, bool, error)
	IsExternalBanned(ctx context.Context, externalID string) (bool, error)
}

// Resolver moves records to terminal states and applies the membership side
// effects. Side effects run only for the writer that won the transition.
type Resolver struct {
	pending  ResolveStore
	identity IdentityBinder
	platform chat.Platform
	txRunner tx.Runner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditor  audit.Emitter
}

type ResolverOption func(*Resolver)

// WithResolverTx makes an approval and its identity binding one unit of work.
func WithResolverTx(r tx.Runner) ResolverOption {
	return func(res *Resolver) { res.txRunner = r }
}

func NewResolver(pending ResolveStore, identity IdentityBinder, platform chat.Platform, logger *slog.Logger, m *metrics.Metrics, auditor audit.Emitter, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		pending:  pending,
		identity: identity,
		platform: platform,
		txRunner: tx.NoopRunner{},
		logger:   logger,
		metrics:  m,
		auditor:  auditor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errBindConflict aborts the approval unit of work when the identity turned
// out to belong to another account.
var errBindConflict = errors.New("identity bound to another account")

// ApproveVerified resolves a record the verifier approved. Ban and ownership
// are checked read-only first; the identity is bound only by the writer that
// wins the approval, in the same unit of work. An identity owned by another
// account or banned turns the approval into a rejection.
func (r *Resolver) ApproveVerified(ctx context.Context, rec *models.PendingVerification, externalID string) (bool, error) {
	banned, err := r.identity.IsExternalBanned(ctx, externalID)
	if err != nil {
		return false, err
	}
	if banned {
		return r.rejectIdentity(ctx, rec, audit.EventIdentityBanned, ReasonIdentityBanned)
	}
	owner, bound, err := r.identity.OwnerOf(ctx, externalID)
	if err != nil {
		return false, err
	}
	if bound && owner != rec.UserID {
		return r.rejectIdentity(ctx, rec, audit.EventIdentityConflict, ReasonIdentityConflict)
	}

	var won bool
	err = r.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		won, err = r.pending.Resolve(ctx, rec.ID, r.resolution(ctx, models.StatusApproved, 0, ReasonVerified))
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve pending verification")
		}
		if !won {
			return nil
		}
		if err := r.identity.Bind(ctx, rec.UserID, externalID, ""); err != nil {
			if dErrors.HasCode(err, dErrors.CodeConflict) {
				return errBindConflict
			}
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, errBindConflict):
		return r.bindConflict(ctx, rec)
	case err != nil:
		return false, err
	case !won:
		r.lost(ctx, rec, models.StatusApproved, SourcePoll)
		return false, nil
	}

	r.record(ctx, rec, models.StatusApproved, 0, ReasonVerified, SourcePoll)
	r.emit(ctx, rec, audit.EventIdentityBound, "", "", 0)
	r.apply(ctx, rec, models.StatusApproved)
	return true, nil
}

// rejectIdentity rejects for an identity reason. The identity audit event is
// recorded only by the winner.
func (r *Resolver) rejectIdentity(ctx context.Context, rec *models.PendingVerification, event audit.AuditEvent, reason string) (bool, error) {
	won, err := r.transition(ctx, rec, models.StatusRejected, 0, reason, SourcePoll)
	if err != nil || !won {
		return won, err
	}
	r.emit(ctx, rec, event, "", reason, 0)
	r.apply(ctx, rec, models.StatusRejected)
	return true, nil
}

// bindConflict handles an identity taken by another account between the
// ownership check and the bind. With a transactional store the approval was
// rolled back and the record is still pending. Without one the approval
// stands, so the outcome already written is the one applied.
func (r *Resolver) bindConflict(ctx context.Context, rec *models.PendingVerification) (bool, error) {
	won, err := r.rejectIdentity(ctx, rec, audit.EventIdentityConflict, ReasonIdentityConflict)
	if err != nil || won {
		return won, err
	}
	current, err := r.pending.Get(ctx, rec.ID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reload pending verification")
	}
	if current.Status != models.StatusApproved || current.Reason != ReasonVerified {
		return false, nil
	}
	r.logger.WarnContext(ctx, "approval kept without identity binding",
		"pending_id", rec.ID.String(),
		"user_id", int64(rec.UserID),
	)
	r.record(ctx, rec, models.StatusApproved, 0, ReasonVerified, SourcePoll)
	r.emit(ctx, rec, audit.EventIdentityConflict, string(models.StatusApproved), ReasonIdentityConflict, 0)
	r.apply(ctx, rec, models.StatusApproved)
	return true, nil
}

// Approve resolves a record without an identity, as an admin override does.
func (r *Resolver) Approve(ctx context.Context, rec *models.PendingVerification, decidedBy id.UserID, reason, source string) (bool, error) {
	return r.resolve(ctx, rec, models.StatusApproved, decidedBy, reason, source)
}

func (r *Resolver) Reject(ctx context.Context, rec *models.PendingVerification, decidedBy id.UserID, reason, source string) (bool, error) {
	return r.resolve(ctx, rec, models.StatusRejected, decidedBy, reason, source)
}

// TimeOut resolves an expired record. Strict records always withdraw the
// join request; soft records follow the group's timeout action.
func (r *Resolver) TimeOut(ctx context.Context, rec *models.PendingVerification, action groupModels.TimeoutAction) (bool, error) {
	won, err := r.transition(ctx, rec, models.StatusTimedOut, 0, ReasonTimeout, SourceSweep)
	if err != nil || !won {
		return won, err
	}
	switch {
	case rec.Kind == models.KindStrict:
		r.sideEffect(ctx, rec, "decline_join_request", r.platform.DeclineJoinRequest(ctx, rec.GroupID, rec.UserID))
	case action == groupModels.TimeoutKick:
		r.sideEffect(ctx, rec, "kick", r.platform.Kick(ctx, rec.GroupID, rec.UserID))
	}
	r.cleanup(ctx, rec, models.StatusTimedOut)
	return true, nil
}

func (r *Resolver) resolve(ctx context.Context, rec *models.PendingVerification, outcome models.Status, decidedBy id.UserID, reason, source string) (bool, error) {
	won, err := r.transition(ctx, rec, outcome, decidedBy, reason, source)
	if err != nil || !won {
		return won, err
	}
	r.apply(ctx, rec, outcome)
	return true, nil
}

// apply runs the membership side effects of a won approval or rejection.
func (r *Resolver) apply(ctx context.Context, rec *models.PendingVerification, outcome models.Status) {
	switch {
	case outcome == models.StatusApproved && rec.Kind == models.KindStrict:
		r.sideEffect(ctx, rec, "approve_join_request", r.platform.ApproveJoinRequest(ctx, rec.GroupID, rec.UserID))
	case outcome == models.StatusApproved:
		r.sideEffect(ctx, rec, "unrestrict", r.platform.UnrestrictMember(ctx, rec.GroupID, rec.UserID))
	case rec.Kind == models.KindStrict:
		r.sideEffect(ctx, rec, "decline_join_request", r.platform.DeclineJoinRequest(ctx, rec.GroupID, rec.UserID))
	default:
		r.sideEffect(ctx, rec, "kick", r.platform.Kick(ctx, rec.GroupID, rec.UserID))
	}
	r.cleanup(ctx, rec, outcome)
}

// transition performs the conditional update and records the winner.
func (r *Resolver) transition(ctx context.Context, rec *models.PendingVerification, outcome models.Status, decidedBy id.UserID, reason, source string) (bool, error) {
	won, err := r.pending.Resolve(ctx, rec.ID, r.resolution(ctx, outcome, decidedBy, reason))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve pending verification")
	}
	if !won {
		r.lost(ctx, rec, outcome, source)
		return false, nil
	}
	r.record(ctx, rec, outcome, decidedBy, reason, source)
	return true, nil
}

func (r *Resolver) resolution(ctx context.Context, outcome models.Status, decidedBy id.UserID, reason string) models.Resolution {
	return models.Resolution{
		Outcome:   outcome,
		DecidedBy: decidedBy,
		Reason:    reason,
		At:        requestcontext.Now(ctx),
	}
}

func (r *Resolver) lost(ctx context.Context, rec *models.PendingVerification, outcome models.Status, source string) {
	r.logger.DebugContext(ctx, "resolution lost race",
		"pending_id", rec.ID.String(),
		"outcome", string(outcome),
		"source", source,
	)
}

// record counts and audits a won transition.
func (r *Resolver) record(ctx context.Context, rec *models.PendingVerification, outcome models.Status, decidedBy id.UserID, reason, source string) {
	r.metrics.IncResolution(string(outcome), source)
	action := map[models.Status]audit.AuditEvent{
		models.StatusApproved: audit.EventPendingApproved,
		models.StatusRejected: audit.EventPendingRejected,
		models.StatusTimedOut: audit.EventPendingTimedOut,
	}[outcome]
	if source == SourceAdmin {
		action = audit.EventAdminOverride
	}
	r.emit(ctx, rec, action, string(outcome), reason, decidedBy)
}

// cleanup removes the group prompt and updates the private panel. Failures
// are logged only.
func (r *Resolver) cleanup(ctx context.Context, rec *models.PendingVerification, outcome models.Status) {
	if rec.GroupPromptMessageID != 0 {
		err := chat.IgnoreGone(r.platform.DeleteMessage(ctx, chat.GroupChatID(rec.GroupID), rec.GroupPromptMessageID))
		r.sideEffect(ctx, rec, "delete_prompt", err)
	}
	if rec.PanelMessageID != 0 && rec.PanelChatID != 0 {
		err := chat.IgnoreGone(r.platform.EditMessage(ctx, rec.PanelChatID, rec.PanelMessageID, OutcomeMessage(outcome, rec.Kind)))
		r.sideEffect(ctx, rec, "edit_panel", err)
	}
}

func (r *Resolver) sideEffect(ctx context.Context, rec *models.PendingVerification, action string, err error) {
	if err == nil {
		return
	}
	r.metrics.IncSideEffectFailure(action)
	if errors.Is(err, chat.ErrPermissionDenied) {
		r.emit(ctx, rec, audit.EventPermissionDenied, "", action, 0)
		return
	}
	r.logger.WarnContext(ctx, "platform side effect failed",
		"action", action,
		"pending_id", rec.ID.String(),
		"group_id", int64(rec.GroupID),
		"error", err,
	)
}

func (r *Resolver) emit(ctx context.Context, rec *models.PendingVerification, action audit.AuditEvent, outcome, reason string, actor id.UserID) {
	audit.LogAudit(ctx, r.logger, r.auditor, audit.Event{
		GroupID:   rec.GroupID,
		UserID:    rec.UserID,
		PendingID: rec.ID.String(),
		Action:    string(action),
		Outcome:   outcome,
		Reason:    reason,
		ActorID:   actor,
	})
}
