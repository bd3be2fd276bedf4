// Package admission decides what happens to a user joining, or asking to
// join, a managed group and applies the matching platform side effects.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/chat"
	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/platform/metrics"
	tokenModels "gatekeeper/internal/token/models"
	tokenService "gatekeeper/internal/token/service"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/platform/tx"
	"gatekeeper/pkg/requestcontext"
)

// DefaultJoinRequestWindow is how long the platform lets a bot DM a join requester.
const DefaultJoinRequestWindow = 5 * time.Minute

// Reasons recorded on records this package resolves.
const (
	ReasonDMUndeliverable = "dm_undeliverable"
	ReasonUserLeft        = "user_left"
)

// PendingStore is the subset of the pending verification store admission uses.
type PendingStore interface {
	CreateOrReuse(ctx context.Context, rec *models.PendingVerification, now time.Time) (*models.PendingVerification, bool, error)
	FindActive(ctx context.Context, group id.GroupID, user id.UserID, kind models.Kind) (*models.PendingVerification, error)
	SetPromptRef(ctx context.Context, pendingID id.PendingID, messageID int64) error
	SetPanelRef(ctx context.Context, pendingID id.PendingID, chatID, messageID int64) error
	Resolve(ctx context.Context, pendingID id.PendingID, res models.Resolution) (bool, error)
}

// Identity answers trust questions about a user.
type Identity interface {
	IsBanned(ctx context.Context, user id.UserID) (bool, error)
	IsVerified(ctx context.Context, user id.UserID) (bool, error)
}

// Groups provides per-group settings and whitelists.
type Groups interface {
	Settings(ctx context.Context, group id.GroupID) (*groupModels.Settings, error)
	IsWhitelisted(ctx context.Context, group id.GroupID, user id.UserID) (bool, error)
}

// Tokens issues verification links.
type Tokens interface {
	Issue(ctx context.Context, kind tokenModels.Kind, scope tokenModels.Scope, ttl time.Duration) (string, error)
}

// Decision is the result of Decide. Record is set for VerdictRestrict; Link
// is set when a fresh verification link was issued for it.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	Record  *models.PendingVerification
	Created bool
	Link    string
}

// Service evaluates joins and applies their side effects.
type Service struct {
	pending  PendingStore
	identity Identity
	groups   Groups
	tokens   Tokens
	platform chat.Platform

	txRunner tx.Runner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditor  audit.Emitter
	dmWindow time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditEmitter(e audit.Emitter) Option {
	return func(s *Service) { s.auditor = e }
}

// WithTxRunner makes record creation and link issue one unit of work.
func WithTxRunner(r tx.Runner) Option {
	return func(s *Service) { s.txRunner = r }
}

func WithJoinRequestWindow(d time.Duration) Option {
	return func(s *Service) { s.dmWindow = d }
}

func New(pending PendingStore, identity Identity, groups Groups, tokens Tokens, platform chat.Platform, opts ...Option) (*Service, error) {
	switch {
	case pending == nil:
		return nil, errors.New("pending store is required")
	case identity == nil:
		return nil, errors.New("identity service is required")
	case groups == nil:
		return nil, errors.New("groups service is required")
	case tokens == nil:
		return nil, errors.New("token service is required")
	case platform == nil:
		return nil, errors.New("chat platform is required")
	}
	s := &Service{
		pending:  pending,
		identity: identity,
		groups:   groups,
		tokens:   tokens,
		platform: platform,
		txRunner: tx.NoopRunner{},
		logger:   slog.Default(),
		dmWindow: DefaultJoinRequestWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Decide evaluates ev and, when gating applies, creates or reuses the
// pending record. It performs no platform side effects.
func (s *Service) Decide(ctx context.Context, ev JoinEvent) (*Decision, error) {
	if !ev.Kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown join kind")
	}
	if ev.IsBot {
		return &Decision{Verdict: VerdictAdmit, Reason: ReasonBot}, nil
	}

	jc, err := s.load(ctx, ev)
	if err != nil {
		return nil, err
	}
	verdict, reason := Evaluate(jc)
	decision := &Decision{Verdict: verdict, Reason: reason}
	if verdict != VerdictRestrict {
		s.recordVerdict(ctx, ev, decision)
		return decision, nil
	}

	now := requestcontext.Now(ctx)
	err = s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		rec, created, err := s.pending.CreateOrReuse(ctx, &models.PendingVerification{
			ID:         id.NewPendingID(),
			GroupID:    ev.GroupID,
			UserID:     ev.UserID,
			Kind:       ev.Kind,
			Status:     models.StatusPending,
			UserChatID: ev.UserChatID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(jc.Settings.Timeout),
		}, now)
		if err != nil {
			return err
		}
		decision.Record, decision.Created = rec, created
		if !created && promptDelivered(rec) {
			return nil
		}
		raw, err := s.tokens.Issue(ctx, tokenModels.KindVerification, tokenModels.Scope{
			GroupID:   rec.GroupID,
			UserID:    rec.UserID,
			PendingID: rec.ID,
		}, rec.ExpiresAt.Sub(now))
		if err != nil {
			return err
		}
		decision.Link = tokenService.DeepLink(s.platform.BotUsername(), tokenModels.KindVerification, raw)
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create pending verification")
	}

	s.recordVerdict(ctx, ev, decision)
	return decision, nil
}

// HandleJoin processes a member who has joined the group.
func (s *Service) HandleJoin(ctx context.Context, ev JoinEvent) (*Decision, error) {
	ev.Kind = models.KindSoft
	d, err := s.Decide(ctx, ev)
	if err != nil {
		return nil, err
	}

	switch d.Verdict {
	case VerdictReject:
		s.sideEffect(ctx, ev, "kick", s.platform.Kick(ctx, ev.GroupID, ev.UserID))
	case VerdictRestrict:
		// Restricting every time is idempotent and covers a previously failed attempt.
		s.sideEffect(ctx, ev, "restrict", s.platform.RestrictMember(ctx, ev.GroupID, ev.UserID))
		if d.Link != "" {
			s.sendGroupPrompt(ctx, ev, d)
		}
	}
	return d, nil
}

// HandleJoinRequest processes a join request on a group that approves members.
func (s *Service) HandleJoinRequest(ctx context.Context, ev JoinEvent) (*Decision, error) {
	ev.Kind = models.KindStrict
	d, err := s.Decide(ctx, ev)
	if err != nil {
		return nil, err
	}

	switch d.Verdict {
	case VerdictAdmit:
		s.sideEffect(ctx, ev, "approve_join_request", s.platform.ApproveJoinRequest(ctx, ev.GroupID, ev.UserID))
	case VerdictReject:
		s.sideEffect(ctx, ev, "decline_join_request", s.platform.DeclineJoinRequest(ctx, ev.GroupID, ev.UserID))
	case VerdictRestrict:
		if d.Link != "" {
			if err := s.sendJoinRequestDM(ctx, ev, d); err != nil {
				return d, s.abandonJoinRequest(ctx, ev, d, err)
			}
		}
	}
	return d, nil
}

// HandleLeave cancels the soft record of a member who left before resolving.
func (s *Service) HandleLeave(ctx context.Context, group id.GroupID, user id.UserID) error {
	rec, err := s.pending.FindActive(ctx, group, user, models.KindSoft)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to find pending verification")
	}

	won, err := s.pending.Resolve(ctx, rec.ID, models.Resolution{
		Outcome: models.StatusCancelled,
		Reason:  ReasonUserLeft,
		At:      requestcontext.Now(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel pending verification")
	}
	if !won {
		return nil
	}
	s.metrics.IncResolution(string(models.StatusCancelled), "leave")
	audit.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		GroupID:   group,
		UserID:    user,
		PendingID: rec.ID.String(),
		Action:    string(audit.EventPendingCancelled),
		Outcome:   string(models.StatusCancelled),
		Reason:    ReasonUserLeft,
	})
	if rec.GroupPromptMessageID != 0 {
		if err := chat.IgnoreGone(s.platform.DeleteMessage(ctx, chat.GroupChatID(group), rec.GroupPromptMessageID)); err != nil {
			s.logger.DebugContext(ctx, "prompt cleanup failed", "pending_id", rec.ID.String(), "error", err)
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, ev JoinEvent) (JoinContext, error) {
	settings, err := s.groups.Settings(ctx, ev.GroupID)
	if err != nil {
		return JoinContext{}, err
	}
	jc := JoinContext{Event: ev, Settings: *settings}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		banned, err := s.identity.IsBanned(gctx, ev.UserID)
		jc.Banned = banned
		return err
	})
	g.Go(func() error {
		verified, err := s.identity.IsVerified(gctx, ev.UserID)
		jc.Verified = verified
		return err
	})
	g.Go(func() error {
		whitelisted, err := s.groups.IsWhitelisted(gctx, ev.GroupID, ev.UserID)
		jc.Whitelisted = whitelisted
		return err
	})
	if err := g.Wait(); err != nil {
		return JoinContext{}, fmt.Errorf("load join context: %w", err)
	}
	return jc, nil
}

func (s *Service) sendGroupPrompt(ctx context.Context, ev JoinEvent, d *Decision) {
	msgID, err := s.platform.SendMessage(ctx, chat.GroupChatID(ev.GroupID), GroupPrompt(ev, d.Record, d.Link))
	if err != nil {
		s.sideEffect(ctx, ev, "send_prompt", err)
		return
	}
	if err := s.pending.SetPromptRef(ctx, d.Record.ID, msgID); err != nil {
		s.logger.WarnContext(ctx, "failed to store prompt ref", "pending_id", d.Record.ID.String(), "error", err)
	}
}

func (s *Service) sendJoinRequestDM(ctx context.Context, ev JoinEvent, d *Decision) error {
	if ev.UserChatID == 0 {
		return errors.New("join request carries no user chat")
	}
	if age := requestcontext.Now(ctx).Sub(ev.RequestedAt); !ev.RequestedAt.IsZero() && age > s.dmWindow {
		return fmt.Errorf("join request DM window missed by %s", age-s.dmWindow)
	}
	msgID, err := s.platform.SendMessage(ctx, ev.UserChatID, JoinRequestPrompt(ev, d.Link))
	if err != nil {
		return err
	}
	if err := s.pending.SetPanelRef(ctx, d.Record.ID, ev.UserChatID, msgID); err != nil {
		s.logger.WarnContext(ctx, "failed to store panel ref", "pending_id", d.Record.ID.String(), "error", err)
	}
	return nil
}

// abandonJoinRequest declines a request the user can never complete.
func (s *Service) abandonJoinRequest(ctx context.Context, ev JoinEvent, d *Decision, cause error) error {
	s.logger.InfoContext(ctx, "cannot reach join requester",
		"group_id", int64(ev.GroupID),
		"user_id", int64(ev.UserID),
		"error", cause,
	)
	s.sideEffect(ctx, ev, "decline_join_request", s.platform.DeclineJoinRequest(ctx, ev.GroupID, ev.UserID))

	won, err := s.pending.Resolve(ctx, d.Record.ID, models.Resolution{
		Outcome: models.StatusRejected,
		Reason:  ReasonDMUndeliverable,
		At:      requestcontext.Now(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reject pending verification")
	}
	if won {
		s.metrics.IncResolution(string(models.StatusRejected), "admission")
		audit.LogAudit(ctx, s.logger, s.auditor, audit.Event{
			GroupID:   ev.GroupID,
			UserID:    ev.UserID,
			PendingID: d.Record.ID.String(),
			Action:    string(audit.EventPendingRejected),
			Outcome:   string(models.StatusRejected),
			Reason:    ReasonDMUndeliverable,
		})
	}
	return nil
}

func (s *Service) recordVerdict(ctx context.Context, ev JoinEvent, d *Decision) {
	s.metrics.IncAdmission(d.Verdict.String(), string(d.Reason))

	event := audit.Event{
		GroupID: ev.GroupID,
		UserID:  ev.UserID,
		Outcome: d.Verdict.String(),
		Reason:  string(d.Reason),
	}
	switch d.Verdict {
	case VerdictAdmit:
		event.Action = string(audit.EventAdmitted)
	case VerdictReject:
		event.Action = string(audit.EventAdmissionDenied)
	case VerdictRestrict:
		if !d.Created {
			return
		}
		event.Action = string(audit.EventPendingCreated)
		event.PendingID = d.Record.ID.String()
	}
	audit.LogAudit(ctx, s.logger, s.auditor, event)
}

// sideEffect logs a failed platform call. The triggering transition stands.
func (s *Service) sideEffect(ctx context.Context, ev JoinEvent, action string, err error) {
	if err == nil {
		return
	}
	s.metrics.IncSideEffectFailure(action)
	if errors.Is(err, chat.ErrPermissionDenied) {
		audit.LogAudit(ctx, s.logger, s.auditor, audit.Event{
			GroupID: ev.GroupID,
			UserID:  ev.UserID,
			Action:  string(audit.EventPermissionDenied),
			Reason:  action,
		})
		return
	}
	s.logger.WarnContext(ctx, "platform side effect failed",
		"action", action,
		"group_id", int64(ev.GroupID),
		"user_id", int64(ev.UserID),
		"error", err,
	)
}

// promptDelivered reports whether the user already has a working prompt.
func promptDelivered(rec *models.PendingVerification) bool {
	if rec.Kind == models.KindStrict {
		return rec.PanelMessageID != 0
	}
	return rec.GroupPromptMessageID != 0
}
