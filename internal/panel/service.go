// Package panel drives the private verification conversation: optional
// rules and challenge gates, the idempotent start of the external
// handshake, status polling and resolution.
package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/chat"
	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/platform/metrics"
	tokenModels "gatekeeper/internal/token/models"
	tokenService "gatekeeper/internal/token/service"
	"gatekeeper/internal/verifier"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

// Step is where the user is in the panel.
type Step int

const (
	StepRules Step = iota
	StepChallenge
	StepConfirm
	StepStarted
	StepDone
)

// Panel is the view model of one pending record for its user.
type Panel struct {
	Record      *models.PendingVerification
	Settings    groupModels.Settings
	Step        Step
	Challenge   *Challenge
	AttemptLink string
}

// PendingStore is the subset of the pending store the panel drives.
type PendingStore interface {
	Get(ctx context.Context, pendingID id.PendingID) (*models.PendingVerification, error)
	SetPanelRef(ctx context.Context, pendingID id.PendingID, chatID, messageID int64) error
	SetGateSatisfied(ctx context.Context, pendingID id.PendingID, gate models.Gate, now time.Time) (*models.PendingVerification, error)
	EnsureChallenge(ctx context.Context, pendingID id.PendingID, kind, expected string) (*models.PendingVerification, error)
	RecordChallengeAnswer(ctx context.Context, pendingID id.PendingID, correct bool, maxAttempts int, now time.Time) (*models.PendingVerification, models.AnswerResult, error)
	TryStartAttempt(ctx context.Context, pendingID id.PendingID, now time.Time) (models.StartResult, error)
	AttachAttempt(ctx context.Context, pendingID id.PendingID, attemptRef string) error
	ClearStarting(ctx context.Context, pendingID id.PendingID) error
}

// Tokens validates verification links and handles support links.
type Tokens interface {
	Issue(ctx context.Context, kind tokenModels.Kind, scope tokenModels.Scope, ttl time.Duration) (string, error)
	Validate(ctx context.Context, raw string, kind tokenModels.Kind, actor id.UserID) (*tokenModels.Token, error)
	ValidateAndConsume(ctx context.Context, raw string, kind tokenModels.Kind, actor id.UserID) (*tokenModels.Token, error)
	ConsumeForPending(ctx context.Context, pendingID id.PendingID) error
}

// Groups provides group settings.
type Groups interface {
	Settings(ctx context.Context, group id.GroupID) (*groupModels.Settings, error)
}

// Service implements the panel operations.
type Service struct {
	pending  PendingStore
	tokens   Tokens
	groups   Groups
	verifier verifier.Verifier
	platform chat.Platform
	resolver *Resolver
	watcher  Watcher

	logger     *slog.Logger
	metrics    *metrics.Metrics
	auditor    audit.Emitter
	tracer     trace.Tracer
	supportTTL time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
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

func WithSupportTTL(d time.Duration) Option {
	return func(s *Service) { s.supportTTL = d }
}

// WithRand fixes the challenge source, for tests.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rng = r }
}

func New(pending PendingStore, tokens Tokens, groups Groups, v verifier.Verifier, platform chat.Platform, resolver *Resolver, watcher Watcher, opts ...Option) (*Service, error) {
	switch {
	case pending == nil:
		return nil, errors.New("pending store is required")
	case tokens == nil:
		return nil, errors.New("token service is required")
	case groups == nil:
		return nil, errors.New("groups service is required")
	case v == nil:
		return nil, errors.New("verifier is required")
	case platform == nil:
		return nil, errors.New("chat platform is required")
	case resolver == nil:
		return nil, errors.New("resolver is required")
	case watcher == nil:
		return nil, errors.New("watcher is required")
	}
	s := &Service{
		pending:    pending,
		tokens:     tokens,
		groups:     groups,
		verifier:   v,
		platform:   platform,
		resolver:   resolver,
		watcher:    watcher,
		logger:     slog.Default(),
		tracer:     otel.Tracer("gatekeeper/panel"),
		supportTTL: 10 * time.Minute,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open validates a verification link without consuming it, so the link
// keeps working until the user confirms.
func (s *Service) Open(ctx context.Context, raw string, actor id.UserID) (*Panel, error) {
	token, err := s.tokens.Validate(ctx, raw, tokenModels.KindVerification, actor)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, token.Scope.PendingID, actor)
	if err != nil {
		return nil, err
	}
	if !rec.IsPending() || rec.IsDue(requestcontext.Now(ctx)) {
		return nil, dErrors.New(dErrors.CodeExpired, "verification expired")
	}
	return s.build(ctx, rec)
}

// Show renders the current panel of a record for its owner.
func (s *Service) Show(ctx context.Context, pendingID id.PendingID, actor id.UserID) (*Panel, error) {
	rec, err := s.load(ctx, pendingID, actor)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, rec)
}

// AttachPanelMessage remembers where the panel was sent so resolution can update it.
func (s *Service) AttachPanelMessage(ctx context.Context, pendingID id.PendingID, chatID, messageID int64) error {
	if err := s.pending.SetPanelRef(ctx, pendingID, chatID, messageID); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store panel ref")
	}
	return nil
}

// SatisfyGate records rules acceptance or a challenge answer.
func (s *Service) SatisfyGate(ctx context.Context, pendingID id.PendingID, actor id.UserID, gate models.Gate, answer string) (*Panel, error) {
	rec, err := s.loadPending(ctx, pendingID, actor)
	if err != nil {
		return nil, err
	}
	settings, err := s.groups.Settings(ctx, rec.GroupID)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	switch gate {
	case models.GateRules:
		rec, err = s.pending.SetGateSatisfied(ctx, pendingID, models.GateRules, now)
		if err != nil {
			return nil, s.storeErr(err, "failed to accept rules")
		}
	case models.GateChallenge:
		if settings.RulesGate() && !rec.Gates.RulesAccepted() {
			return nil, dErrors.New(dErrors.CodeGatesUnsatisfied, "accept the rules first")
		}
		if !rec.Gates.ChallengeIssued() {
			return nil, dErrors.New(dErrors.CodeGatesUnsatisfied, "no challenge issued")
		}
		var result models.AnswerResult
		rec, result, err = s.pending.RecordChallengeAnswer(ctx, pendingID,
			checkAnswer(rec.Gates.ChallengeExpected, answer), settings.CaptchaMaxAttempts, now)
		if err != nil {
			return nil, s.storeErr(err, "failed to record answer")
		}
		switch result {
		case models.AnswerWrong:
			remaining := settings.CaptchaMaxAttempts - rec.Gates.ChallengeAttempts
			return nil, dErrors.New(dErrors.CodeWrongAnswer, "wrong answer, "+strconv.Itoa(remaining)+" attempts left")
		case models.AnswerExhausted:
			s.emit(ctx, rec, audit.EventChallengeExhausted, "")
			return nil, dErrors.New(dErrors.CodeTooManyAttempts, "too many wrong answers")
		case models.AnswerTerminal:
			return nil, dErrors.New(dErrors.CodeTerminal, "verification already resolved")
		}
	default:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown gate")
	}
	return s.build(ctx, rec)
}

// Confirm starts the external handshake. Of concurrent confirms only one
// creates an attempt; the others get AlreadyStarting.
func (s *Service) Confirm(ctx context.Context, pendingID id.PendingID, actor id.UserID) (_ *Panel, err error) {
	ctx, span := s.tracer.Start(ctx, "panel.confirm", trace.WithAttributes(
		attribute.String("pending.id", pendingID.String()),
	))
	defer func() {
		if err != nil {
			span.SetAttributes(attribute.String("error.code", string(dErrors.CodeOf(err))))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, err := s.loadPending(ctx, pendingID, actor)
	if err != nil {
		return nil, err
	}
	settings, err := s.groups.Settings(ctx, rec.GroupID)
	if err != nil {
		return nil, err
	}
	if !gatesSatisfied(rec, settings) {
		return nil, dErrors.New(dErrors.CodeGatesUnsatisfied, "complete the required steps first")
	}

	now := requestcontext.Now(ctx)
	started, err := s.pending.TryStartAttempt(ctx, pendingID, now)
	if err != nil {
		return nil, s.storeErr(err, "failed to start verification")
	}
	switch started {
	case models.StartAlreadyStarting:
		return nil, dErrors.New(dErrors.CodeAlreadyStarting, "verification already starting")
	case models.StartTerminal:
		return nil, dErrors.New(dErrors.CodeTerminal, "verification already resolved")
	case models.StartExpired:
		return nil, dErrors.New(dErrors.CodeExpired, "verification expired")
	}

	if err := s.tokens.ConsumeForPending(ctx, pendingID); err != nil {
		s.release(ctx, pendingID)
		return nil, err
	}

	attempt, err := s.verifier.CreateAttempt(ctx, map[string]string{
		"pending_id": pendingID.String(),
		"group_id":   rec.GroupID.String(),
		"user_id":    rec.UserID.String(),
	})
	if err != nil {
		s.release(ctx, pendingID)
		s.logger.WarnContext(ctx, "verifier attempt creation failed", "pending_id", pendingID.String(), "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeExternalUnavailable, "verification service unavailable")
	}

	if err := s.pending.AttachAttempt(ctx, pendingID, attempt.ID); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, s.attachLost(ctx, pendingID)
		}
		s.release(ctx, pendingID)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record attempt")
	}
	rec.AttemptRef = attempt.ID
	rec.StartingAt = &now
	span.SetAttributes(attribute.String("attempt.id", attempt.ID))

	s.emit(ctx, rec, audit.EventVerificationStarted, "")
	s.watcher.Watch(rec)

	return &Panel{Record: rec, Settings: *settings, Step: StepStarted, AttemptLink: attempt.DeepLink}, nil
}

// Decide is the admin override. The actor must administer the record's group.
func (s *Service) Decide(ctx context.Context, pendingID id.PendingID, admin id.UserID, approve bool) (bool, error) {
	rec, err := s.get(ctx, pendingID)
	if err != nil {
		return false, err
	}
	isAdmin, err := s.platform.IsAdmin(ctx, rec.GroupID, admin)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeExternalUnavailable, "could not check admin rights")
	}
	if !isAdmin {
		return false, dErrors.New(dErrors.CodeForbidden, "only group admins can decide")
	}
	if !rec.IsPending() {
		return false, nil
	}
	if approve {
		return s.resolver.Approve(ctx, rec, admin, ReasonAdminOverride, SourceAdmin)
	}
	return s.resolver.Reject(ctx, rec, admin, ReasonAdminOverride, SourceAdmin)
}

// IssueSupportLink returns a single-use link the user can hand to support
// about this record.
func (s *Service) IssueSupportLink(ctx context.Context, pendingID id.PendingID, actor id.UserID) (string, error) {
	rec, err := s.load(ctx, pendingID, actor)
	if err != nil {
		return "", err
	}
	raw, err := s.tokens.Issue(ctx, tokenModels.KindSupport, tokenModels.Scope{
		GroupID:   rec.GroupID,
		UserID:    actor,
		PendingID: rec.ID,
	}, s.supportTTL)
	if err != nil {
		return "", err
	}
	return tokenService.DeepLink(s.platform.BotUsername(), tokenModels.KindSupport, raw), nil
}

// RedeemSupportLink consumes a support link and returns the record it covers.
func (s *Service) RedeemSupportLink(ctx context.Context, raw string, actor id.UserID) (*models.PendingVerification, error) {
	token, err := s.tokens.ValidateAndConsume(ctx, raw, tokenModels.KindSupport, actor)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, token.Scope.PendingID)
}

func (s *Service) build(ctx context.Context, rec *models.PendingVerification) (*Panel, error) {
	settings, err := s.groups.Settings(ctx, rec.GroupID)
	if err != nil {
		return nil, err
	}
	p := &Panel{Record: rec, Settings: *settings}

	switch {
	case !rec.IsPending():
		p.Step = StepDone
	case rec.HasAttempt() || rec.StartingAt != nil:
		p.Step = StepStarted
	case settings.RulesGate() && !rec.Gates.RulesAccepted():
		p.Step = StepRules
	case settings.CaptchaEnabled && !rec.Gates.ChallengeSolved():
		if !rec.Gates.ChallengeIssued() {
			kind, expected := s.drawChallenge(settings.CaptchaStyle)
			rec, err = s.pending.EnsureChallenge(ctx, rec.ID, kind, expected)
			if err != nil {
				return nil, s.storeErr(err, "failed to issue challenge")
			}
			p.Record = rec
		}
		c := describeChallenge(rec.ID, rec.Gates.ChallengeKind, rec.Gates.ChallengeExpected)
		p.Step = StepChallenge
		p.Challenge = &c
	default:
		p.Step = StepConfirm
	}
	return p, nil
}

func (s *Service) drawChallenge(style groupModels.CaptchaStyle) (string, string) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return newChallenge(style, s.rng)
}

func gatesSatisfied(rec *models.PendingVerification, settings *groupModels.Settings) bool {
	if settings.RulesGate() && !rec.Gates.RulesAccepted() {
		return false
	}
	if settings.CaptchaEnabled && !rec.Gates.ChallengeSolved() {
		return false
	}
	return true
}

func (s *Service) release(ctx context.Context, pendingID id.PendingID) {
	if err := s.pending.ClearStarting(ctx, pendingID); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear starting marker", "pending_id", pendingID.String(), "error", err)
	}
}

// attachLost explains a refused attach: either the record was resolved, or
// another start took over an expired marker and attached first.
func (s *Service) attachLost(ctx context.Context, pendingID id.PendingID) error {
	rec, err := s.get(ctx, pendingID)
	if err != nil {
		return err
	}
	if rec.IsPending() {
		return dErrors.New(dErrors.CodeAlreadyStarting, "verification already starting")
	}
	return dErrors.New(dErrors.CodeTerminal, "verification already resolved")
}

func (s *Service) get(ctx context.Context, pendingID id.PendingID) (*models.PendingVerification, error) {
	rec, err := s.pending.Get(ctx, pendingID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification")
	}
	return rec, nil
}

// load returns the record if actor owns it. Foreign records look missing.
func (s *Service) load(ctx context.Context, pendingID id.PendingID, actor id.UserID) (*models.PendingVerification, error) {
	rec, err := s.get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != actor {
		return nil, dErrors.New(dErrors.CodeNotFound, "verification not found")
	}
	return rec, nil
}

func (s *Service) loadPending(ctx context.Context, pendingID id.PendingID, actor id.UserID) (*models.PendingVerification, error) {
	rec, err := s.load(ctx, pendingID, actor)
	if err != nil {
		return nil, err
	}
	if !rec.IsPending() {
		return nil, dErrors.New(dErrors.CodeTerminal, "verification already resolved")
	}
	if rec.IsDue(requestcontext.Now(ctx)) {
		return nil, dErrors.New(dErrors.CodeExpired, "verification expired")
	}
	return rec, nil
}

func (s *Service) storeErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "verification not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeTerminal, "verification already resolved")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func (s *Service) emit(ctx context.Context, rec *models.PendingVerification, action audit.AuditEvent, reason string) {
	audit.LogAudit(ctx, s.logger, s.auditor, audit.Event{
		GroupID:   rec.GroupID,
		UserID:    rec.UserID,
		PendingID: rec.ID.String(),
		Action:    string(action),
		Reason:    reason,
	})
}

// String is used in logs.
func (st Step) String() string {
	switch st {
	case StepRules:
		return "rules"
	case StepChallenge:
		return "challenge"
	case StepConfirm:
		return "confirm"
	case StepStarted:
		return "started"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(st))
	}
}
