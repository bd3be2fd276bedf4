package panel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/chat"
	chatMocks "gatekeeper/internal/chat/mocks"
	groupModels "gatekeeper/internal/groups/models"
	groupService "gatekeeper/internal/groups/service"
	groupStore "gatekeeper/internal/groups/store"
	identityService "gatekeeper/internal/identity/service"
	identityStore "gatekeeper/internal/identity/store"
	"gatekeeper/internal/pending/models"
	pendingStore "gatekeeper/internal/pending/store"
	tokenModels "gatekeeper/internal/token/models"
	tokenService "gatekeeper/internal/token/service"
	tokenStore "gatekeeper/internal/token/store"
	"gatekeeper/internal/verifier"
	verifierMocks "gatekeeper/internal/verifier/mocks"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/audit"
	auditMemory "gatekeeper/pkg/platform/audit/store/memory"
	"gatekeeper/pkg/requestcontext"
)

const (
	testGroup id.GroupID = -100777
	testUser  id.UserID  = 5151
	testAdmin id.UserID  = 9001
)

type syncEmitter struct{ store *auditMemory.InMemoryStore }

func (e syncEmitter) Emit(ctx context.Context, ev audit.Event) { _ = e.store.Append(ctx, ev) }

// recordingWatcher stands in for the poller when only the hand-off matters.
type recordingWatcher struct {
	mu      sync.Mutex
	watched []id.PendingID
}

func (w *recordingWatcher) Watch(rec *models.PendingVerification) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, rec.ID)
}

func (w *recordingWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// =============================================================================
// Panel Service Test Suite
// =============================================================================
// Justification: the panel is where users and admins race each other and the
// verifier; these tests pin gate order, the single-attempt guarantee and the
// single-outcome guarantee.

type PanelServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	platform *chatMocks.MockPlatform
	verifier *verifierMocks.MockVerifier
	pending  *pendingStore.InMemoryStore
	tokens   *tokenService.Service
	groups   *groupService.Service
	identity *identityService.Service
	audit    *auditMemory.InMemoryStore
	resolver *Resolver
	watcher  *recordingWatcher
	service  *Service
	seq      id.UserID
	now      time.Time
	ctx      context.Context
}

func TestPanelServiceSuite(t *testing.T) {
	suite.Run(t, new(PanelServiceSuite))
}

func (s *PanelServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.platform = chatMocks.NewMockPlatform(s.ctrl)
	s.platform.EXPECT().BotUsername().Return("gk_bot").AnyTimes()
	s.verifier = verifierMocks.NewMockVerifier(s.ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	s.pending = pendingStore.New()
	s.tokens, err = tokenService.New(tokenStore.New())
	s.Require().NoError(err)
	s.groups, err = groupService.New(groupStore.New(), groupModels.Settings{
		GatingEnabled:      true,
		Timeout:            5 * time.Minute,
		TimeoutAction:      groupModels.TimeoutKick,
		CaptchaStyle:       groupModels.CaptchaButton,
		CaptchaMaxAttempts: 3,
	})
	s.Require().NoError(err)
	s.identity, err = identityService.New(identityStore.New())
	s.Require().NoError(err)
	s.audit = auditMemory.NewInMemoryStore()
	emitter := syncEmitter{s.audit}

	s.resolver = NewResolver(s.pending, s.identity, s.platform, logger, nil, emitter)
	s.watcher = &recordingWatcher{}
	s.service, err = New(s.pending, s.tokens, s.groups, s.verifier, s.platform, s.resolver, s.watcher,
		WithLogger(logger),
		WithAuditEmitter(emitter),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	s.Require().NoError(err)

	s.now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *PanelServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

// newRecord creates a pending record for a fresh user.
func (s *PanelServiceSuite) newRecord(kind models.Kind) *models.PendingVerification {
	s.seq++
	user := testUser + s.seq
	rec, created, err := s.pending.CreateOrReuse(s.ctx, &models.PendingVerification{
		ID:         id.PendingID(uuid.New()),
		GroupID:    testGroup,
		UserID:     user,
		Kind:       kind,
		UserChatID: int64(user),
		CreatedAt:  s.now,
		ExpiresAt:  s.now.Add(5 * time.Minute),
	}, s.now)
	s.Require().NoError(err)
	s.Require().True(created)
	return rec
}

func (s *PanelServiceSuite) link(rec *models.PendingVerification) string {
	raw, err := s.tokens.Issue(s.ctx, tokenModels.KindVerification, tokenModels.Scope{
		GroupID:   rec.GroupID,
		UserID:    rec.UserID,
		PendingID: rec.ID,
	}, 5*time.Minute)
	s.Require().NoError(err)
	return raw
}

func (s *PanelServiceSuite) enableGates(rules, captcha bool) {
	settings, err := s.groups.Settings(s.ctx, testGroup)
	s.Require().NoError(err)
	settings.RulesText = "Be kind."
	settings.RequireRules = rules
	settings.CaptchaEnabled = captcha
	s.Require().NoError(s.groups.Save(s.ctx, *settings))
}

func (s *PanelServiceSuite) status(pendingID id.PendingID) models.Status {
	rec, err := s.pending.Get(s.ctx, pendingID)
	s.Require().NoError(err)
	return rec.Status
}

func (s *PanelServiceSuite) expectAttempt(attemptID string) {
	s.verifier.EXPECT().CreateAttempt(gomock.Any(), gomock.Any()).
		Return(&verifier.Attempt{ID: attemptID, DeepLink: "https://verify.example/" + attemptID}, nil)
}

// =============================================================================
// Open Tests
// =============================================================================

func (s *PanelServiceSuite) TestOpen() {
	s.Run("valid link shows confirm when no gates are configured", func() {
		rec := s.newRecord(models.KindSoft)
		p, err := s.service.Open(s.ctx, s.link(rec), rec.UserID)
		s.Require().NoError(err)
		s.Equal(StepConfirm, p.Step)
		s.Equal(rec.ID, p.Record.ID)
	})

	s.Run("link does not work for another user", func() {
		rec := s.newRecord(models.KindStrict)
		_, err := s.service.Open(s.ctx, s.link(rec), rec.UserID+1)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("link can be opened more than once before confirm", func() {
		rec := s.newRecord(models.KindStrict)
		raw := s.link(rec)
		_, err := s.service.Open(s.ctx, raw, rec.UserID)
		s.Require().NoError(err)
		_, err = s.service.Open(s.ctx, raw, rec.UserID)
		s.NoError(err)
	})

	s.Run("record past its deadline is expired", func() {
		late := testUser + 100
		rec, _, err := s.pending.CreateOrReuse(s.ctx, &models.PendingVerification{
			ID: id.PendingID(uuid.New()), GroupID: testGroup, UserID: late, Kind: models.KindSoft,
			CreatedAt: s.now.Add(-10 * time.Minute), ExpiresAt: s.now.Add(-time.Second),
		}, s.now.Add(-10*time.Minute))
		s.Require().NoError(err)
		raw, err := s.tokens.Issue(s.ctx, tokenModels.KindVerification, tokenModels.Scope{
			GroupID: testGroup, UserID: late, PendingID: rec.ID,
		}, time.Minute)
		s.Require().NoError(err)

		_, err = s.service.Open(s.ctx, raw, late)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})

	s.Run("rules gate comes first and challenge is issued once", func() {
		s.enableGates(true, true)
		rec := s.newRecord(models.KindSoft)
		raw := s.link(rec)

		p, err := s.service.Open(s.ctx, raw, rec.UserID)
		s.Require().NoError(err)
		s.Equal(StepRules, p.Step)
		s.Contains(Render(p).Text, "Be kind.")

		p, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateRules, "")
		s.Require().NoError(err)
		s.Require().Equal(StepChallenge, p.Step)
		first := p.Record.Gates.ChallengeExpected

		p, err = s.service.Open(s.ctx, raw, rec.UserID)
		s.Require().NoError(err)
		s.Equal(first, p.Record.Gates.ChallengeExpected)
		s.Contains(p.Challenge.Options, first)
	})
}

// =============================================================================
// Gate Tests
// =============================================================================

func (s *PanelServiceSuite) TestSatisfyGate() {
	s.Run("challenge before rules is refused", func() {
		s.enableGates(true, true)
		rec := s.newRecord(models.KindSoft)
		_, err := s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, "red")
		s.True(dErrors.HasCode(err, dErrors.CodeGatesUnsatisfied))
	})

	s.Run("wrong answers run out after the cap", func() {
		s.enableGates(false, true)
		rec := s.newRecord(models.KindStrict)
		_, err := s.service.Show(s.ctx, rec.ID, rec.UserID)
		s.Require().NoError(err)

		_, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeWrongAnswer))
		_, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeWrongAnswer))
		_, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeTooManyAttempts))

		stored, err := s.pending.Get(s.ctx, rec.ID)
		s.Require().NoError(err)
		_, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, stored.Gates.ChallengeExpected)
		s.True(dErrors.HasCode(err, dErrors.CodeTooManyAttempts), "correct answer after exhaustion must not count")
		s.Equal(models.StatusPending, s.status(rec.ID), "exhaustion waits for an admin")

		events, err := s.audit.ListByPending(s.ctx, rec.ID.String())
		s.Require().NoError(err)
		s.Require().NotEmpty(events)
		s.Equal(string(audit.EventChallengeExhausted), events[len(events)-1].Action)
	})

	s.Run("correct answer moves to confirm", func() {
		s.enableGates(false, true)
		rec := s.newRecord(models.KindSoft)
		p, err := s.service.Show(s.ctx, rec.ID, rec.UserID)
		s.Require().NoError(err)

		answer := strings.ToUpper(" " + p.Record.Gates.ChallengeExpected + " ")
		p, err = s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID, models.GateChallenge, answer)
		s.Require().NoError(err)
		s.Equal(StepConfirm, p.Step)
	})

	s.Run("foreign actor cannot answer", func() {
		rec := s.newRecord(models.KindStrict)
		_, err := s.service.SatisfyGate(s.ctx, rec.ID, rec.UserID+1, models.GateRules, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// =============================================================================
// Confirm Tests
// =============================================================================

func (s *PanelServiceSuite) TestConfirm() {
	s.Run("unsatisfied gates block confirm", func() {
		s.enableGates(true, false)
		rec := s.newRecord(models.KindSoft)
		_, err := s.service.Confirm(s.ctx, rec.ID, rec.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeGatesUnsatisfied))
		s.enableGates(false, false)
	})

	s.Run("confirm starts one attempt and hands it to the watcher", func() {
		rec := s.newRecord(models.KindStrict)
		raw := s.link(rec)
		s.expectAttempt("att-1")

		p, err := s.service.Confirm(s.ctx, rec.ID, rec.UserID)
		s.Require().NoError(err)
		s.Equal(StepStarted, p.Step)
		s.Equal("https://verify.example/att-1", p.AttemptLink)
		s.Equal(1, s.watcher.count())

		stored, err := s.pending.Get(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal("att-1", stored.AttemptRef)

		_, err = s.service.Open(s.ctx, raw, rec.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed), "link is spent once the attempt starts")
	})

	s.Run("verifier outage releases the marker for a retry", func() {
		rec := s.newRecord(models.KindSoft)
		s.verifier.EXPECT().CreateAttempt(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		_, err := s.service.Confirm(s.ctx, rec.ID, rec.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeExternalUnavailable))

		s.expectAttempt("att-2")
		_, err = s.service.Confirm(s.ctx, rec.ID, rec.UserID)
		s.NoError(err)
	})

	s.Run("confirm on a resolved record is terminal", func() {
		rec := s.newRecord(models.KindStrict)
		_, err := s.pending.Resolve(s.ctx, rec.ID, models.Resolution{Outcome: models.StatusCancelled, At: s.now})
		s.Require().NoError(err)
		_, err = s.service.Confirm(s.ctx, rec.ID, rec.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeTerminal))
	})
}

// TestAbandonedStart covers a crash between taking the starting marker and
// attaching the attempt.
// Justification: the marker must not lock the user out until the deadline.
func (s *PanelServiceSuite) TestAbandonedStart() {
	rec := s.newRecord(models.KindSoft)
	started, err := s.pending.TryStartAttempt(s.ctx, rec.ID, s.now)
	s.Require().NoError(err)
	s.Require().Equal(models.StartOK, started)

	_, err = s.service.Confirm(s.ctx, rec.ID, rec.UserID)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyStarting), "marker is honored inside its lease")

	restarted := s.newPoller(time.Hour, time.Hour)
	n, err := restarted.Resume(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n, "nothing to follow without an attempt")

	later := requestcontext.WithTime(s.ctx, s.now.Add(pendingStore.DefaultStartingLease))
	s.expectAttempt("att-recovered")
	p, err := s.service.Confirm(later, rec.ID, rec.UserID)
	s.Require().NoError(err)
	s.Equal(StepStarted, p.Step)

	stored, err := s.pending.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal("att-recovered", stored.AttemptRef)
}

// TestAttachFailure covers a store error while recording the attempt.
func (s *PanelServiceSuite) TestAttachFailure() {
	rec := s.newRecord(models.KindSoft)
	failing := &failingAttach{InMemoryStore: s.pending, err: errors.New("connection reset")}
	service, err := New(failing, s.tokens, s.groups, s.verifier, s.platform, s.resolver, s.watcher,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)

	s.expectAttempt("att-lost")
	_, err = service.Confirm(s.ctx, rec.ID, rec.UserID)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	stored, err := s.pending.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Nil(stored.StartingAt, "the marker is released for a retry")

	failing.err = nil
	s.expectAttempt("att-retry")
	_, err = service.Confirm(s.ctx, rec.ID, rec.UserID)
	s.Require().NoError(err)
}

type failingAttach struct {
	*pendingStore.InMemoryStore
	err error
}

func (f *failingAttach) AttachAttempt(ctx context.Context, pendingID id.PendingID, attemptRef string) error {
	if f.err != nil {
		return f.err
	}
	return f.InMemoryStore.AttachAttempt(ctx, pendingID, attemptRef)
}

// TestDoubleConfirm covers two rapid taps on Confirm.
func (s *PanelServiceSuite) TestDoubleConfirm() {
	rec := s.newRecord(models.KindSoft)
	release := make(chan struct{})
	s.verifier.EXPECT().CreateAttempt(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, map[string]string) (*verifier.Attempt, error) {
			<-release
			return &verifier.Attempt{ID: "att-once"}, nil
		}).Times(1)

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := s.service.Confirm(s.ctx, rec.ID, rec.UserID)
			results <- err
		}()
	}
	// one tap is parked inside CreateAttempt, so the other reports first
	first := <-results
	s.True(dErrors.HasCode(first, dErrors.CodeAlreadyStarting))
	close(release)
	second := <-results

	var ok, starting int
	for _, err := range []error{first, second} {
		switch {
		case err == nil:
			ok++
		case dErrors.HasCode(err, dErrors.CodeAlreadyStarting):
			starting++
		}
	}
	s.Equal(1, ok)
	s.Equal(1, starting)
	s.Equal(1, s.watcher.count())
}

// =============================================================================
// Admin Decision Tests
// =============================================================================

func (s *PanelServiceSuite) TestDecide() {
	s.Run("non-admin is forbidden", func() {
		rec := s.newRecord(models.KindSoft)
		s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, rec.UserID).Return(false, nil)
		_, err := s.service.Decide(s.ctx, rec.ID, rec.UserID, true)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Equal(models.StatusPending, s.status(rec.ID))
	})

	s.Run("admin approval unrestricts a soft record", func() {
		rec := s.newRecord(models.KindSoft)
		s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, testAdmin).Return(true, nil)
		s.platform.EXPECT().UnrestrictMember(gomock.Any(), testGroup, rec.UserID).Return(nil)

		won, err := s.service.Decide(s.ctx, rec.ID, testAdmin, true)
		s.Require().NoError(err)
		s.True(won)

		stored, err := s.pending.Get(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, stored.Status)
		s.Equal(testAdmin, stored.DecidedBy)
		s.Equal(ReasonAdminOverride, stored.Reason)
	})

	s.Run("admin rejection declines a strict request", func() {
		rec := s.newRecord(models.KindStrict)
		s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, testAdmin).Return(true, nil)
		s.platform.EXPECT().DeclineJoinRequest(gomock.Any(), testGroup, rec.UserID).Return(nil)

		won, err := s.service.Decide(s.ctx, rec.ID, testAdmin, false)
		s.Require().NoError(err)
		s.True(won)
		s.Equal(models.StatusRejected, s.status(rec.ID))
	})

	s.Run("deciding a resolved record is a no-op", func() {
		rec := s.newRecord(models.KindSoft)
		_, err := s.pending.Resolve(s.ctx, rec.ID, models.Resolution{Outcome: models.StatusCancelled, At: s.now})
		s.Require().NoError(err)
		s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, testAdmin).Return(true, nil)

		won, err := s.service.Decide(s.ctx, rec.ID, testAdmin, true)
		s.Require().NoError(err)
		s.False(won)
	})
}

// TestAdminRacesVerifier covers an admin rejecting while the verifier approves.
func (s *PanelServiceSuite) TestAdminRacesVerifier() {
	rec := s.newRecord(models.KindSoft)
	var mu sync.Mutex
	effects := 0
	count := func(context.Context, id.GroupID, id.UserID) error {
		mu.Lock()
		effects++
		mu.Unlock()
		return nil
	}
	s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, testAdmin).Return(true, nil)
	s.platform.EXPECT().Kick(gomock.Any(), testGroup, rec.UserID).DoAndReturn(count).AnyTimes()
	s.platform.EXPECT().UnrestrictMember(gomock.Any(), testGroup, rec.UserID).DoAndReturn(count).AnyTimes()

	var wg sync.WaitGroup
	wins := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		wins[0], _ = s.service.Decide(s.ctx, rec.ID, testAdmin, false)
	}()
	go func() {
		defer wg.Done()
		wins[1], _ = s.resolver.ApproveVerified(s.ctx, rec, "ext-race")
	}()
	wg.Wait()

	s.NotEqual(wins[0], wins[1], "exactly one writer wins")
	s.Equal(1, effects, "only the winner applies a side effect")
	status := s.status(rec.ID)
	verified, err := s.identity.IsVerified(s.ctx, rec.UserID)
	s.Require().NoError(err)
	if wins[0] {
		s.Equal(models.StatusRejected, status)
		s.False(verified, "a losing approval binds nothing")
	} else {
		s.Equal(models.StatusApproved, status)
		s.True(verified)
	}
}

// staleSnapshot serves a record as it looked before an admin decided it.
type staleSnapshot struct {
	PollStore
	rec *models.PendingVerification
}

func (s staleSnapshot) Get(context.Context, id.PendingID) (*models.PendingVerification, error) {
	clone := *s.rec
	return &clone, nil
}

// TestLateApprovalAfterAdminReject covers a poll that read the record while
// it was pending and only reaches the resolver after an admin rejected it.
// Justification: the losing approval must leave no identity binding behind,
// otherwise the rejected user is verified in every other group.
func (s *PanelServiceSuite) TestLateApprovalAfterAdminReject() {
	rec := s.startedRecord(models.KindSoft, "att-race")
	snapshot := *rec

	s.platform.EXPECT().IsAdmin(gomock.Any(), testGroup, testAdmin).Return(true, nil)
	s.platform.EXPECT().Kick(gomock.Any(), testGroup, rec.UserID).Return(nil)
	won, err := s.service.Decide(s.ctx, rec.ID, testAdmin, false)
	s.Require().NoError(err)
	s.Require().True(won)

	s.verifier.EXPECT().GetStatus(gomock.Any(), "att-race").
		Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-race"}, nil)
	poller := NewPoller(staleSnapshot{PollStore: s.pending, rec: &snapshot}, s.verifier, s.resolver,
		WithPollerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.True(poller.PollOnce(s.ctx, rec.ID))

	s.Equal(models.StatusRejected, s.status(rec.ID))
	verified, err := s.identity.IsVerified(s.ctx, rec.UserID)
	s.Require().NoError(err)
	s.False(verified)
	_, bound, err := s.identity.OwnerOf(s.ctx, "ext-race")
	s.Require().NoError(err)
	s.False(bound)
}

// =============================================================================
// Support Link Tests
// =============================================================================

func (s *PanelServiceSuite) TestSupportLink() {
	rec := s.newRecord(models.KindStrict)

	link, err := s.service.IssueSupportLink(s.ctx, rec.ID, rec.UserID)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(link, "https://t.me/gk_bot?start=sup_"))

	kind, raw, err := tokenService.ParseStartPayload(strings.TrimPrefix(link, "https://t.me/gk_bot?start="))
	s.Require().NoError(err)
	s.Equal(tokenModels.KindSupport, kind)

	got, err := s.service.RedeemSupportLink(s.ctx, raw, rec.UserID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)

	_, err = s.service.RedeemSupportLink(s.ctx, raw, rec.UserID)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
}

// TestRender spot-checks the panel buttons carry callbacks for the record.
func (s *PanelServiceSuite) TestRender() {
	rec := s.newRecord(models.KindSoft)
	msg := Render(&Panel{Record: rec, Step: StepConfirm})
	s.Require().Len(msg.Buttons, 1)
	cb, err := chat.ParseCallback(msg.Buttons[0][0].Data)
	s.Require().NoError(err)
	s.Equal(chat.ActionConfirm, cb.Action)
	s.Equal(rec.ID, cb.PendingID)
}
