package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/chat"
	"gatekeeper/internal/chat/mocks"
	groupModels "gatekeeper/internal/groups/models"
	"gatekeeper/internal/panel"
	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/ratelimit"
	rlModels "gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/ratelimit/store/bucket"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
)

const (
	group id.GroupID = -100555
	user  id.UserID  = 777
	admin id.UserID  = 888
)

type fakeAdmission struct {
	joins  []admission.JoinEvent
	leaves int
}

func (f *fakeAdmission) HandleJoin(_ context.Context, ev admission.JoinEvent) (*admission.Decision, error) {
	f.joins = append(f.joins, ev)
	return &admission.Decision{}, nil
}

func (f *fakeAdmission) HandleJoinRequest(_ context.Context, ev admission.JoinEvent) (*admission.Decision, error) {
	f.joins = append(f.joins, ev)
	return &admission.Decision{}, nil
}

func (f *fakeAdmission) HandleLeave(context.Context, id.GroupID, id.UserID) error {
	f.leaves++
	return nil
}

type fakePanel struct {
	panel      *panel.Panel
	err        error
	attached   []int64
	decided    []bool
	supportErr error
}

func (f *fakePanel) Open(context.Context, string, id.UserID) (*panel.Panel, error) {
	return f.panel, f.err
}

func (f *fakePanel) AttachPanelMessage(_ context.Context, _ id.PendingID, chatID, messageID int64) error {
	f.attached = append(f.attached, chatID, messageID)
	return nil
}

func (f *fakePanel) SatisfyGate(context.Context, id.PendingID, id.UserID, models.Gate, string) (*panel.Panel, error) {
	return f.panel, f.err
}

func (f *fakePanel) Confirm(context.Context, id.PendingID, id.UserID) (*panel.Panel, error) {
	return f.panel, f.err
}

func (f *fakePanel) Decide(_ context.Context, _ id.PendingID, _ id.UserID, approve bool) (bool, error) {
	f.decided = append(f.decided, approve)
	return f.err == nil, f.err
}

func (f *fakePanel) IssueSupportLink(context.Context, id.PendingID, id.UserID) (string, error) {
	return "https://t.me/gk_bot?start=sup_abc", f.supportErr
}

func (f *fakePanel) RedeemSupportLink(context.Context, string, id.UserID) (*models.PendingVerification, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.panel.Record, nil
}

type fakeGroups struct {
	whitelisted []id.UserID
}

func (f *fakeGroups) IssueSettingsLink(context.Context, id.GroupID, id.UserID) (string, error) {
	return "https://t.me/gk_bot?start=cfg_xyz", nil
}

func (f *fakeGroups) RedeemSettingsLink(_ context.Context, _ string, _ id.UserID) (*groupModels.Settings, error) {
	return &groupModels.Settings{GroupID: group, Title: "Gophers", GatingEnabled: true, Timeout: 5 * time.Minute, TimeoutAction: groupModels.TimeoutKick}, nil
}

func (f *fakeGroups) Whitelist(_ context.Context, _ id.GroupID, u, _ id.UserID) error {
	f.whitelisted = append(f.whitelisted, u)
	return nil
}

func (f *fakeGroups) Unwhitelist(context.Context, id.GroupID, id.UserID) error { return nil }

type fakeIdentity struct{ banned []string }

func (f *fakeIdentity) Ban(_ context.Context, ext string, _ id.UserID, _ string) error {
	f.banned = append(f.banned, ext)
	return nil
}

func (f *fakeIdentity) Unban(context.Context, string) error { return nil }

// =============================================================================
// Dispatcher Test Suite
// =============================================================================
// Justification: the dispatcher is the only trust boundary between raw
// platform updates and the services.

type DispatcherSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	platform   *mocks.MockPlatform
	admission  *fakeAdmission
	panel      *fakePanel
	groups     *fakeGroups
	identity   *fakeIdentity
	dispatcher *Dispatcher
	record     *models.PendingVerification
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.platform = mocks.NewMockPlatform(s.ctrl)
	s.admission = &fakeAdmission{}
	s.record = &models.PendingVerification{
		ID:        id.PendingID(uuid.New()),
		GroupID:   group,
		UserID:    user,
		Kind:      models.KindStrict,
		Status:    models.StatusPending,
		ExpiresAt: time.Date(2026, 4, 2, 10, 5, 0, 0, time.UTC),
	}
	s.panel = &fakePanel{panel: &panel.Panel{Record: s.record, Step: panel.StepConfirm}}
	s.groups = &fakeGroups{}
	s.identity = &fakeIdentity{}
	s.dispatcher = NewDispatcher(s.admission, s.panel, s.groups, s.identity, s.platform,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *DispatcherSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *DispatcherSuite) envelope(typ string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)
	return Envelope{ID: "evt-1", Type: typ, OccurredAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC), Payload: raw}
}

func (s *DispatcherSuite) TestMembershipEvents() {
	ctx := context.Background()

	s.Run("member joined becomes a soft join", func() {
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeMemberJoined, Member{GroupID: group, UserID: user, Username: "gopher"}))
		s.Require().NoError(err)
		s.Require().Len(s.admission.joins, 1)
		s.Equal(models.KindSoft, s.admission.joins[0].Kind)
		s.Equal("gopher", s.admission.joins[0].Username)
	})

	s.Run("join request becomes a strict join with its chat window", func() {
		env := s.envelope(TypeJoinRequest, Member{GroupID: group, UserID: user, UserChatID: 4242})
		s.Require().NoError(s.dispatcher.Dispatch(ctx, env))
		last := s.admission.joins[len(s.admission.joins)-1]
		s.Equal(models.KindStrict, last.Kind)
		s.Equal(int64(4242), last.UserChatID)
		s.Equal(env.OccurredAt, last.RequestedAt)
	})

	s.Run("member left cancels", func() {
		s.Require().NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeMemberLeft, Member{GroupID: group, UserID: user})))
		s.Equal(1, s.admission.leaves)
	})

	s.Run("malformed payload is a bad request", func() {
		err := s.dispatcher.Dispatch(ctx, Envelope{Type: TypeMemberJoined, Payload: json.RawMessage(`{"group_id":"x"}`)})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("unknown types are ignored", func() {
		s.NoError(s.dispatcher.Dispatch(ctx, Envelope{Type: "poll_answer"}))
	})
}

func (s *DispatcherSuite) TestStart() {
	ctx := context.Background()

	s.Run("verification link sends the panel and remembers it", func() {
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), panel.Render(s.panel.panel)).Return(int64(55), nil)
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777, Payload: "ver_abc"}))
		s.Require().NoError(err)
		s.Equal([]int64{777, 55}, s.panel.attached)
	})

	s.Run("expired link gets guidance", func() {
		s.panel.err = dErrors.New(dErrors.CodeExpired, "expired")
		defer func() { s.panel.err = nil }()
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), chat.Message{Text: panel.UserMessage(s.panel.err)}).Return(int64(56), nil)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777, Payload: "ver_abc"})))
	})

	s.Run("settings link shows the settings", func() {
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ int64, msg chat.Message) (int64, error) {
				s.Contains(msg.Text, "Settings for Gophers")
				s.Contains(msg.Text, "5m0s, then kick")
				return 57, nil
			})
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777, Payload: "cfg_abc"})))
	})

	s.Run("plain start gets a greeting", func() {
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), gomock.Any()).Return(int64(58), nil)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777})))
	})

	s.Run("blocked user is not an error", func() {
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), gomock.Any()).Return(int64(0), chat.ErrUserUnreachable)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777})))
	})
}

func (s *DispatcherSuite) TestCallbacks() {
	ctx := context.Background()
	data := func(action, arg string) string {
		return chat.Callback{Action: action, PendingID: s.record.ID, Arg: arg}.Data()
	}

	s.Run("confirm edits the panel in place", func() {
		s.panel.panel = &panel.Panel{Record: s.record, Step: panel.StepStarted, AttemptLink: "https://verify.example/a"}
		s.platform.EXPECT().EditMessage(gomock.Any(), int64(777), int64(55), panel.Render(s.panel.panel)).Return(chat.ErrNotModified)
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, ChatID: 777, MessageID: 55, Data: data(chat.ActionConfirm, "")}))
		s.NoError(err)
	})

	s.Run("second confirm tap while starting stays silent", func() {
		s.panel.err = dErrors.New(dErrors.CodeAlreadyStarting, "verification already starting")
		defer func() { s.panel.err = nil }()
		// no reply and no edit expected on the platform mock
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, ChatID: 777, MessageID: 55, Data: data(chat.ActionConfirm, "")}))
		s.NoError(err)
	})

	s.Run("exhausted challenge hands out a support link", func() {
		s.panel.err = dErrors.New(dErrors.CodeTooManyAttempts, "too many")
		defer func() { s.panel.err = nil }()
		s.platform.EXPECT().EditMessage(gomock.Any(), int64(777), int64(55), gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ int64, msg chat.Message) error {
				s.True(strings.HasSuffix(msg.Text, "sup_abc"))
				return nil
			})
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, ChatID: 777, MessageID: 55, Data: data(chat.ActionAnswer, "red")}))
		s.NoError(err)
	})

	s.Run("non-admin approve is silently ignored", func() {
		s.panel.err = dErrors.New(dErrors.CodeForbidden, "no")
		defer func() { s.panel.err = nil }()
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, ChatID: int64(group), Data: data(chat.ActionApprove, "")}))
		s.NoError(err)
		s.Equal([]bool{true}, s.panel.decided)
	})

	s.Run("foreign callback data is ignored", func() {
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, Data: "other:thing"})))
	})
}

func (s *DispatcherSuite) TestCommands() {
	ctx := context.Background()

	s.Run("admin whitelists a user", func() {
		s.platform.EXPECT().IsAdmin(gomock.Any(), group, admin).Return(true, nil)
		s.platform.EXPECT().SendMessage(gomock.Any(), chat.GroupChatID(group), chat.Message{Text: "Done."}).Return(int64(1), nil)
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCommand, Command{GroupID: group, UserID: admin, Name: "/whitelist", Args: []string{"777"}}))
		s.Require().NoError(err)
		s.Equal([]id.UserID{user}, s.groups.whitelisted)
	})

	s.Run("admin bans an identity", func() {
		s.platform.EXPECT().IsAdmin(gomock.Any(), group, admin).Return(true, nil)
		s.platform.EXPECT().SendMessage(gomock.Any(), chat.GroupChatID(group), gomock.Any()).Return(int64(2), nil)
		err := s.dispatcher.Dispatch(ctx, s.envelope(TypeCommand, Command{GroupID: group, UserID: admin, Name: "ban", Args: []string{"ext-1", "spam"}}))
		s.Require().NoError(err)
		s.Equal([]string{"ext-1"}, s.identity.banned)
	})

	s.Run("settings link goes to the admin privately", func() {
		s.platform.EXPECT().IsAdmin(gomock.Any(), group, admin).Return(true, nil)
		s.platform.EXPECT().SendMessage(gomock.Any(), chat.PrivateChatID(admin), gomock.Any()).Return(int64(3), nil)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeCommand, Command{GroupID: group, UserID: admin, Name: "settings"})))
	})

	s.Run("non-admin commands do nothing", func() {
		s.platform.EXPECT().IsAdmin(gomock.Any(), group, user).Return(false, nil)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeCommand, Command{GroupID: group, UserID: user, Name: "whitelist", Args: []string{"1"}})))
	})

	s.Run("unknown commands skip the admin check", func() {
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeCommand, Command{GroupID: group, UserID: user, Name: "help"})))
	})
}

// TestRateLimit checks that spam from one user is dropped before any work.
//
// Justification: every start and tap costs platform calls, and confirm taps
// cost a verifier attempt.
func (s *DispatcherSuite) TestRateLimit() {
	ctx := context.Background()
	limiter, err := ratelimit.New(bucket.NewInMemoryBucketStore(),
		ratelimit.WithLimit(rlModels.ClassStart, rlModels.Limit{Requests: 1, Window: time.Minute}),
		ratelimit.WithLimit(rlModels.ClassCallback, rlModels.Limit{Requests: 1, Window: time.Minute}))
	s.Require().NoError(err)
	s.dispatcher = NewDispatcher(s.admission, s.panel, s.groups, s.identity, s.platform,
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithLimiter(limiter))

	s.Run("second start in the window is dropped", func() {
		s.platform.EXPECT().SendMessage(gomock.Any(), int64(777), gomock.Any()).Return(int64(58), nil).Times(1)
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777})))
		s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeStart, Start{UserID: user, ChatID: 777})))
	})

	s.Run("second tap in the window is dropped", func() {
		data := chat.Callback{Action: chat.ActionConfirm, PendingID: s.record.ID}.Data()
		s.platform.EXPECT().EditMessage(gomock.Any(), int64(777), int64(55), gomock.Any()).Return(nil).Times(1)
		for range 3 {
			s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeCallback, Callback{UserID: user, ChatID: 777, MessageID: 55, Data: data})))
		}
	})

	s.Run("membership events are never limited", func() {
		for range 3 {
			s.NoError(s.dispatcher.Dispatch(ctx, s.envelope(TypeMemberJoined, Member{GroupID: group, UserID: user})))
		}
		s.Len(s.admission.joins, 3)
	})
}
