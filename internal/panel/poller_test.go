package panel

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/pending/models"
	"gatekeeper/internal/verifier"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/audit"
	"gatekeeper/pkg/requestcontext"
)

func (s *PanelServiceSuite) startedRecord(kind models.Kind, attemptID string) *models.PendingVerification {
	rec := s.newRecord(kind)
	started, err := s.pending.TryStartAttempt(s.ctx, rec.ID, s.now)
	s.Require().NoError(err)
	s.Require().Equal(models.StartOK, started)
	s.Require().NoError(s.pending.AttachAttempt(s.ctx, rec.ID, attemptID))
	rec, err = s.pending.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	return rec
}

func (s *PanelServiceSuite) newPoller(initial, ceiling time.Duration) *Poller {
	return NewPoller(s.pending, s.verifier, s.resolver,
		WithPollerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackoff(initial, ceiling),
	)
}

// =============================================================================
// Poll Tests
// =============================================================================
// Justification: a poll must never resolve a record twice and must stop on
// its own once the record leaves pending.

func (s *PanelServiceSuite) TestPollOnce() {
	poller := s.newPoller(time.Hour, time.Hour)

	s.Run("pending status keeps polling", func() {
		rec := s.startedRecord(models.KindSoft, "att-pending")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-pending").Return(&verifier.Result{Status: verifier.StatusPending}, nil)
		s.False(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusPending, s.status(rec.ID))
	})

	s.Run("verifier outage keeps polling", func() {
		rec := s.startedRecord(models.KindSoft, "att-down")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-down").Return(nil, errors.New("503"))
		s.False(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusPending, s.status(rec.ID))
	})

	s.Run("approval binds the identity and lifts the restriction", func() {
		rec := s.startedRecord(models.KindSoft, "att-ok")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-ok").
			Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-ok"}, nil)
		s.platform.EXPECT().UnrestrictMember(gomock.Any(), testGroup, rec.UserID).Return(nil)

		s.True(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusApproved, s.status(rec.ID))

		verified, err := s.identity.IsVerified(s.ctx, rec.UserID)
		s.Require().NoError(err)
		s.True(verified)
	})

	s.Run("approval of a strict record approves the join request", func() {
		rec := s.startedRecord(models.KindStrict, "att-strict")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-strict").
			Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-strict"}, nil)
		s.platform.EXPECT().ApproveJoinRequest(gomock.Any(), testGroup, rec.UserID).Return(nil)

		s.True(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusApproved, s.status(rec.ID))
	})

	s.Run("identity owned by another account is rejected", func() {
		s.Require().NoError(s.identity.Bind(s.ctx, testUser+500, "ext-taken", ""))
		rec := s.startedRecord(models.KindSoft, "att-dup")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-dup").
			Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-taken"}, nil)
		s.platform.EXPECT().Kick(gomock.Any(), testGroup, rec.UserID).Return(nil)

		s.True(poller.PollOnce(s.ctx, rec.ID))
		stored, err := s.pending.Get(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, stored.Status)
		s.Equal(ReasonIdentityConflict, stored.Reason)
	})

	s.Run("banned identity is rejected", func() {
		s.Require().NoError(s.identity.Ban(s.ctx, "ext-banned", testAdmin, "spam"))
		rec := s.startedRecord(models.KindStrict, "att-ban")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-ban").
			Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-banned"}, nil)
		s.platform.EXPECT().DeclineJoinRequest(gomock.Any(), testGroup, rec.UserID).Return(nil)

		s.True(poller.PollOnce(s.ctx, rec.ID))
		stored, err := s.pending.Get(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(ReasonIdentityBanned, stored.Reason)

		events, err := s.audit.ListByPending(s.ctx, rec.ID.String())
		s.Require().NoError(err)
		actions := make([]string, 0, len(events))
		for _, e := range events {
			actions = append(actions, e.Action)
		}
		s.Contains(actions, string(audit.EventIdentityBanned))
	})

	s.Run("verifier rejection rejects the record", func() {
		rec := s.startedRecord(models.KindSoft, "att-no")
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-no").Return(&verifier.Result{Status: verifier.StatusRejected}, nil)
		s.platform.EXPECT().Kick(gomock.Any(), testGroup, rec.UserID).Return(nil)

		s.True(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusRejected, s.status(rec.ID))
	})

	s.Run("late result after resolution is ignored", func() {
		rec := s.startedRecord(models.KindSoft, "att-late")
		_, err := s.pending.Resolve(s.ctx, rec.ID, models.Resolution{Outcome: models.StatusRejected, DecidedBy: testAdmin, At: s.now})
		s.Require().NoError(err)

		// no GetStatus expectation: the poll must stop before asking
		s.True(poller.PollOnce(s.ctx, rec.ID))
		s.Equal(models.StatusRejected, s.status(rec.ID))
	})

	s.Run("record past its deadline is left to the sweeper", func() {
		rec := s.startedRecord(models.KindSoft, "att-due")
		later := requestcontext.WithTime(s.ctx, s.now.Add(10*time.Minute))
		s.True(poller.PollOnce(later, rec.ID))
		s.Equal(models.StatusPending, s.status(rec.ID))
	})

	s.Run("unknown record stops polling", func() {
		s.True(poller.PollOnce(s.ctx, id.PendingID(uuid.New())))
	})
}

// TestPollerFollowsUntilResolved runs the background loop end to end.
func (s *PanelServiceSuite) TestPollerFollowsUntilResolved() {
	poller := s.newPoller(time.Millisecond, 5*time.Millisecond)
	defer poller.Stop()

	// the loop reads the wall clock, so the deadline must be real
	rec, _, err := s.pending.CreateOrReuse(s.ctx, &models.PendingVerification{
		ID: id.PendingID(uuid.New()), GroupID: testGroup, UserID: testUser + 900, Kind: models.KindSoft,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}, s.now)
	s.Require().NoError(err)
	_, err = s.pending.TryStartAttempt(s.ctx, rec.ID, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.pending.AttachAttempt(s.ctx, rec.ID, "att-loop"))
	rec, err = s.pending.Get(s.ctx, rec.ID)
	s.Require().NoError(err)

	gomock.InOrder(
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-loop").Return(&verifier.Result{Status: verifier.StatusPending}, nil).Times(2),
		s.verifier.EXPECT().GetStatus(gomock.Any(), "att-loop").Return(&verifier.Result{Status: verifier.StatusApproved, ExternalID: "ext-loop"}, nil),
	)
	s.platform.EXPECT().UnrestrictMember(gomock.Any(), testGroup, rec.UserID).Return(nil)

	poller.Watch(rec)
	s.Eventually(func() bool { return poller.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	s.Equal(models.StatusApproved, s.status(rec.ID))
}

func (s *PanelServiceSuite) TestPollerResume() {
	poller := s.newPoller(time.Hour, time.Hour)

	started := s.startedRecord(models.KindSoft, "att-resume")
	s.newRecord(models.KindSoft)

	n, err := poller.Resume(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(1, poller.Active())

	poller.Watch(started)
	s.Equal(1, poller.Active(), "a record is followed by one task")

	poller.Stop()
	s.Equal(0, poller.Active())

	poller.Watch(started)
	s.Equal(0, poller.Active(), "a stopped poller takes no work")
}
