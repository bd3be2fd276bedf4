package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/token/models"
	"gatekeeper/internal/token/store"
	dErrors "gatekeeper/pkg/domain-errors"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/requestcontext"
)

type TokenServiceSuite struct {
	suite.Suite
	store   *store.InMemoryTokenStore
	service *Service
	now     time.Time
	ctx     context.Context
	scope   models.Scope
}

func TestTokenServiceSuite(t *testing.T) {
	suite.Run(t, new(TokenServiceSuite))
}

func (s *TokenServiceSuite) SetupTest() {
	s.store = store.New()
	svc, err := New(s.store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	s.service = svc
	s.now = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.scope = models.Scope{GroupID: -1001, UserID: 42, PendingID: id.NewPendingID()}
}

func (s *TokenServiceSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(offset))
}

// =============================================================================
// Issue
// =============================================================================

func (s *TokenServiceSuite) TestIssue() {
	s.Run("returns an opaque url-safe token and stores only its hash", func() {
		raw, err := s.service.Issue(s.ctx, models.KindSettings, s.scope, 10*time.Minute)
		s.Require().NoError(err)
		s.Len(raw, 24)

		stored, err := s.store.FindByHash(s.ctx, models.HashToken(raw))
		s.Require().NoError(err)
		s.NotEqual(raw, stored.Hash)
		s.Equal(s.now.Add(10*time.Minute), stored.ExpiresAt)
	})

	s.Run("rejects unbound scope", func() {
		_, err := s.service.Issue(s.ctx, models.KindSupport, models.Scope{}, time.Minute)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects non-positive ttl", func() {
		_, err := s.service.Issue(s.ctx, models.KindSupport, s.scope, 0)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("surfaces entropy collisions instead of overwriting", func() {
		fixed := bytes.Repeat([]byte{7}, 64)
		svc, err := New(store.New(), WithEntropy(bytes.NewReader(fixed)))
		s.Require().NoError(err)
		_, err = svc.Issue(s.ctx, models.KindSupport, s.scope, time.Minute)
		s.Require().NoError(err)
		_, err = svc.Issue(s.ctx, models.KindSupport, s.scope, time.Minute)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

// =============================================================================
// ValidateAndConsume
// =============================================================================

func (s *TokenServiceSuite) TestValidateAndConsume() {
	s.Run("succeeds once then reports already used", func() {
		raw, err := s.service.Issue(s.ctx, models.KindSettings, s.scope, 10*time.Minute)
		s.Require().NoError(err)

		tok, err := s.service.ValidateAndConsume(s.ctx, raw, models.KindSettings, s.scope.UserID)
		s.Require().NoError(err)
		s.Equal(s.scope, tok.Scope)

		_, err = s.service.ValidateAndConsume(s.ctx, raw, models.KindSettings, s.scope.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
	})

	s.Run("expired token is reported as expired", func() {
		raw, err := s.service.Issue(s.ctx, models.KindSupport, s.scope, time.Minute)
		s.Require().NoError(err)

		_, err = s.service.ValidateAndConsume(s.at(time.Minute), raw, models.KindSupport, s.scope.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))
	})

	s.Run("wrong kind is reported as not found and does not burn the token", func() {
		raw, err := s.service.Issue(s.ctx, models.KindSettings, s.scope, time.Minute)
		s.Require().NoError(err)

		_, err = s.service.ValidateAndConsume(s.ctx, raw, models.KindSupport, s.scope.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		_, err = s.service.ValidateAndConsume(s.ctx, raw, models.KindSettings, s.scope.UserID)
		s.NoError(err)
	})

	s.Run("wrong actor is reported as not found", func() {
		raw, err := s.service.Issue(s.ctx, models.KindSettings, s.scope, time.Minute)
		s.Require().NoError(err)

		_, err = s.service.ValidateAndConsume(s.ctx, raw, models.KindSettings, 99)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unknown and malformed tokens are not found", func() {
		_, err := s.service.ValidateAndConsume(s.ctx, "AAAAAAAAAAAAAAAAAAAAAAAA", models.KindSupport, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		_, err = s.service.ValidateAndConsume(s.ctx, "../../etc/passwd", models.KindSupport, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *TokenServiceSuite) TestConcurrentConsumeHasExactlyOneWinner() {
	raw, err := s.service.Issue(s.ctx, models.KindSupport, s.scope, time.Minute)
	s.Require().NoError(err)

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		used      atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.ValidateAndConsume(s.ctx, raw, models.KindSupport, s.scope.UserID)
			switch {
			case err == nil:
				successes.Add(1)
			case dErrors.HasCode(err, dErrors.CodeAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(workers-1), used.Load())
}

// =============================================================================
// Verification tokens
// =============================================================================

func (s *TokenServiceSuite) TestVerificationTokenLifecycle() {
	raw, err := s.service.Issue(s.ctx, models.KindVerification, s.scope, 5*time.Minute)
	s.Require().NoError(err)
	second, err := s.service.Issue(s.ctx, models.KindVerification, s.scope, 5*time.Minute)
	s.Require().NoError(err)

	s.Run("validate does not consume", func() {
		_, err := s.service.Validate(s.ctx, raw, models.KindVerification, s.scope.UserID)
		s.Require().NoError(err)
		_, err = s.service.Validate(s.ctx, raw, models.KindVerification, s.scope.UserID)
		s.Require().NoError(err)
	})

	s.Run("consume for pending retires every link of the record", func() {
		s.Require().NoError(s.service.ConsumeForPending(s.ctx, s.scope.PendingID))

		_, err := s.service.Validate(s.ctx, raw, models.KindVerification, s.scope.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
		_, err = s.service.Validate(s.ctx, second, models.KindVerification, s.scope.UserID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyUsed))
	})
}

func (s *TokenServiceSuite) TestPurgeExpired() {
	_, err := s.service.Issue(s.ctx, models.KindSupport, s.scope, time.Minute)
	s.Require().NoError(err)
	live, err := s.service.Issue(s.ctx, models.KindSupport, s.scope, time.Hour)
	s.Require().NoError(err)

	n, err := s.service.PurgeExpired(s.ctx, s.now.Add(30*time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.service.Validate(s.ctx, live, models.KindSupport, s.scope.UserID)
	s.NoError(err)
}
