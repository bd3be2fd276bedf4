//go:build integration

package bucket_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/ratelimit/store/bucket"
	"gatekeeper/pkg/testutil/containers"
)

type RedisBucketStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *bucket.RedisBucketStore
}

func TestRedisBucketStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisBucketStoreSuite))
}

func (s *RedisBucketStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = bucket.NewRedisBucketStore(s.redis.Client)
}

func (s *RedisBucketStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisBucketStoreSuite) TestAllow() {
	ctx := context.Background()

	s.Run("allows up to the limit then denies", func() {
		for i := range 3 {
			result, err := s.store.Allow(ctx, "rl:test:limit", 3, time.Minute)
			s.Require().NoError(err)
			s.True(result.Allowed)
			s.Equal(2-i, result.Remaining)
		}
		result, err := s.store.Allow(ctx, "rl:test:limit", 3, time.Minute)
		s.Require().NoError(err)
		s.False(result.Allowed)
		s.True(result.ResetAt.After(time.Now()))
	})

	s.Run("keys expire with the window", func() {
		_, err := s.store.Allow(ctx, "rl:test:ttl", 3, time.Minute)
		s.Require().NoError(err)
		ttl, err := s.redis.Client.PTTL(ctx, "rl:test:ttl").Result()
		s.Require().NoError(err)
		s.Greater(ttl, time.Duration(0))
		s.LessOrEqual(ttl, time.Minute)
	})

	s.Run("reset clears the window", func() {
		for range 3 {
			_, err := s.store.Allow(ctx, "rl:test:reset", 3, time.Minute)
			s.Require().NoError(err)
		}
		s.Require().NoError(s.store.Reset(ctx, "rl:test:reset"))
		result, err := s.store.Allow(ctx, "rl:test:reset", 3, time.Minute)
		s.Require().NoError(err)
		s.True(result.Allowed)
	})
}
