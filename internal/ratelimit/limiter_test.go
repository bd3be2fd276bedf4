package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/ratelimit/models"
	"gatekeeper/internal/ratelimit/store/bucket"
)

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*models.Result, error) {
	return nil, errors.New("connection refused")
}

func TestLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("limits each user separately", func(t *testing.T) {
		l, err := ratelimit.New(bucket.NewInMemoryBucketStore(),
			ratelimit.WithLimit(models.ClassCallback, models.Limit{Requests: 2, Window: time.Minute}))
		require.NoError(t, err)

		assert.True(t, l.Allow(ctx, models.ClassCallback, 1))
		assert.True(t, l.Allow(ctx, models.ClassCallback, 1))
		assert.False(t, l.Allow(ctx, models.ClassCallback, 1))
		assert.True(t, l.Allow(ctx, models.ClassCallback, 2))
	})

	t.Run("classes have separate buckets", func(t *testing.T) {
		l, err := ratelimit.New(bucket.NewInMemoryBucketStore(),
			ratelimit.WithLimit(models.ClassCallback, models.Limit{Requests: 1, Window: time.Minute}))
		require.NoError(t, err)

		assert.True(t, l.Allow(ctx, models.ClassCallback, 1))
		assert.False(t, l.Allow(ctx, models.ClassCallback, 1))
		assert.True(t, l.Allow(ctx, models.ClassStart, 1))
	})

	t.Run("unknown and disabled classes are not limited", func(t *testing.T) {
		l, err := ratelimit.New(bucket.NewInMemoryBucketStore(),
			ratelimit.WithLimit(models.ClassStart, models.Limit{}))
		require.NoError(t, err)
		for range 100 {
			require.True(t, l.Allow(ctx, models.ClassStart, 1))
			require.True(t, l.Allow(ctx, models.Class("other"), 1))
		}
	})

	t.Run("store failure allows the event", func(t *testing.T) {
		l, err := ratelimit.New(failingStore{})
		require.NoError(t, err)
		assert.True(t, l.Allow(ctx, models.ClassStart, 1))
	})

	t.Run("requires a store", func(t *testing.T) {
		_, err := ratelimit.New(nil)
		assert.Error(t, err)
	})
}
