package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/identity/models"
	"gatekeeper/pkg/platform/sentinel"
)

func TestInMemoryStore_BindIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.Bind(ctx, models.VerifiedIdentity{UserID: 1, ExternalID: "a", VerifiedAt: now}))

	t.Run("another user cannot take the identity", func(t *testing.T) {
		err := s.Bind(ctx, models.VerifiedIdentity{UserID: 2, ExternalID: "a", VerifiedAt: now})
		assert.True(t, errors.Is(err, sentinel.ErrConflict))
	})

	t.Run("rebinding a user releases the old identity", func(t *testing.T) {
		require.NoError(t, s.Bind(ctx, models.VerifiedIdentity{UserID: 1, ExternalID: "b", VerifiedAt: now}))
		require.NoError(t, s.Bind(ctx, models.VerifiedIdentity{UserID: 2, ExternalID: "a", VerifiedAt: now}))

		got, err := s.FindByUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "b", got.ExternalID)
	})

	t.Run("missing user is not found", func(t *testing.T) {
		_, err := s.FindByUser(ctx, 3)
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	})

	t.Run("owner follows the binding", func(t *testing.T) {
		owner, err := s.OwnerOf(ctx, "a")
		require.NoError(t, err)
		assert.EqualValues(t, 2, owner)

		_, err = s.OwnerOf(ctx, "nobody")
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	})
}
