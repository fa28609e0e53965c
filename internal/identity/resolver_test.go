package identity

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

func newTestCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	return c, func() { c.Close(); mr.Close() }
}

func TestResolverCreatesNewUserWhenNoCandidates(t *testing.T) {
	c, done := newTestCache(t)
	defer done()

	repo := storage.NewFakeIdentityRepo()
	r := New(repo, c, zap.NewNop())

	orgID := uuid.New()
	hints := []normalize.IdentityHint{
		{Source: models.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
	}

	userID, err := r.Resolve(context.Background(), orgID, hints)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)

	ids, err := repo.FindUserIDs(context.Background(), orgID, models.SourceStripe, "customer_id", "cus_123")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, userID, ids[0])
}

func TestResolverReturnsExistingUserForKnownHint(t *testing.T) {
	c, done := newTestCache(t)
	defer done()

	repo := storage.NewFakeIdentityRepo()
	r := New(repo, c, zap.NewNop())

	orgID := uuid.New()
	hints := []normalize.IdentityHint{
		{Source: models.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
	}

	first, err := r.Resolve(context.Background(), orgID, hints)
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), orgID, hints)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolverMergesWhenTwoHintsResolveDifferentUsers(t *testing.T) {
	c, done := newTestCache(t)
	defer done()

	repo := storage.NewFakeIdentityRepo()
	r := New(repo, c, zap.NewNop())
	orgID := uuid.New()

	stripeUser, err := r.Resolve(context.Background(), orgID, []normalize.IdentityHint{
		{Source: models.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
	})
	require.NoError(t, err)

	appleUser, err := r.Resolve(context.Background(), orgID, []normalize.IdentityHint{
		{Source: models.SourceApple, IDType: "original_transaction_id", ExternalID: "txn_456"},
	})
	require.NoError(t, err)
	require.NotEqual(t, stripeUser, appleUser)

	merged, err := r.Resolve(context.Background(), orgID, []normalize.IdentityHint{
		{Source: models.SourceStripe, IDType: "customer_id", ExternalID: "cus_123"},
		{Source: models.SourceApple, IDType: "original_transaction_id", ExternalID: "txn_456"},
	})
	require.NoError(t, err)
	assert.Contains(t, []interface{}{stripeUser, appleUser}, merged)
}

func TestResolverNormalizesEmailCase(t *testing.T) {
	c, done := newTestCache(t)
	defer done()

	repo := storage.NewFakeIdentityRepo()
	r := New(repo, c, zap.NewNop())
	orgID := uuid.New()

	first, err := r.Resolve(context.Background(), orgID, []normalize.IdentityHint{
		{Source: models.SourceRecurly, IDType: "email", ExternalID: "User@Example.com"},
	})
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), orgID, []normalize.IdentityHint{
		{Source: models.SourceRecurly, IDType: "email", ExternalID: "user@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
