package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *storage.FakeAPIKeyRepo) {
	t.Helper()
	cacheClient, cleanup := setupLimiterCache(t)
	t.Cleanup(cleanup)
	keys := storage.NewFakeAPIKeyRepo()
	return NewAuthenticator(keys, cacheClient, zap.NewNop()), keys
}

func TestGenerateAndValidateAPIKeyRoundTrip(t *testing.T) {
	auth, keys := newTestAuthenticator(t)
	orgID := uuid.New()

	raw, key, err := GenerateAPIKey(orgID, []models.APIKeyScope{models.ScopeReadIssues})
	require.NoError(t, err)
	require.NoError(t, keys.Create(context.Background(), key))

	got, err := auth.ValidateAPIKey(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, orgID, got.OrgID)
	assert.True(t, got.HasScope(models.ScopeReadIssues))
}

func TestValidateAPIKeyRejectsRevoked(t *testing.T) {
	auth, keys := newTestAuthenticator(t)
	orgID := uuid.New()

	raw, key, err := GenerateAPIKey(orgID, []models.APIKeyScope{models.ScopeAdmin})
	require.NoError(t, err)
	require.NoError(t, keys.Create(context.Background(), key))
	require.NoError(t, keys.Revoke(context.Background(), key.ID))

	_, err = auth.ValidateAPIKey(context.Background(), raw)
	assert.Error(t, err)
}

func TestValidateAPIKeyRejectsMalformedOrUnknown(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	_, err := auth.ValidateAPIKey(context.Background(), "")
	assert.Error(t, err)

	_, err = auth.ValidateAPIKey(context.Background(), "not-a-revguard-key")
	assert.Error(t, err)

	_, err = auth.ValidateAPIKey(context.Background(), "rev_"+uuid.New().String())
	assert.Error(t, err)
}

func TestAuthMiddlewareAndRequireScope(t *testing.T) {
	auth, keys := newTestAuthenticator(t)
	orgID := uuid.New()

	raw, key, err := GenerateAPIKey(orgID, []models.APIKeyScope{models.ScopeReadIssues})
	require.NoError(t, err)
	require.NoError(t, keys.Create(context.Background(), key))

	g := &Gateway{auth: auth}

	handler := g.AuthMiddleware(RequireScope(models.ScopeWriteConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "key lacks write_config scope")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing bearer token")

	readHandler := g.AuthMiddleware(RequireScope(models.ScopeReadIssues)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	readHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
