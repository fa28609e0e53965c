package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

// apiKeyPrefix marks every issued key so a leaked credential is
// recognizable in logs and error reports without decoding anything.
const apiKeyPrefix = "rev_"

// apiKeySecretBytes is the size of the random secret before hex
// encoding; 32 bytes gives a 64-hex-char secret.
const apiKeySecretBytes = 32

// apiKeyCacheTTL bounds how long a validated key is trusted from cache
// before the next request re-checks revocation against storage.
const apiKeyCacheTTL = 60 * time.Second

// Authenticator validates bearer API keys against storage.APIKeyRepo,
// caching hits to avoid a database round trip on every request.
type Authenticator struct {
	keys   storage.APIKeyRepo
	cache  *cache.Cache
	logger *zap.Logger
}

// NewAuthenticator returns an Authenticator.
func NewAuthenticator(keys storage.APIKeyRepo, c *cache.Cache, logger *zap.Logger) *Authenticator {
	return &Authenticator{keys: keys, cache: c, logger: logger}
}

// GenerateAPIKey mints a rev_{64-hex} key for orgID with the given
// scopes, returning the raw secret (shown to the caller exactly once)
// alongside the record to persist. Only the SHA-256 hash is stored.
func GenerateAPIKey(orgID uuid.UUID, scopes []models.APIKeyScope) (raw string, key *models.APIKey, err error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("gateway: generate api key secret: %w", err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(secret)
	key = &models.APIKey{
		OrgID:     orgID,
		Prefix:    raw[:len(apiKeyPrefix)+8],
		HashedKey: hashAPIKey(raw),
		Scopes:    scopes,
	}
	return raw, key, nil
}

// ValidateAPIKey resolves a raw bearer token to its API key record,
// rejecting empty, malformed, revoked, or unknown keys.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, raw string) (*models.APIKey, error) {
	if raw == "" {
		return nil, errors.New("gateway: api key is empty")
	}
	if !strings.HasPrefix(raw, apiKeyPrefix) || len(raw) < len(apiKeyPrefix)+8 {
		return nil, errors.New("gateway: malformed api key")
	}
	prefix := raw[:len(apiKeyPrefix)+8]
	hashed := hashAPIKey(raw)

	cacheKey := "apikey:" + prefix
	if cached, err := a.cache.Client.Get(ctx, cacheKey).Result(); err == nil {
		var key models.APIKey
		if jsonErr := json.Unmarshal([]byte(cached), &key); jsonErr == nil {
			return checkKey(&key, hashed)
		}
	}

	key, err := a.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("gateway: invalid api key")
		}
		return nil, fmt.Errorf("gateway: look up api key: %w", err)
	}
	if _, err := checkKey(key, hashed); err != nil {
		return nil, err
	}

	if body, err := json.Marshal(key); err == nil {
		if err := a.cache.Client.Set(ctx, cacheKey, body, apiKeyCacheTTL).Err(); err != nil {
			a.logger.Debug("failed to cache api key", zap.Error(err))
		}
	}

	go a.touchLastUsed(key.ID)
	return key, nil
}

func checkKey(key *models.APIKey, hashed string) (*models.APIKey, error) {
	if key.HashedKey != hashed {
		return nil, errors.New("gateway: invalid api key")
	}
	if key.RevokedAt != nil {
		return nil, errors.New("gateway: api key revoked")
	}
	return key, nil
}

func (a *Authenticator) touchLastUsed(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.keys.TouchLastUsed(ctx, id); err != nil {
		a.logger.Warn("failed to touch api key last_used_at", zap.String("key_id", id.String()), zap.Error(err))
	}
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type ctxKey string

const apiKeyCtxKey ctxKey = "revguard.api_key"

// AuthMiddleware extracts and validates the bearer API key, rejecting
// the request with 401 on failure and attaching the resolved key to
// the request context for handlers and RequireScope.
func (g *Gateway) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		key, err := g.auth.ValidateAPIKey(r.Context(), raw)
		if err != nil {
			g.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), apiKeyCtxKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose authenticated key lacks scope
// (admin-scoped keys always pass, per models.APIKey.HasScope).
func RequireScope(scope models.APIKeyScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := apiKeyFromContext(r.Context())
			if !ok || !key.HasScope(scope) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyFromContext returns the authenticated key attached by
// AuthMiddleware, if any.
func apiKeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyCtxKey).(*models.APIKey)
	return key, ok
}
