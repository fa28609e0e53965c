package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/pkg/models"
)

// handleListAPIKeys lists the non-revoked API keys for the caller's org.
// Only prefixes are returned; hashed secrets never leave storage.
func (g *Gateway) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	caller, _ := apiKeyFromContext(r.Context())

	keys, err := g.apiKeys.List(r.Context(), caller.OrgID)
	if err != nil {
		g.logger.Error("list api keys failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]interface{}{
			"id":           k.ID,
			"prefix":       k.Prefix,
			"scopes":       k.Scopes,
			"created_at":   k.CreatedAt,
			"last_used_at": k.LastUsedAt,
			"revoked_at":   k.RevokedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
}

// handleCreateAPIKey mints a new key for the caller's org and returns
// the raw secret exactly once; only its hash is ever persisted.
func (g *Gateway) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	caller, _ := apiKeyFromContext(r.Context())

	var req struct {
		Scopes []models.APIKeyScope `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Scopes) == 0 {
		g.writeError(w, http.StatusBadRequest, "scopes is required")
		return
	}

	raw, key, err := GenerateAPIKey(caller.OrgID, req.Scopes)
	if err != nil {
		g.logger.Error("generate api key failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := g.apiKeys.Create(r.Context(), key); err != nil {
		g.logger.Error("create api key failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if g.audit != nil {
		_ = g.audit.Record(r.Context(), &models.AuditLogEntry{
			OrgID:    caller.OrgID,
			Action:   models.AuditAPIKeyCreated,
			ActorRef: caller.Prefix,
			Subject:  key.ID.String(),
			Detail:   map[string]any{"scopes": req.Scopes},
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     key.ID,
		"prefix": key.Prefix,
		"key":    raw,
	})
}

// handleRevokeAPIKey revokes a key belonging to the caller's org.
func (g *Gateway) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	caller, _ := apiKeyFromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid key id")
		return
	}

	if err := g.apiKeys.Revoke(r.Context(), id); err != nil {
		g.logger.Error("revoke api key failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if g.audit != nil {
		_ = g.audit.Record(r.Context(), &models.AuditLogEntry{
			OrgID:    caller.OrgID,
			Action:   models.AuditAPIKeyRevoked,
			ActorRef: caller.Prefix,
			Subject:  id.String(),
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
