package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/pkg/models"
)

// accessCheckRequest is one app-reported access state for a user,
// identified by the bare external id the client SDK already knows
// (Stripe customer id, Apple originalTransactionId, etc).
type accessCheckRequest struct {
	User      string     `json:"user"`
	ProductID string     `json:"productId,omitempty"`
	HasAccess bool       `json:"hasAccess"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
}

func (g *Gateway) handleRecordAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, _ := apiKeyFromContext(r.Context())
	result, status, err := g.recordAccessCheck(r.Context(), key.OrgID, req)
	if err != nil {
		g.logger.Error("record access check failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if result == nil {
		g.writeError(w, status, "access-check ingestion not configured")
		return
	}
	g.writeJSON(w, status, result)
}

func (g *Gateway) handleRecordAccessChecksBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []accessCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) > 100 {
		g.writeError(w, http.StatusBadRequest, "batch exceeds 100 entries")
		return
	}

	key, _ := apiKeyFromContext(r.Context())
	results := make([]map[string]interface{}, 0, len(reqs))
	for _, req := range reqs {
		result, status, err := g.recordAccessCheck(r.Context(), key.OrgID, req)
		if err != nil {
			g.logger.Error("record access check failed", zap.String("user", req.User), zap.Error(err))
			results = append(results, map[string]interface{}{"user": req.User, "error": "internal error"})
			continue
		}
		if result == nil {
			result = map[string]interface{}{"user": req.User, "error": "access-check ingestion not configured"}
		}
		result["http_status"] = status
		results = append(results, result)
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// recordAccessCheck resolves req.User to a canonical user (the
// external-id-only identity lookup), persists the access-check row,
// derives that user's current billing-side access category across
// every product, and runs the verified-tier detectors against the
// pair.
func (g *Gateway) recordAccessCheck(ctx context.Context, orgID uuid.UUID, req accessCheckRequest) (map[string]interface{}, int, error) {
	if g.identity == nil || g.accessChecks == nil || g.entitlements == nil || g.detector == nil {
		return nil, http.StatusNotImplemented, nil
	}
	if req.User == "" {
		return map[string]interface{}{"user": req.User, "error": "user is required"}, http.StatusBadRequest, nil
	}

	userID, found, err := g.identity.ResolveByExternalID(ctx, orgID, req.User)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return map[string]interface{}{"user": req.User, "error": "unknown user"}, http.StatusNotFound, nil
	}

	checkedAt := time.Now().UTC()
	if req.CheckedAt != nil {
		checkedAt = *req.CheckedAt
	}

	entitlements, err := g.entitlements.ListByUser(ctx, orgID, userID)
	if err != nil {
		return nil, 0, err
	}
	category := models.AccessNone
	for _, e := range entitlements {
		c := models.CategoryOf(e.State)
		if c == models.AccessGranted {
			category = models.AccessGranted
			break
		}
		if c == models.AccessAtRisk && category != models.AccessGranted {
			category = models.AccessAtRisk
		}
	}

	check := &models.AccessCheck{
		OrgID:      orgID,
		UserID:     userID,
		HasAccess:  req.HasAccess,
		HasPayment: category == models.AccessGranted,
	}
	if err := g.accessChecks.Record(ctx, check); err != nil {
		return nil, 0, err
	}
	check.CheckedAt = checkedAt

	if err := g.detector.DetectAccess(ctx, &detect.AccessContext{
		OrgID:           orgID,
		UserID:          userID,
		Check:           *check,
		CurrentCategory: category,
	}); err != nil {
		g.logger.Error("access-check detection failed", zap.String("user_id", userID.String()), zap.Error(err))
	}

	return map[string]interface{}{"user": req.User, "userId": userID, "category": category}, http.StatusOK, nil
}

// handleConnectionHealth returns a snapshot of every configured
// billing connection for the caller's org, per §4.12's integration
// health surface.
func (g *Gateway) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	if g.connections == nil {
		g.writeError(w, http.StatusNotImplemented, "connection health not configured")
		return
	}

	key, _ := apiKeyFromContext(r.Context())
	sources := []models.Source{models.SourceStripe, models.SourceApple, models.SourceGoogle, models.SourceRecurly, models.SourceBraintree}

	snapshot := make([]map[string]interface{}, 0, len(sources))
	for _, source := range sources {
		conn, err := g.connections.Get(r.Context(), key.OrgID, source)
		if err != nil {
			// No row for this (org, source) is the common case — most
			// orgs only connect one or two providers.
			continue
		}
		snapshot = append(snapshot, map[string]interface{}{
			"source":         conn.Source,
			"status":         conn.Status,
			"lastWebhookAt":  conn.LastWebhookAt,
			"lastBackfillAt": conn.LastBackfillAt,
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": snapshot})
}
