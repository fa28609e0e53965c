// Package ingest holds the C6 webhook receiver: one endpoint per
// (org, source) pair that logs the raw delivery, verifies its
// signature, and enqueues it for C7 processing. It never blocks on
// normalization, database work, or detection — under burst load the
// queue is the shock absorber, not the HTTP handler.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/revguard/revguard/internal/gateway"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20 // 1 MiB, generous for the largest provider payload

// CredentialProvider is the narrow slice of vault.Service the receiver
// needs, so handler tests can fake it without a live database/cipher.
type CredentialProvider interface {
	GetDecryptedCredentials(ctx context.Context, orgID uuid.UUID, source models.Source) (map[string]interface{}, error)
}

// Receiver is the multi-provider C6 webhook handler.
type Receiver struct {
	orgs        storage.OrgRepo
	connections storage.BillingConnectionRepo
	vault       CredentialProvider
	normalizers *normalize.Registry
	logs        storage.WebhookLogRepo
	queue       *queue.Queue
	limiter     *gateway.RateLimiter
	logger      *zap.Logger
}

func New(
	orgs storage.OrgRepo,
	connections storage.BillingConnectionRepo,
	vaultSvc CredentialProvider,
	normalizers *normalize.Registry,
	logs storage.WebhookLogRepo,
	q *queue.Queue,
	limiter *gateway.RateLimiter,
	logger *zap.Logger,
) *Receiver {
	return &Receiver{
		orgs:        orgs,
		connections: connections,
		vault:       vaultSvc,
		normalizers: normalizers,
		logs:        logs,
		queue:       q,
		limiter:     limiter,
		logger:      logger,
	}
}

// Routes mounts POST /webhooks/{org_slug}/{source} under r.
func (rv *Receiver) Routes(r chi.Router) {
	r.Post("/webhooks/{org_slug}/{source}", rv.handle)
}

func (rv *Receiver) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "org_slug")
	sourceParam := chi.URLParam(r, "source")
	source := models.Source(sourceParam)

	org, err := rv.orgs.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "organization not found", nil)
			return
		}
		rv.logger.Error("lookup org by slug failed", zap.Error(err), zap.String("slug", slug))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	normalizer, err := rv.normalizers.Get(source)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown billing source", nil)
		return
	}

	allowed, info, err := rv.limiter.CheckWebhookBurst(ctx, org.ID, source)
	if err != nil {
		rv.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
	} else if !allowed {
		for k, v := range info.GetRateLimitHeaders() {
			w.Header().Set(k, v)
		}
		writeError(w, http.StatusTooManyRequests, "rate limited", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	if _, err := rv.connections.Get(ctx, org.ID, source); err != nil {
		// Always record the delivery even when unconfigured, to support
		// debugging provider-side misconfiguration.
		rv.logRawDelivery(ctx, org.ID, source, r.Header, body)
		writeError(w, http.StatusNotFound, "billing connection not configured", nil)
		return
	}

	logID, err := rv.logs.Create(ctx, org.ID, source, flattenHeaders(r.Header), body)
	if err != nil {
		rv.logger.Error("failed to create webhook log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	creds, err := rv.vault.GetDecryptedCredentials(ctx, org.ID, source)
	if err != nil {
		rv.markLogFailed(ctx, logID, http.StatusInternalServerError, "credentials unavailable")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	ok, err := normalizer.VerifySignature(ctx, body, flattenHeaders(r.Header), webhookSecretFor(source, creds))
	if err != nil {
		rv.logger.Error("signature verification errored", zap.Error(err), zap.String("source", string(source)))
		rv.markLogFailed(ctx, logID, http.StatusInternalServerError, "signature verification error")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	if !ok {
		rv.markLogFailed(ctx, logID, http.StatusUnauthorized, "signature verification failed")
		writeError(w, http.StatusUnauthorized, "invalid signature", nil)
		gateway.RecordWebhookReceived(string(source), "signature_invalid")
		return
	}

	if err := rv.logs.MarkSignatureResult(ctx, logID, true, http.StatusOK, nil); err != nil {
		rv.logger.Warn("failed to mark signature result", zap.Error(err))
	}

	job := queue.Job{
		OrgID:        org.ID.String(),
		Source:       source,
		WebhookLogID: logID.String(),
		RawBody:      body,
		RawHeaders:   flattenHeaders(r.Header),
		ReceivedAt:   time.Now().UTC(),
	}
	if _, err := rv.queue.Enqueue(ctx, job); err != nil {
		rv.logger.Error("failed to enqueue webhook job", zap.Error(err), zap.String("webhook_log_id", logID.String()))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		gateway.RecordWebhookReceived(string(source), "enqueue_error")
		return
	}

	gateway.RecordWebhookReceived(string(source), "accepted")
	w.WriteHeader(http.StatusOK)
}

func (rv *Receiver) logRawDelivery(ctx context.Context, orgID uuid.UUID, source models.Source, headers http.Header, body []byte) {
	if _, err := rv.logs.Create(ctx, orgID, source, flattenHeaders(headers), body); err != nil {
		rv.logger.Warn("failed to log unconfigured delivery", zap.Error(err))
	}
}

func (rv *Receiver) markLogFailed(ctx context.Context, logID uuid.UUID, statusCode int, message string) {
	if err := rv.logs.MarkSignatureResult(ctx, logID, false, statusCode, &message); err != nil {
		rv.logger.Warn("failed to mark webhook log failed", zap.Error(err))
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// webhookSecretFor extracts the provider-specific signing secret from a
// decrypted credential map. Apple and Google verify by certificate
// chain / push-auth bearer rather than a shared secret, so they return
// "" and their normalizers ignore the parameter.
func webhookSecretFor(source models.Source, creds map[string]interface{}) string {
	switch source {
	case models.SourceStripe:
		return stringField(creds, "webhook_secret")
	case models.SourceRecurly:
		return stringField(creds, "webhook_signing_key")
	case models.SourceBraintree:
		return stringField(creds, "private_key")
	default:
		return ""
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

func writeError(w http.ResponseWriter, statusCode int, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{"error": message}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(body)
}
