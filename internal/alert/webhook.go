package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/revguard/revguard/pkg/models"
)

// webhookChannel posts an HMAC-SHA256 signed JSON payload to the
// per-org target URL, the same scheme CrossLogic's own generic
// webhook notifier used, renamed into revguard's header namespace.
type webhookChannel struct {
	client *http.Client
}

func newWebhookChannel() *webhookChannel {
	return &webhookChannel{client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	IssueID  string         `json:"issue_id"`
	OrgID    string         `json:"org_id"`
	Kind     string         `json:"kind"`
	Tier     string         `json:"tier"`
	Severity string         `json:"severity"`
	Summary  string         `json:"summary"`
	Details  map[string]any `json:"details,omitempty"`
	OpenedAt time.Time      `json:"opened_at"`
}

func (w *webhookChannel) Send(ctx context.Context, cfg models.AlertConfig, issue *models.Issue) error {
	body, err := json.Marshal(webhookPayload{
		IssueID:  issue.ID.String(),
		OrgID:    issue.OrgID.String(),
		Kind:     string(issue.Kind),
		Tier:     string(issue.Tier),
		Severity: string(issue.Severity),
		Summary:  issue.Summary,
		Details:  issue.Details,
		OpenedAt: issue.OpenedAt,
	})
	if err != nil {
		return fmt.Errorf("alert: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "revguard-alerts/1.0")
	if cfg.SigningKey != "" {
		req.Header.Set("X-Revguard-Signature", sign(cfg.SigningKey, body))
		req.Header.Set("X-Revguard-Issue-Id", issue.ID.String())
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook target returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
