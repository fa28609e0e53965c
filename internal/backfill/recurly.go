package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const recurlyAPIBase = "https://v3.recurly.com"

type recurlyImporter struct {
	httpClient *http.Client
}

// NewRecurlyImporter returns the Recurly historical importer. Recurly
// has no Go SDK anywhere in the corpus, so pagination is hand-rolled on
// net/http against the v3 REST API's cursor-based `cursor` query
// parameter, matching the hand-rolled decoding style of
// internal/normalize/recurly.go.
func NewRecurlyImporter() Importer {
	return &recurlyImporter{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type recurlySubscriptionPage struct {
	Data []struct {
		UUID    string `json:"uuid"`
		State   string `json:"state"`
		PlanID  string `json:"plan_code"`
		Account struct {
			Code  string `json:"code"`
			Email string `json:"email"`
		} `json:"account"`
	} `json:"data"`
	HasMore bool   `json:"has_more"`
	Next    string `json:"next"`
}

func (im *recurlyImporter) Import(ctx context.Context, creds map[string]interface{}, runID string, progress *Progress, emit func(SyntheticEvent) error) error {
	apiKey, _ := creds["api_key"].(string)
	if apiKey == "" {
		return fmt.Errorf("backfill: recurly credentials missing api_key")
	}

	cursor := ""
	for {
		page, err := im.fetchSubscriptionPage(ctx, apiKey, cursor)
		if err != nil {
			return fmt.Errorf("fetch subscriptions: %w", err)
		}

		for _, sub := range page.Data {
			progress.TotalCustomers++

			eventType := "renewed_subscription_notification"
			if sub.State == "canceled" {
				eventType = "canceled_subscription_notification"
			} else if sub.State == "expired" {
				eventType = "expired_subscription_notification"
			}

			body := syntheticRecurlyNotification(eventType, sub.Account.Code, sub.Account.Email, sub.UUID, sub.PlanID)
			if err := emit(SyntheticEvent{Body: body}); err != nil {
				return fmt.Errorf("emit subscription %s: %w", sub.UUID, err)
			}
			progress.ImportedCustomers++
			progress.ImportedEvents++
		}

		if !page.HasMore || page.Next == "" {
			break
		}
		cursor = page.Next
	}
	return nil
}

func (im *recurlyImporter) fetchSubscriptionPage(ctx context.Context, apiKey, cursor string) (*recurlySubscriptionPage, error) {
	q := url.Values{"limit": {"200"}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recurlyAPIBase+"/subscriptions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(apiKey, "")
	req.Header.Set("Accept", "application/vnd.recurly.v2021-02-25")

	resp, err := im.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recurly api returned %d", resp.StatusCode)
	}

	var page recurlySubscriptionPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode subscription page: %w", err)
	}
	return &page, nil
}

// syntheticRecurlyNotification builds the same classic XML envelope
// internal/normalize/recurly.go decodes from a live webhook.
func syntheticRecurlyNotification(eventType, accountCode, email, subUUID, planCode string) []byte {
	return []byte(fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><%s><account><account_code>%s</account_code><email>%s</email></account><subscription><uuid>%s</uuid><plan_code>%s</plan_code></subscription></%s>`,
		eventType, accountCode, email, subUUID, planCode, eventType,
	))
}
