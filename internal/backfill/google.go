package backfill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

type googleImporter struct{}

// NewGoogleImporter returns the Google Play historical importer. It
// authenticates via the same service-account JSON the C4 Google
// normalizer's registry accepts, then lists voided purchases through
// androidpublisher/v3 and replays each as a synthetic Pub/Sub RTDN
// envelope, matching exactly what internal/normalize's Google
// normalizer already decodes.
func NewGoogleImporter() Importer {
	return &googleImporter{}
}

func (im *googleImporter) Import(ctx context.Context, creds map[string]interface{}, runID string, progress *Progress, emit func(SyntheticEvent) error) error {
	serviceAccountJSON, _ := creds["service_account_json"].(string)
	packageName, _ := creds["package_name"].(string)
	if serviceAccountJSON == "" || packageName == "" {
		return fmt.Errorf("backfill: google credentials missing service_account_json or package_name")
	}

	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		return fmt.Errorf("backfill: build androidpublisher client: %w", err)
	}

	call := svc.Purchases.Voidedpurchases.List(packageName).Context(ctx).MaxResults(100)
	for {
		resp, err := call.Do()
		if err != nil {
			return fmt.Errorf("list voided purchases: %w", err)
		}

		for _, vp := range resp.VoidedPurchases {
			progress.TotalEvents++

			body, err := syntheticGoogleVoidedPurchase(fmt.Sprintf("backfill_%s_%s", vp.OrderId, runID), packageName, vp)
			if err != nil {
				progress.Errors = append(progress.Errors, err.Error())
				continue
			}
			if err := emit(SyntheticEvent{Body: body}); err != nil {
				return fmt.Errorf("emit voided purchase %s: %w", vp.OrderId, err)
			}
			progress.ImportedEvents++
		}

		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			break
		}
		call = call.Token(resp.TokenPagination.NextPageToken)
	}
	return nil
}

// syntheticGoogleVoidedPurchase builds a Pub/Sub push envelope whose
// base64 message.data matches the shape internal/normalize's Google
// normalizer expects for a voidedPurchaseNotification.
func syntheticGoogleVoidedPurchase(messageID, packageName string, vp *androidpublisher.VoidedPurchase) ([]byte, error) {
	rtdn := map[string]interface{}{
		"version":     "1.0",
		"packageName": packageName,
		"eventTimeMillis": fmt.Sprintf("%d", time.Now().UnixMilli()),
		"voidedPurchaseNotification": map[string]interface{}{
			"purchaseToken": vp.PurchaseToken,
			"orderId":       vp.OrderId,
			"productType":   vp.ProductType,
			"refundType":    vp.RefundType,
		},
	}
	data, err := json.Marshal(rtdn)
	if err != nil {
		return nil, fmt.Errorf("marshal rtdn: %w", err)
	}

	envelope := map[string]interface{}{
		"message": map[string]interface{}{
			"data":        base64.StdEncoding.EncodeToString(data),
			"messageId":   messageID,
			"publishTime": time.Now().UTC().Format(time.RFC3339),
		},
		"subscription": "projects/revguard/subscriptions/play-rtdn-backfill",
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}
