package normalize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revguard/revguard/pkg/models"
)

type googleNormalizer struct{}

// NewGoogleNormalizer returns the Google Play Real-Time Developer
// Notifications normalizer. VerifySignature here only checks that the
// Pub/Sub envelope parses and carries message.data; the Pub/Sub push
// bearer JWT is not verified anywhere in this service.
func NewGoogleNormalizer() Normalizer {
	return &googleNormalizer{}
}

func (n *googleNormalizer) Source() models.Source { return models.SourceGoogle }

// pubsubEnvelope is the outer Pub/Sub push delivery shape.
type pubsubEnvelope struct {
	Message struct {
		Data       string `json:"data"`
		MessageID  string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// googleRTDN is the base64-decoded `message.data` payload.
type googleRTDN struct {
	Version          string `json:"version"`
	PackageName      string `json:"packageName"`
	EventTimeMillis  string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		ProductType   int    `json:"productType"`
		RefundType    int    `json:"refundType"`
	} `json:"voidedPurchaseNotification"`
}

func (n *googleNormalizer) VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error) {
	var envelope pubsubEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, nil
	}
	if envelope.Message.Data == "" {
		return false, nil
	}
	return true, nil
}

// Google Play RTDN subscriptionNotification.notificationType values.
const (
	googleTypeRecovered           = 1
	googleTypeRenewed             = 2
	googleTypeCanceled            = 3
	googleTypePurchased           = 4
	googleTypeOnHold              = 5
	googleTypeInGracePeriod       = 6
	googleTypeRestarted           = 7
	googleTypePriceChangeConfirmed = 8
	googleTypeDeferred            = 9
	googleTypePaused              = 10
	googleTypePauseScheduleChanged = 11
	googleTypeRevoked             = 12
	googleTypeExpired             = 13
)

func (n *googleNormalizer) Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error) {
	var envelope pubsubEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("normalize: decode google pubsub envelope: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("normalize: decode google message data: %w", err)
	}

	var rtdn googleRTDN
	if err := json.Unmarshal(decoded, &rtdn); err != nil {
		return nil, fmt.Errorf("normalize: decode google rtdn: %w", err)
	}

	if rtdn.VoidedPurchaseNotification != nil {
		return n.voidedPurchase(envelope, rtdn)
	}
	if rtdn.SubscriptionNotification != nil {
		return n.subscriptionNotification(envelope, rtdn)
	}
	return nil, nil
}

func (n *googleNormalizer) subscriptionNotification(envelope pubsubEnvelope, rtdn googleRTDN) ([]NormalizedEvent, error) {
	sn := rtdn.SubscriptionNotification

	eventType, ok := googleEventTypeMap[sn.NotificationType]
	if !ok {
		return nil, nil
	}

	hints := []IdentityHint{
		{Source: models.SourceGoogle, IDType: "purchase_token", ExternalID: sn.PurchaseToken,
			Metadata: map[string]string{"package_name": rtdn.PackageName}},
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceGoogle,
			ProviderEventID:    envelope.Message.MessageID,
			IdempotencyKey:     idempotencyKey(models.SourceGoogle, envelope.Message.MessageID, sn.PurchaseToken),
			Type:               eventType,
			ExternalUserRef:    sn.PurchaseToken,
			ExternalProductRef: sn.SubscriptionID,
			OccurredAt:         time.Now().UTC(),
			RawPayload:         nil,
		},
		Hints: hints,
	}
	return []NormalizedEvent{ne}, nil
}

func (n *googleNormalizer) voidedPurchase(envelope pubsubEnvelope, rtdn googleRTDN) ([]NormalizedEvent, error) {
	vp := rtdn.VoidedPurchaseNotification

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:          models.SourceGoogle,
			ProviderEventID: envelope.Message.MessageID,
			IdempotencyKey:  idempotencyKey(models.SourceGoogle, envelope.Message.MessageID, vp.OrderID),
			Type:            models.EventRefund,
			ExternalUserRef: vp.PurchaseToken,
			OccurredAt:      time.Now().UTC(),
		},
		Hints: []IdentityHint{
			{Source: models.SourceGoogle, IDType: "purchase_token", ExternalID: vp.PurchaseToken},
		},
	}
	return []NormalizedEvent{ne}, nil
}

var googleEventTypeMap = map[int]models.CanonicalEventType{
	googleTypePurchased:     models.EventPurchaseInitial,
	googleTypeRenewed:       models.EventRenewalSuccess,
	googleTypeRecovered:     models.EventRenewalSuccess,
	googleTypeRestarted:     models.EventRenewalSuccess,
	googleTypeCanceled:      models.EventCancellation,
	googleTypeInGracePeriod: models.EventGracePeriodEntered,
	googleTypeOnHold:        models.EventBillingRetry,
	googleTypePaused:        models.EventPause,
	googleTypeRevoked:       models.EventRefund,
	googleTypeExpired:       models.EventExpiration,
	googleTypeDeferred:      models.EventPlanChange,
}
