package normalize

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/revguard/revguard/pkg/models"
)

// minAppleCertChainLength is the spec's "require >= 3 certs" rule:
// leaf, intermediate, root.
const minAppleCertChainLength = 3

type appleNormalizer struct {
	rootCA *x509.Certificate
}

// NewAppleNormalizer returns the Apple App Store Server Notifications
// v2 normalizer, pinned to the given embedded Apple Root CA G3 PEM.
func NewAppleNormalizer(rootCAPEM []byte) Normalizer {
	n := &appleNormalizer{}
	if len(rootCAPEM) > 0 {
		if block, _ := pem.Decode(rootCAPEM); block != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				n.rootCA = cert
			}
		}
	}
	return n
}

func (n *appleNormalizer) Source() models.Source { return models.SourceApple }

// applePayload is the decoded JWS payload for a v2 notification.
type applePayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID               string `json:"bundleId"`
		Environment            string `json:"environment"`
		SignedTransactionInfo  string `json:"signedTransactionInfo"`
		SignedRenewalInfo      string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type appleTransactionInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	Price                 int64  `json:"price"` // milliunits
	Currency              string `json:"currency"`
	AppAccountToken       string `json:"appAccountToken"`
	PurchaseDate          int64  `json:"purchaseDate"` // ms epoch
	ExpiresDate           int64  `json:"expiresDate"`
}

// VerifySignature parses the compact JWS, walks the x5c chain declared
// in the protected header, and requires the root to byte-exact match
// the pinned Apple Root CA. The actual signing key is the chain's leaf.
func (n *appleNormalizer) VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error) {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, nil
	}

	msg, err := jws.Parse([]byte(envelope.SignedPayload))
	if err != nil {
		return false, nil
	}

	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return false, nil
	}

	chain, ok := sigs[0].ProtectedHeaders().X509CertChain()
	if !ok || chain.Len() < minAppleCertChainLength {
		return false, nil
	}

	rootDER, ok := chain.Get(chain.Len() - 1)
	if !ok {
		return false, nil
	}
	rootBytes, err := decodeCertEntry(rootDER)
	if err != nil {
		return false, nil
	}

	if n.rootCA == nil || !bytes.Equal(rootBytes, n.rootCA.Raw) {
		return false, nil
	}

	leafDER, ok := chain.Get(0)
	if !ok {
		return false, nil
	}
	leafBytes, err := decodeCertEntry(leafDER)
	if err != nil {
		return false, nil
	}
	leaf, err := x509.ParseCertificate(leafBytes)
	if err != nil {
		return false, nil
	}

	if _, err := jws.Verify([]byte(envelope.SignedPayload), jws.WithKey(sigs[0].ProtectedHeaders().Algorithm(), leaf.PublicKey)); err != nil {
		return false, nil
	}

	return true, nil
}

func decodeCertEntry(entry interface{}) ([]byte, error) {
	switch v := entry.(type) {
	case []byte:
		return v, nil
	case string:
		return base64.StdEncoding.DecodeString(v)
	default:
		return nil, fmt.Errorf("normalize: unsupported x5c entry type %T", entry)
	}
}

func (n *appleNormalizer) Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error) {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("normalize: decode apple envelope: %w", err)
	}

	msg, err := jws.Parse([]byte(envelope.SignedPayload))
	if err != nil {
		return nil, fmt.Errorf("normalize: parse apple jws: %w", err)
	}

	var payload applePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("normalize: decode apple payload: %w", err)
	}

	txMsg, err := jws.Parse([]byte(payload.Data.SignedTransactionInfo))
	if err != nil {
		return nil, fmt.Errorf("normalize: parse apple transaction jws: %w", err)
	}
	var tx appleTransactionInfo
	if err := json.Unmarshal(txMsg.Payload(), &tx); err != nil {
		return nil, fmt.Errorf("normalize: decode apple transaction info: %w", err)
	}

	eventType, ok := appleEventTypeMap[payload.NotificationType+"/"+payload.Subtype]
	if !ok {
		eventType, ok = appleEventTypeMap[payload.NotificationType]
	}
	if !ok {
		return nil, nil
	}

	amountCents := tx.Price * 1000 // Apple reports price in milliunits

	hints := []IdentityHint{
		{Source: models.SourceApple, IDType: "original_transaction_id", ExternalID: tx.OriginalTransactionID},
	}
	if tx.AppAccountToken != "" {
		hints = append(hints, IdentityHint{Source: models.SourceApple, IDType: "app_account_token", ExternalID: tx.AppAccountToken})
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceApple,
			ProviderEventID:    payload.NotificationUUID,
			IdempotencyKey:     idempotencyKey(models.SourceApple, payload.NotificationUUID, ""),
			Type:               eventType,
			ExternalUserRef:    tx.OriginalTransactionID,
			ExternalProductRef: tx.ProductID,
			OccurredAt:         timeOrNow(time.UnixMilli(tx.PurchaseDate)),
			RawPayload:         raw,
		},
		Hints:  hints,
		Amount: &amountCents,
	}
	return []NormalizedEvent{ne}, nil
}

var appleEventTypeMap = map[string]models.CanonicalEventType{
	"SUBSCRIBED/INITIAL_BUY":       models.EventPurchaseInitial,
	"SUBSCRIBED/RESUBSCRIBE":       models.EventRenewalSuccess,
	"DID_RENEW":                    models.EventRenewalSuccess,
	"DID_FAIL_TO_RENEW/GRACE_PERIOD": models.EventGracePeriodEntered,
	"DID_FAIL_TO_RENEW":            models.EventRenewalFailure,
	"EXPIRED":                      models.EventExpiration,
	"DID_CHANGE_RENEWAL_STATUS/AUTO_RENEW_DISABLED": models.EventCancellation,
	"DID_CHANGE_RENEWAL_PREF/UPGRADE":                models.EventPlanChange,
	"DID_CHANGE_RENEWAL_PREF/DOWNGRADE":              models.EventPlanChange,
	"REFUND":                       models.EventRefund,
	"REVOKE":                       models.EventRefund,
	"GRACE_PERIOD_EXPIRED":         models.EventExpiration,
}
