package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/url"
	"time"

	"github.com/revguard/revguard/pkg/models"
)

type braintreeNormalizer struct{}

// NewBraintreeNormalizer returns the Braintree normalizer. Braintree
// has no Go SDK anywhere in the reference corpus; its classic webhook
// format (`bt_signature`/`bt_payload` form fields, base64+XML body) is
// decoded with stdlib encoding/xml, encoding/base64, and crypto/hmac.
func NewBraintreeNormalizer() Normalizer {
	return &braintreeNormalizer{}
}

func (n *braintreeNormalizer) Source() models.Source { return models.SourceBraintree }

// VerifySignature expects raw to be the urlencoded form body
// containing bt_signature and bt_payload, per Braintree's webhook
// gateway contract.
func (n *braintreeNormalizer) VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error) {
	if secret == "" {
		return true, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return false, nil
	}

	signature := values.Get("bt_signature")
	payload := values.Get("bt_payload")
	if signature == "" || payload == "" {
		return false, nil
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range splitSignatures(signature) {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true, nil
		}
	}
	return false, nil
}

func splitSignatures(header string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == '&' {
			if i > start {
				part := header[start:i]
				if idx := indexOfPipe(part); idx >= 0 {
					out = append(out, part[idx+1:])
				} else {
					out = append(out, part)
				}
			}
			start = i + 1
		}
	}
	return out
}

func indexOfPipe(s string) int {
	for i, c := range s {
		if c == '|' {
			return i
		}
	}
	return -1
}

// braintreeNotification is the XML payload embedded (base64) in bt_payload.
type braintreeNotification struct {
	XMLName      xml.Name `xml:"notification"`
	Kind         string   `xml:"kind"`
	Timestamp    string   `xml:"timestamp"`
	Subscription *struct {
		ID     string `xml:"id"`
		PlanID string `xml:"plan-id"`
		Price  string `xml:"price"`
	} `xml:"subject>subscription"`
	Transaction *struct {
		ID       string `xml:"id"`
		Amount   string `xml:"amount"`
		Customer struct {
			ID string `xml:"id"`
		} `xml:"customer"`
	} `xml:"subject>transaction"`
}

func (n *braintreeNormalizer) Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("normalize: decode braintree form body: %w", err)
	}

	payload := values.Get("bt_payload")
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("normalize: decode braintree payload: %w", err)
	}

	var note braintreeNotification
	if err := xml.Unmarshal(decoded, &note); err != nil {
		return nil, fmt.Errorf("normalize: decode braintree xml: %w", err)
	}

	eventType, ok := braintreeEventTypeMap[note.Kind]
	if !ok {
		return nil, nil
	}

	providerEventID := note.Kind + ":" + note.Timestamp
	externalUserRef := ""
	productRef := ""
	var amount *int64

	if note.Subscription != nil {
		providerEventID = note.Subscription.ID
		productRef = note.Subscription.PlanID
		if cents, ok := parseDollarsToCents(note.Subscription.Price); ok {
			amount = &cents
		}
	}
	if note.Transaction != nil {
		providerEventID = note.Transaction.ID
		externalUserRef = note.Transaction.Customer.ID
		if cents, ok := parseDollarsToCents(note.Transaction.Amount); ok {
			amount = &cents
		}
	}

	hints := []IdentityHint{}
	if externalUserRef != "" {
		hints = append(hints, IdentityHint{Source: models.SourceBraintree, IDType: "customer_id", ExternalID: externalUserRef})
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceBraintree,
			ProviderEventID:    providerEventID,
			IdempotencyKey:     idempotencyKey(models.SourceBraintree, providerEventID, note.Kind),
			Type:               eventType,
			ExternalUserRef:    externalUserRef,
			ExternalProductRef: productRef,
			OccurredAt:         time.Now().UTC(),
			RawPayload:         decoded,
		},
		Hints:  hints,
		Amount: amount,
	}
	return []NormalizedEvent{ne}, nil
}

// parseDollarsToCents parses Braintree's decimal-dollars amount string
// ("19.99") into integer cents.
func parseDollarsToCents(s string) (int64, bool) {
	var whole, frac int64
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0, false
	}
	if _, err := fmt.Sscanf(s[:dot], "%d", &whole); err != nil {
		return 0, false
	}
	fracStr := s[dot+1:]
	if len(fracStr) > 2 {
		fracStr = fracStr[:2]
	}
	for len(fracStr) < 2 {
		fracStr += "0"
	}
	if _, err := fmt.Sscanf(fracStr, "%d", &frac); err != nil {
		return 0, false
	}
	return whole*100 + frac, true
}

var braintreeEventTypeMap = map[string]models.CanonicalEventType{
	"subscription_went_active":            models.EventPurchaseInitial,
	"subscription_charged_successfully":   models.EventRenewalSuccess,
	"subscription_charged_unsuccessfully": models.EventRenewalFailure,
	"subscription_canceled":               models.EventCancellation,
	"subscription_expired":                models.EventExpiration,
	"subscription_went_past_due":          models.EventBillingRetry,
	"transaction_settled":                 models.EventRenewalSuccess,
	"dispute_opened":                      models.EventChargeback,
	"transaction_disbursed":               models.EventRenewalSuccess,
}
