package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/revguard/revguard/pkg/models"
)

// recurlySignatureTolerance bounds how stale a recurly-signature
// timestamp may be, matching Stripe's 300s replay window.
const recurlySignatureTolerance = 300 * time.Second

type recurlyNormalizer struct{}

// NewRecurlyNormalizer returns the Recurly normalizer. Recurly has no
// Go SDK anywhere in the reference corpus, so webhook decoding is
// hand-rolled on stdlib encoding/xml (Recurly's classic webhook body
// is XML, unlike the JSON bodies of Stripe, Apple and Google).
func NewRecurlyNormalizer() Normalizer {
	return &recurlyNormalizer{}
}

func (n *recurlyNormalizer) Source() models.Source { return models.SourceRecurly }

// VerifySignature checks `recurly-signature: timestamp,sig1,sig2,...`
// against HMAC-SHA256("timestamp.body", secret) in constant time,
// matching any one of the supplied signatures (supports key rotation).
func (n *recurlyNormalizer) VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error) {
	if secret == "" {
		return true, nil
	}

	header := headers["recurly-signature"]
	if header == "" {
		return false, nil
	}

	parts := strings.Split(header, ",")
	if len(parts) < 2 {
		return false, nil
	}

	timestamp := parts[0]
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false, nil
	}
	if age := time.Since(time.Unix(ts, 0)); age > recurlySignatureTolerance || age < -recurlySignatureTolerance {
		return false, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(raw)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range parts[1:] {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true, nil
		}
	}
	return false, nil
}

// recurlyNotification is the XML envelope of a classic Recurly webhook.
type recurlyNotification struct {
	XMLName xml.Name `xml:""`
	Account struct {
		AccountCode string `xml:"account_code"`
		Email       string `xml:"email"`
	} `xml:"account"`
	Subscription *struct {
		UUID      string `xml:"uuid"`
		PlanCode  string `xml:"plan_code"`
	} `xml:"subscription"`
	Transaction *struct {
		UUID   string `xml:"uuid"`
		Amount string `xml:"amount_in_cents"`
	} `xml:"transaction"`
}

func (n *recurlyNormalizer) Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error) {
	var note recurlyNotification
	if err := xml.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("normalize: decode recurly xml: %w", err)
	}

	eventType, ok := recurlyEventTypeMap[note.XMLName.Local]
	if !ok {
		// Explicit skip per spec: new_charge_invoice_notification and
		// any other unmapped type maps to an empty canonical event list.
		return nil, nil
	}

	providerEventID := note.Account.AccountCode
	if note.Subscription != nil {
		providerEventID = note.Subscription.UUID
	}
	if note.Transaction != nil {
		providerEventID = note.Transaction.UUID
	}

	productRef := ""
	if note.Subscription != nil {
		productRef = note.Subscription.PlanCode
	}

	var amount *int64
	if note.Transaction != nil && note.Transaction.Amount != "" {
		if cents, err := strconv.ParseInt(note.Transaction.Amount, 10, 64); err == nil {
			amount = &cents
		}
	}

	hints := []IdentityHint{
		{Source: models.SourceRecurly, IDType: "account_code", ExternalID: note.Account.AccountCode},
	}
	if note.Account.Email != "" {
		hints = append(hints, IdentityHint{Source: models.SourceRecurly, IDType: "email", ExternalID: strings.ToLower(strings.TrimSpace(note.Account.Email))})
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceRecurly,
			ProviderEventID:    providerEventID,
			IdempotencyKey:     idempotencyKey(models.SourceRecurly, providerEventID, note.XMLName.Local),
			Type:               eventType,
			ExternalUserRef:    note.Account.AccountCode,
			ExternalProductRef: productRef,
			OccurredAt:         time.Now().UTC(),
			RawPayload:         raw,
		},
		Hints:  hints,
		Amount: amount,
	}
	return []NormalizedEvent{ne}, nil
}

var recurlyEventTypeMap = map[string]models.CanonicalEventType{
	"new_subscription_notification":        models.EventPurchaseInitial,
	"renewed_subscription_notification":    models.EventRenewalSuccess,
	"canceled_subscription_notification":   models.EventCancellation,
	"expired_subscription_notification":    models.EventExpiration,
	"successful_payment_notification":      models.EventRenewalSuccess,
	"failed_payment_notification":          models.EventRenewalFailure,
	"successful_refund_notification":       models.EventRefund,
	"reactivated_account_notification":     models.EventResume,
}
