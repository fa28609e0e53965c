// Package normalize turns each provider's webhook payload into the
// canonical event vocabulary, one file per source, registered by
// models.Source in registry.go.
package normalize

import (
	"context"
	"time"

	"github.com/revguard/revguard/pkg/models"
)

// IdentityHint is one identifier surfaced by a provider payload, used
// by the identity resolver (C8) to find or create a user.
type IdentityHint struct {
	Source     models.Source
	IDType     string // "customer_id", "email", "app_account_token", "original_transaction_id"
	ExternalID string
	Metadata   map[string]string
}

// NormalizedEvent is one canonical event plus the identity hints and
// product reference extracted alongside it, before identity
// resolution assigns a user_id.
type NormalizedEvent struct {
	Event  models.CanonicalEvent
	Hints  []IdentityHint
	Amount *int64 // cents, nil if not a financial event
}

// Normalizer is the per-provider contract: verify the inbound
// signature, decode the payload into zero or more canonical events,
// and extract every identity hint present.
type Normalizer interface {
	Source() models.Source

	// VerifySignature fails closed on malformed input or a bad
	// signature: it returns false, nil (not an error) unless the
	// verification process itself could not run. An empty secret skips
	// verification and returns true.
	VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error)

	// Normalize maps one raw delivery into zero, one, or several
	// canonical events. Unmapped source event types return an empty
	// slice, not an error.
	Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error)
}

// idempotencyKey builds the "{source}:{provider_event_id}[:{discriminator}]" key.
func idempotencyKey(source models.Source, providerEventID, discriminator string) string {
	key := string(source) + ":" + providerEventID
	if discriminator != "" {
		key += ":" + discriminator
	}
	return key
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
