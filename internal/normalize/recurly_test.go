package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recurlyBody = `<?xml version="1.0" encoding="UTF-8"?>
<renewed_subscription_notification>
  <account>
    <account_code>cust-42</account_code>
    <email>User@Example.com</email>
  </account>
  <subscription>
    <uuid>sub-abc123</uuid>
    <plan_code>pro-monthly</plan_code>
  </subscription>
</renewed_subscription_notification>`

func recurlySign(secret, body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "." + body))
	return strconv.FormatInt(ts, 10) + "," + hex.EncodeToString(mac.Sum(nil))
}

func TestRecurlyVerifySignature(t *testing.T) {
	n := NewRecurlyNormalizer()
	ctx := context.Background()

	t.Run("valid signature", func(t *testing.T) {
		header := recurlySign("whsec_test", recurlyBody, time.Now().Unix())
		ok, err := n.VerifySignature(ctx, []byte(recurlyBody), map[string]string{"recurly-signature": header}, "whsec_test")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		header := recurlySign("whsec_other", recurlyBody, time.Now().Unix())
		ok, err := n.VerifySignature(ctx, []byte(recurlyBody), map[string]string{"recurly-signature": header}, "whsec_test")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stale timestamp fails", func(t *testing.T) {
		stale := time.Now().Add(-10 * time.Minute).Unix()
		header := recurlySign("whsec_test", recurlyBody, stale)
		ok, err := n.VerifySignature(ctx, []byte(recurlyBody), map[string]string{"recurly-signature": header}, "whsec_test")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no secret skips verification", func(t *testing.T) {
		ok, err := n.VerifySignature(ctx, []byte(recurlyBody), map[string]string{}, "")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRecurlyNormalize(t *testing.T) {
	n := NewRecurlyNormalizer()
	events, err := n.Normalize(context.Background(), "org-1", []byte(recurlyBody))
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0].Event
	assert.Equal(t, "sub-abc123", e.ProviderEventID)
	assert.Equal(t, "recurly:sub-abc123:renewed_subscription_notification", e.IdempotencyKey)
	assert.Equal(t, "cust-42", e.ExternalUserRef)
	assert.Equal(t, "pro-monthly", e.ExternalProductRef)

	require.Len(t, events[0].Hints, 2)
	assert.Equal(t, "account_code", events[0].Hints[0].IDType)
	assert.Equal(t, "email", events[0].Hints[1].IDType)
	assert.Equal(t, "user@example.com", events[0].Hints[1].ExternalID)
}

func TestRecurlyNormalizeUnmappedKind(t *testing.T) {
	n := NewRecurlyNormalizer()
	body := `<new_charge_invoice_notification><account><account_code>cust-1</account_code></account></new_charge_invoice_notification>`
	events, err := n.Normalize(context.Background(), "org-1", []byte(body))
	require.NoError(t, err)
	assert.Nil(t, events)
}
