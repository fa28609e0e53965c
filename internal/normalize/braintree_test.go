package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const braintreePayloadXML = `<?xml version="1.0" encoding="UTF-8"?>
<notification>
  <timestamp>2026-07-30T12:00:00Z</timestamp>
  <kind>subscription_charged_successfully</kind>
  <subject>
    <subscription>
      <id>sub-99</id>
      <plan-id>pro-monthly</plan-id>
      <price>19.99</price>
    </subscription>
  </subject>
</notification>`

func braintreeForm(secret, payload string) []byte {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(payload))
	sig := "public_key|" + hex.EncodeToString(mac.Sum(nil))

	v := url.Values{}
	v.Set("bt_signature", sig)
	v.Set("bt_payload", payload)
	return []byte(v.Encode())
}

func TestBraintreeVerifySignature(t *testing.T) {
	n := NewBraintreeNormalizer()
	ctx := context.Background()
	payload := base64.StdEncoding.EncodeToString([]byte(braintreePayloadXML))

	t.Run("valid signature", func(t *testing.T) {
		body := braintreeForm("secret123", payload)
		ok, err := n.VerifySignature(ctx, body, nil, "secret123")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		body := braintreeForm("secret123", payload)
		ok, err := n.VerifySignature(ctx, body, nil, "other")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no secret skips verification", func(t *testing.T) {
		ok, err := n.VerifySignature(ctx, []byte("bt_payload=x"), nil, "")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestBraintreeNormalize(t *testing.T) {
	n := NewBraintreeNormalizer()
	payload := base64.StdEncoding.EncodeToString([]byte(braintreePayloadXML))
	body := braintreeForm("secret123", payload)

	events, err := n.Normalize(context.Background(), "org-1", body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0].Event
	assert.Equal(t, "sub-99", e.ProviderEventID)
	assert.Equal(t, "pro-monthly", e.ExternalProductRef)
	require.NotNil(t, events[0].Amount)
	assert.Equal(t, int64(1999), *events[0].Amount)
}

func TestBraintreeNormalizeUnmappedKind(t *testing.T) {
	n := NewBraintreeNormalizer()
	unmapped := `<notification><kind>account_updated</kind></notification>`
	payload := base64.StdEncoding.EncodeToString([]byte(unmapped))
	body := braintreeForm("secret123", payload)

	events, err := n.Normalize(context.Background(), "org-1", body)
	require.NoError(t, err)
	assert.Nil(t, events)
}
