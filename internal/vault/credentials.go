package vault

// Provider-specific credential structures stored, encrypted, in
// billing_connections.encrypted_creds.

// StripeCredentials holds the secret key and webhook signing secret for
// a tenant's Stripe account.
type StripeCredentials struct {
	SecretKey     string `json:"secret_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// AppleCredentials holds App Store Server API / Notifications v2 config.
type AppleCredentials struct {
	BundleID   string `json:"bundle_id"`
	IssuerID   string `json:"issuer_id"`
	KeyID      string `json:"key_id"`
	PrivateKey string `json:"private_key"`
}

// GoogleCredentials holds Google Play RTDN / Publisher API config.
type GoogleCredentials struct {
	PackageName        string                 `json:"package_name"`
	ServiceAccountJSON map[string]interface{} `json:"service_account_json"`
	PubSubTopic        string                 `json:"pubsub_topic,omitempty"`
}

// RecurlyCredentials holds Recurly API key and webhook signing key(s).
type RecurlyCredentials struct {
	APIKey            string   `json:"api_key"`
	WebhookSigningKey string   `json:"webhook_signing_key"`
	SubDomain         string   `json:"subdomain"`
	PreviousSignKeys  []string `json:"previous_signing_keys,omitempty"`
}

// BraintreeCredentials holds Braintree gateway credentials.
type BraintreeCredentials struct {
	MerchantID string `json:"merchant_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Sandbox    bool   `json:"sandbox"`
}

// SupportedProviders lists all billing providers the vault validates.
var SupportedProviders = []string{"stripe", "apple", "google", "recurly", "braintree"}

// IsValidProvider checks if the provider is supported.
func IsValidProvider(provider string) bool {
	for _, p := range SupportedProviders {
		if p == provider {
			return true
		}
	}
	return false
}
