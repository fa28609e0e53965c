// Package vault provides authenticated encryption for per-tenant billing
// provider credentials (C2).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrConfigMissing is returned when an encrypted value is presented but
// no key is configured to decrypt it.
var ErrConfigMissing = errors.New("vault: no encryption key configured")

// ErrCryptoAuth is returned when ciphertext fails the GCM authentication
// tag check against both the current and previous key.
var ErrCryptoAuth = errors.New("vault: authentication failed")

const (
	envelopePrefix = "enc:v1:"
	pbkdf2Salt     = "revguard-credential-vault-salt"
)

// Vault encrypts and decrypts provider credentials with AES-256-GCM.
// A previous key may be set to allow lossless rotation: Decrypt tries
// the current key first and falls back to the previous key on auth
// failure. Encrypt always uses the current key.
type Vault struct {
	currentKey  []byte
	previousKey []byte
}

// New derives a Vault from the raw master key material (and, optionally,
// a previous master key retained during a rotation window). Keys are
// passed through PBKDF2-SHA256 to produce a 32-byte AES-256 key.
func New(masterKey, previousKey string, iterations int) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrConfigMissing
	}
	if iterations <= 0 {
		iterations = 100000
	}
	v := &Vault{
		currentKey: deriveKey(masterKey, iterations),
	}
	if previousKey != "" {
		v.previousKey = deriveKey(previousKey, iterations)
	}
	return v, nil
}

func deriveKey(masterKey string, iterations int) []byte {
	return pbkdf2.Key([]byte(masterKey), []byte(pbkdf2Salt), iterations, 32, sha256.New)
}

// Encrypt marshals credentials to JSON and returns the `enc:v1:` envelope.
func (v *Vault) Encrypt(credentials interface{}) (string, error) {
	if v == nil || len(v.currentKey) == 0 {
		return "", ErrConfigMissing
	}

	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("vault: marshal credentials: %w", err)
	}

	ciphertext, err := seal(v.currentKey, plaintext)
	if err != nil {
		return "", err
	}

	return envelopePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt accepts either an `enc:v1:` envelope or a legacy plaintext
// value (passed through untouched) and unmarshals the result into output.
func (v *Vault) Decrypt(stored string, output interface{}) error {
	if !strings.HasPrefix(stored, envelopePrefix) {
		// Legacy plaintext value: pass through untouched.
		return json.Unmarshal([]byte(stored), output)
	}

	if v == nil || len(v.currentKey) == 0 {
		return ErrConfigMissing
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, envelopePrefix))
	if err != nil {
		return fmt.Errorf("vault: decode envelope: %w", err)
	}

	plaintext, err := open(v.currentKey, raw)
	if err != nil {
		if len(v.previousKey) > 0 {
			if pt, fallbackErr := open(v.previousKey, raw); fallbackErr == nil {
				plaintext = pt
			} else {
				return ErrCryptoAuth
			}
		} else {
			return ErrCryptoAuth
		}
	}

	if err := json.Unmarshal(plaintext, output); err != nil {
		return fmt.Errorf("vault: unmarshal decrypted payload: %w", err)
	}
	return nil
}

// DecryptToMap decrypts into a generic map, for callers that don't know
// the provider-specific credential shape ahead of time.
func (v *Vault) DecryptToMap(stored string) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := v.Decrypt(stored, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Rotate re-encrypts a stored value under the current key, having
// decrypted it with whichever of current/previous key matches.
func (v *Vault) Rotate(stored string) (string, error) {
	var creds map[string]interface{}
	if err := v.Decrypt(stored, &creds); err != nil {
		return "", err
	}
	return v.Encrypt(creds)
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("vault: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

// ValidateCredentialsStructure validates provider-specific credential
// payloads before they are accepted into a billing connection.
func ValidateCredentialsStructure(provider string, credentials interface{}) error {
	jsonData, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("invalid credentials structure: %w", err)
	}

	switch provider {
	case "stripe":
		var c StripeCredentials
		if err := json.Unmarshal(jsonData, &c); err != nil {
			return fmt.Errorf("invalid stripe credentials structure: %w", err)
		}
		if c.SecretKey == "" || c.WebhookSecret == "" {
			return fmt.Errorf("stripe credentials must include secret_key and webhook_secret")
		}
	case "apple":
		var c AppleCredentials
		if err := json.Unmarshal(jsonData, &c); err != nil {
			return fmt.Errorf("invalid apple credentials structure: %w", err)
		}
		if c.BundleID == "" || c.IssuerID == "" || c.KeyID == "" || c.PrivateKey == "" {
			return fmt.Errorf("apple credentials must include bundle_id, issuer_id, key_id, and private_key")
		}
	case "google":
		var c GoogleCredentials
		if err := json.Unmarshal(jsonData, &c); err != nil {
			return fmt.Errorf("invalid google credentials structure: %w", err)
		}
		if c.PackageName == "" || c.ServiceAccountJSON == nil {
			return fmt.Errorf("google credentials must include package_name and service_account_json")
		}
	case "recurly":
		var c RecurlyCredentials
		if err := json.Unmarshal(jsonData, &c); err != nil {
			return fmt.Errorf("invalid recurly credentials structure: %w", err)
		}
		if c.APIKey == "" || c.WebhookSigningKey == "" {
			return fmt.Errorf("recurly credentials must include api_key and webhook_signing_key")
		}
	case "braintree":
		var c BraintreeCredentials
		if err := json.Unmarshal(jsonData, &c); err != nil {
			return fmt.Errorf("invalid braintree credentials structure: %w", err)
		}
		if c.MerchantID == "" || c.PublicKey == "" || c.PrivateKey == "" {
			return fmt.Errorf("braintree credentials must include merchant_id, public_key, and private_key")
		}
	default:
		return fmt.Errorf("unsupported provider: %s", provider)
	}

	return nil
}
