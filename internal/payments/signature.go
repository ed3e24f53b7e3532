package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingSigningSecret is returned when a signer is built without a secret.
var ErrMissingSigningSecret = errors.New("payments: signing secret is required")

// Signer produces and checks gateway completion signatures:
// hex(HMAC-SHA256(secret, reference + "|" + paymentID)).
type Signer struct {
	secret []byte
}

// NewSigner constructs a signer over the shared gateway secret.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSigningSecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the signature for the reference and payment id.
func (s *Signer) Sign(reference, paymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.TrimSpace(reference)))
	mac.Write([]byte("|"))
	mac.Write([]byte(strings.TrimSpace(paymentID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches in constant time.
func (s *Signer) Verify(reference, paymentID, signature string) bool {
	if s == nil {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(provided) == 0 {
		return false
	}
	expected, _ := hex.DecodeString(s.Sign(reference, paymentID))
	return hmac.Equal(provided, expected)
}
