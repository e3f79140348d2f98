// Package payment issues gateway orders and verifies gateway payment signatures.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of "orderID|paymentID" under secret,
// the value the gateway attaches to a successful checkout.
func Sign(orderID, paymentID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the gateway signature for the
// order and payment ids. The comparison is constant time.
func VerifySignature(orderID, paymentID, signature string, secret []byte) bool {
	expected := Sign(orderID, paymentID, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Verifier checks gateway signatures with a secret bound at construction.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the gateway key secret.
func NewVerifier(keySecret string) *Verifier {
	return &Verifier{secret: []byte(keySecret)}
}

// Verify reports whether signature matches orderID and paymentID.
func (v *Verifier) Verify(orderID, paymentID, signature string) bool {
	return VerifySignature(orderID, paymentID, signature, v.secret)
}
