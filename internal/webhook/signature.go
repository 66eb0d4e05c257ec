// Package webhook implements the CHAT webhook reconciler. Signature
// verification uses hmac.New(sha256.New, ...) over the raw request body,
// hex-encoded, compared with constant-time hmac.Equal.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature header")
	ErrInvalidSignature = errors.New("webhook: invalid HMAC signature")
)

const signatureHeader = "X-Chat-Signature"

// VerifySignature checks the HMAC-SHA256 of the raw body against the
// shared secret. Absence of a signature is tolerated only in development
// mode (devMode=true).
func VerifySignature(body []byte, signature, secret string, devMode bool) error {
	if signature == "" {
		if devMode {
			return nil
		}
		return ErrMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignatureFromRequest reads the signature header used on inbound CHAT
// webhook POSTs.
func SignatureFromRequest(r *http.Request) string {
	return r.Header.Get(signatureHeader)
}
