package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	body := []byte(`{"event":"conversation.updated"}`)
	sig := sign("shh", body)
	assert.NoError(t, VerifySignature(body, sig, "shh", false))
}

func TestVerifySignatureRejectsTampered(t *testing.T) {
	body := []byte(`{"event":"conversation.updated"}`)
	sig := sign("shh", body)
	tampered := append([]byte{}, body...)
	tampered[0] = '['
	assert.ErrorIs(t, VerifySignature(tampered, sig, "shh", false), ErrInvalidSignature)
}

func TestVerifySignatureMissingRejectedOutsideDevMode(t *testing.T) {
	assert.ErrorIs(t, VerifySignature([]byte("{}"), "", "shh", false), ErrMissingSignature)
}

func TestVerifySignatureMissingToleratedInDevMode(t *testing.T) {
	assert.NoError(t, VerifySignature([]byte("{}"), "", "shh", true))
}
