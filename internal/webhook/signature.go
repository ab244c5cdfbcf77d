package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// VerifySignature checks the base64 HMAC-SHA256 signature the remote service
// computes over the raw request body. An empty configured secret disables
// verification (local development).
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body) //nolint:errcheck
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
