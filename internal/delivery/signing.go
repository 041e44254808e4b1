package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	HeaderReferenceID    = "X-Reference-ID"
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderSignature      = "X-Signature" // sha256=<hex>
	HeaderTimestamp      = "X-Timestamp" // unix seconds
)

// Sign returns "sha256=<hex>" of HMAC-SHA256 over body||timestamp
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time
func VerifySignature(secret string, body []byte, timestamp, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body, timestamp)), []byte(signature))
}
