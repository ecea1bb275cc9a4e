// Package signature implements the HMAC-SHA256 webhook signing scheme.
//
// The signed content is "{timestamp}.{payload}" and the signature is the
// lower-case hex HMAC digest, sent in the X-Webhook-Signature header with
// the unix timestamp in X-Webhook-Timestamp. Receivers should reject
// timestamps outside a tolerance window (default 300s) to mitigate replay.
package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hooksmith/webhook-engine/internal/models"
)

// Header names used on outbound webhook requests.
const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

// DefaultTolerance is the recommended receiver-side replay window.
const DefaultTolerance = 300 * time.Second

// Sign computes the hex HMAC-SHA256 signature over "{timestamp}.{payload}".
func Sign(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the expected signature for the payload,
// secret and timestamp. The comparison is constant-time.
func Verify(payload []byte, secret string, timestamp int64, sig string) bool {
	expected := Sign(payload, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// VerifyForSubscription checks a signature against the subscription's
// current secret, and against the previous secret while the rotation grace
// window is still open. Outside the window the previous secret is rejected
// even if still present on the record.
func VerifyForSubscription(sub *models.Subscription, payload []byte, timestamp int64, sig string, now time.Time, grace time.Duration) bool {
	if Verify(payload, sub.CurrentSecret, timestamp, sig) {
		return true
	}
	if sub.PreviousSecretValid(now, grace) {
		return Verify(payload, *sub.PreviousSecret, timestamp, sig)
	}
	return false
}

// GenerateSecret creates a cryptographically random signing secret:
// "whsec_" + 32 random bytes hex encoded.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("signature: failed to generate random secret: " + err.Error())
	}
	return "whsec_" + hex.EncodeToString(b)
}
