// Package webhook signs and sends outbound webhook requests. Signing
// material flows through memory only; it is never persisted and never
// appears in errors or logs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/hkdf"

	"github.com/mova-labs/ocp/pkg/canonical"
)

// Signature headers attached to every signed delivery.
const (
	HeaderTimestamp = "x-mova-ts"
	HeaderBodySHA   = "x-mova-body-sha256"
	HeaderSignature = "x-mova-sig"
)

const kdfSalt = "ocp-webhook-kdf"

// Sign computes hex(HMAC-SHA256(secret, "{timestamp}.{bodySHA256}")).
// timestamp is the delivery time in unix milliseconds, as a decimal string.
func Sign(secret, timestamp, bodySHA256 string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + bodySHA256))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time.
func VerifySignature(secret, timestamp, bodySHA256, signature string) bool {
	want := Sign(secret, timestamp, bodySHA256)
	return hmac.Equal([]byte(want), []byte(signature))
}

// VerifyRequest validates a received delivery: all three headers present,
// body hash matches, signature matches. Used by receiver-side tests and by
// integrations that terminate our webhooks.
func VerifyRequest(secret string, header http.Header, body []byte) error {
	ts := header.Get(HeaderTimestamp)
	sha := header.Get(HeaderBodySHA)
	sig := header.Get(HeaderSignature)
	if ts == "" || sha == "" || sig == "" {
		return errors.New("missing signature headers")
	}
	if canonical.HashBytes(body) != sha {
		return errors.New("body hash mismatch")
	}
	if !VerifySignature(secret, ts, sha, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}

// DeriveTargetKey derives a per-target signing key from the master secret
// using HKDF-SHA256 with the destination host as context. Rotating one
// target's key never touches another's.
func DeriveTargetKey(master []byte, host string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("master key must not be empty")
	}
	if host == "" {
		return nil, errors.New("host must not be empty")
	}
	r := hkdf.New(sha256.New, master, []byte(kdfSalt), []byte(host))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive target key: %w", err)
	}
	return key, nil
}
