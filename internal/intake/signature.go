package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature is returned when a webhook signature does not verify.
var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifySignature checks a GitHub "sha256=<hex>" HMAC of body.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook signature: secret is empty")
	}
	if signature == "" {
		return fmt.Errorf("%w: header missing", ErrBadSignature)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrBadSignature)
	}
	if subtle.ConstantTimeCompare(Sign(secret, body), got) != 1 {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way GitHub sends it.
func SignatureHeader(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}
