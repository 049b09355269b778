package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var errVerification = errors.New("webhook verification failed")

// verifySignature checks signature against HMAC-SHA256(secret, body). The
// same opaque error is returned for every failure.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return errVerification
	}
	if !hmac.Equal(computeMAC(body, secret), actual) {
		return errVerification
	}
	return nil
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the GitHub-style signature header value for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(computeMAC(body, secret))
}
