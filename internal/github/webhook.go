package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks a GitHub webhook X-Hub-Signature-256 header
// against the raw request body. Comparison is constant-time.
func VerifySignature(body []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" {
		return false
	}

	scheme, hexDigest, ok := strings.Cut(signatureHeader, "=")
	if !ok || scheme != "sha256" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(hexDigest))
}
