package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	secret := "s3cret"

	if !VerifySignature(body, sign(body, secret), secret) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(body, sign(body, "wrong"), secret) {
		t.Error("signature under wrong secret accepted")
	}
	if VerifySignature([]byte(`{"action":"closed"}`), sign(body, secret), secret) {
		t.Error("signature over different body accepted")
	}
	if VerifySignature(body, "", secret) {
		t.Error("missing signature accepted")
	}
	if VerifySignature(body, "sha1=deadbeef", secret) {
		t.Error("sha1 scheme accepted")
	}
	if VerifySignature(body, "sha256=not-hex", secret) {
		t.Error("malformed digest accepted")
	}
}
