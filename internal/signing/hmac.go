package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix tags the algorithm used for the signature header value.
const Prefix = "sha256="

// Sign computes the HMAC-SHA256 of the exact bytes that are transmitted.
// Signing the same bytes with the same secret always yields the same token.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

func Verify(signature string, payload []byte, secret string) bool {
	if !strings.HasPrefix(signature, Prefix) {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
