package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// HeaderSHA256 is the preferred platform signature header.
	HeaderSHA256 = "X-Hub-Signature-256"
	// HeaderSHA1 is the legacy platform signature header.
	HeaderSHA1 = "X-Hub-Signature"
)

// Verify checks a platform HMAC signature over the raw request body.
// The header carries "sha256=<hex>" or "sha1=<hex>". Missing header,
// unknown algorithm, malformed hex, or digest mismatch all fail closed.
func Verify(body []byte, header, secret string) bool {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return false
	}

	algorithm, provided, ok := strings.Cut(header, "=")
	if !ok {
		return false
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return false
	}

	var expected []byte
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "sha256":
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	case "sha1":
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	default:
		return false
	}

	return hmac.Equal(decoded, expected)
}

// Sign computes the sha256 signature header value for a payload.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// TokenMatches compares a verification challenge token in constant time.
func TokenMatches(provided, expected string) bool {
	provided = strings.TrimSpace(provided)
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
