package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const secretPrefix = "whsec_"

// decodeSecret returns the HMAC key material for a shared webhook secret.
// Secrets issued with a "whsec_" prefix carry base64url-encoded key bytes;
// anything else is used verbatim.
func decodeSecret(secret string) ([]byte, error) {
	if !strings.HasPrefix(secret, secretPrefix) {
		return []byte(secret), nil
	}
	raw := strings.TrimPrefix(secret, secretPrefix)
	raw = strings.ReplaceAll(raw, "-", "+")
	raw = strings.ReplaceAll(raw, "_", "/")
	if pad := len(raw) % 4; pad != 0 {
		raw += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(raw)
}

// parseSignatureHeader extracts the candidate signatures from a
// space-separated list of "version,signature" pairs. Only v1 entries are
// considered.
func parseSignatureHeader(header string) []string {
	var signatures []string
	for _, entry := range strings.Fields(header) {
		version, signature, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" || signature == "" {
			continue
		}
		signatures = append(signatures, signature)
	}
	return signatures
}

// verifySignature computes HMAC-SHA256 over "{id}.{timestamp}.{body}" and
// compares it in constant time against every candidate the header
// carries. Any single match accepts the delivery.
func verifySignature(secret []byte, id, timestamp string, body []byte, header string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	computed := mac.Sum(nil)

	for _, candidate := range parseSignatureHeader(header) {
		expected, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil || len(expected) != len(computed) {
			continue
		}
		if subtle.ConstantTimeCompare(expected, computed) == 1 {
			return true
		}
	}
	return false
}
