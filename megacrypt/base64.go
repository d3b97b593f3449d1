package megacrypt

import (
	"encoding/base64"
	"strings"
)

// urlSafeReplacer maps the URL alphabet back onto the standard one
var urlSafeReplacer = strings.NewReplacer("-", "+", "_", "/")

// DecodeBase64URL decodes MEGA's URL-safe base64 variant.
// Missing padding is restored before decoding.
func DecodeBase64URL(data string) ([]byte, error) {
	data = urlSafeReplacer.Replace(strings.TrimSpace(data))
	if rem := len(data) % 4; rem != 0 {
		data += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(data)
}

// EncodeBase64URL is the inverse of DecodeBase64URL; padding is dropped
func EncodeBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
