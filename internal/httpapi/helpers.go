package httpapi

import (
	"crypto/rand"
	"encoding/base64"
)

// randomAPIKey generates a 32-byte, base64url-encoded management key,
// long enough to satisfy validation.APIKeyFormat's minimum.
func randomAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rg_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
