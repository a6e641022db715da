package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// NewTraceID generates a trace identifier of the form trace-<12 hex chars>.
func NewTraceID() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating trace id: %w", err)
	}
	return "trace-" + hex.EncodeToString(buf[:]), nil
}

// NewUploadToken generates the per-trace upload credential: 32 random bytes,
// URL-safe base64 without padding.
func NewUploadToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating upload token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// tokensEqual compares two tokens in constant time.
func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
