package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

// dmKeyFromRequest extracts the caller-presented shared secret. Both
// "Authorization: Bearer <key>" and a bare key value are accepted.
func dmKeyFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(raw, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	}
	return raw
}

// dmKeyMatches compares the presented key against the stored one in constant
// time. Hashing first sidesteps length leaks.
func dmKeyMatches(presented, stored string) bool {
	if stored == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(stored))
	return hmac.Equal(a[:], b[:])
}
