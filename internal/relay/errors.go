package relay

import (
	"encoding/json"
	"net/http"
	"regexp"
)

// Key-shaped substrings are masked before an upstream error body reaches
// the client or the logs. Keeps the first 8 characters for correlation.
var secretRe = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{5})[A-Za-z0-9_-]{8,}|\b(Bearer +[A-Za-z0-9._-]{8})[A-Za-z0-9._-]{8,}`)

// ScrubSecrets masks anything credential-shaped in b.
func ScrubSecrets(b []byte) []byte {
	return secretRe.ReplaceAll(b, []byte("$1$2…"))
}

// writeError answers with an Anthropic-shaped error object.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}
