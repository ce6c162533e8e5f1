package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError renders the same {error, message} body the handlers use, in the
// caller's language.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": Translate(r.Context(), msg),
	})
}
