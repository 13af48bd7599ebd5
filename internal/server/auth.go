package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/relay"
)

// authenticate validates the client API key from x-api-key or a Bearer
// authorization header and attaches it to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-api-key")
		if presented == "" {
			presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if presented == "" {
			writeClientError(w, http.StatusUnauthorized, "authentication_error", "missing api key")
			return
		}

		key, err := s.keys.Validate(r.Context(), presented)
		if err != nil {
			switch {
			case errors.Is(err, apikey.ErrDisabled):
				writeClientError(w, http.StatusForbidden, "permission_error", "api key is disabled")
			case errors.Is(err, apikey.ErrExpired):
				writeClientError(w, http.StatusForbidden, "permission_error", "api key has expired")
			default:
				writeClientError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(relay.WithKey(r.Context(), key)))
	})
}

func writeClientError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
