package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mersea/llm-relay/internal/crypto"
)

const adminTokenTTL = 24 * time.Hour

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if !crypto.ConstantTimeEqual(req.Username, s.cfg.AdminUsername) ||
		!crypto.ConstantTimeEqual(req.Password, s.cfg.AdminPassword) {
		s.log.Warn("admin login rejected", "username", req.Username, "remote", r.RemoteAddr)
		writeAdminError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": time.Now().Add(adminTokenTTL).Unix(),
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     signed,
		"expiresIn": int(adminTokenTTL.Seconds()),
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenStr == "" {
			writeAdminError(w, http.StatusUnauthorized, "missing token")
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeAdminError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleDashboard aggregates pool and usage state for the admin UI.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.repo.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}

	byState := make(map[string]int)
	for _, acct := range accounts {
		byState[acct.State]++
	}

	modelStats, err := s.usageLog.ModelStats(r.Context(), time.Now().AddDate(0, 0, -30))
	if err != nil {
		s.log.Error("model stats failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": s.version,
		"store":   s.store.Name(),
		"accounts": map[string]any{
			"total":   len(accounts),
			"byState": byState,
		},
		"keys":         map[string]any{"total": len(keys)},
		"models":       modelStats,
		"recentEvents": s.bus.Recent(),
	})
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}
