package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/store"
)

type keyRequest struct {
	Name               string   `json:"name"`
	RequestsPerWindow  int64    `json:"requestsPerWindow"`
	TokensPerWindow    int64    `json:"tokensPerWindow"`
	WindowSeconds      int      `json:"windowSeconds"`
	MaxConcurrent      int      `json:"maxConcurrent"`
	DailyCostLimit     *float64 `json:"dailyCostLimit"`
	ModelPatterns      []string `json:"modelPatterns"`
	DedicatedAccountID string   `json:"dedicatedAccountId"`
	GroupID            string   `json:"groupId"`
	TTLSeconds         int64    `json:"ttlSeconds"`
	Credits            float64  `json:"credits"`
}

func (r keyRequest) issueParams() apikey.IssueParams {
	return apikey.IssueParams{
		Name: r.Name,
		Quota: apikey.Quota{
			RequestsPerWindow: r.RequestsPerWindow,
			TokensPerWindow:   r.TokensPerWindow,
			WindowSeconds:     r.WindowSeconds,
			MaxConcurrent:     r.MaxConcurrent,
		},
		DailyCostLimit:     r.DailyCostLimit,
		ModelPatterns:      r.ModelPatterns,
		DedicatedAccountID: r.DedicatedAccountID,
		GroupID:            r.GroupID,
		TTL:                time.Duration(r.TTLSeconds) * time.Second,
	}
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, plaintext, err := s.keys.Issue(r.Context(), req.issueParams())
	if errors.Is(err, apikey.ErrInvalidQuota) {
		writeAdminError(w, http.StatusBadRequest, "quota limits must not be negative")
		return
	}
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to issue key")
		return
	}

	if req.Credits > 0 {
		if err := s.limiter.SetCredits(r.Context(), key.ID, req.Credits); err != nil {
			s.log.Error("setting initial credits failed", "keyId", key.ID, "error", err)
		}
	}

	s.log.Info("api key issued", "keyId", key.ID, "name", key.Name)
	out := safeKey(key)
	out["key"] = plaintext // one-time plaintext, never stored
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, safeKey(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if key == nil {
		writeAdminError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, safeKey(key))
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := s.keys.Update(r.Context(), id, req.issueParams())
	switch {
	case errors.Is(err, apikey.ErrInvalidQuota):
		writeAdminError(w, http.StatusBadRequest, "quota limits must not be negative")
		return
	case errors.Is(err, store.ErrNotFound):
		writeAdminError(w, http.StatusNotFound, "key not found")
		return
	case err != nil:
		writeAdminError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, safeKey(key))
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.keys.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.log.Info("api key deleted", "keyId", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.keys.Revoke(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	s.log.Info("api key revoked", "keyId", id)
	writeJSON(w, http.StatusOK, map[string]string{"revoked": id})
}

func (s *Server) handleSetCredits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Balance float64 `json:"balance"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.limiter.SetCredits(r.Context(), id, req.Balance); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "credit update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "balance": req.Balance})
}

// safeKey renders a key record without its hash.
func safeKey(k *apikey.Key) map[string]any {
	out := map[string]any{
		"id":       k.ID,
		"name":     k.Name,
		"disabled": k.Disabled,
		"quota": map[string]any{
			"requestsPerWindow": k.Quota.RequestsPerWindow,
			"tokensPerWindow":   k.Quota.TokensPerWindow,
			"windowSeconds":     k.Quota.WindowSeconds,
			"maxConcurrent":     k.Quota.MaxConcurrent,
		},
		"dailyCostLimit": k.DailyCostLimit,
		"createdAt":      k.CreatedAt,
	}
	if len(k.ModelPatterns) > 0 {
		out["modelPatterns"] = k.ModelPatterns
	}
	if k.DedicatedAccountID != "" {
		out["dedicatedAccountId"] = k.DedicatedAccountID
	}
	if k.GroupID != "" {
		out["groupId"] = k.GroupID
	}
	if k.ExpiresAt > 0 {
		out["expiresAt"] = time.UnixMilli(k.ExpiresAt).UTC().Format(time.RFC3339)
	}
	if k.LastUsedAt != "" {
		out["lastUsedAt"] = k.LastUsedAt
	}
	return out
}
