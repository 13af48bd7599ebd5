package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/mersea/llm-relay/internal/relay"
	"github.com/mersea/llm-relay/internal/usage"
)

// handleModels returns the model list the presented key may use. Keys
// without patterns see every priced model.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	key := relay.KeyFromContext(r.Context())

	var models []string
	if len(key.ModelPatterns) > 0 {
		models = slices.Clone(key.ModelPatterns)
	} else {
		for model := range s.pricing {
			if model != "default" {
				models = append(models, model)
			}
		}
	}
	slices.Sort(models)

	type entry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	data := make([]entry, 0, len(models))
	for _, m := range models {
		data = append(data, entry{ID: m, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleKeyInfo(w http.ResponseWriter, r *http.Request) {
	key := relay.KeyFromContext(r.Context())

	dailyCost, err := usage.DailyCostUSD(r.Context(), s.store, key.ID)
	if err != nil {
		s.log.Error("daily cost lookup failed", "keyId", key.ID, "error", err)
	}
	balance, tracked, err := s.limiter.Credits(r.Context(), key.ID)
	if err != nil {
		s.log.Error("credit lookup failed", "keyId", key.ID, "error", err)
	}

	info := map[string]any{
		"id":   key.ID,
		"name": key.Name,
		"quota": map[string]any{
			"requestsPerWindow": key.Quota.RequestsPerWindow,
			"tokensPerWindow":   key.Quota.TokensPerWindow,
			"windowSeconds":     key.Quota.WindowSeconds,
			"maxConcurrent":     key.Quota.MaxConcurrent,
		},
		"dailyCostLimit": key.DailyCostLimit,
		"dailyCostUsed":  dailyCost,
		"modelPatterns":  key.ModelPatterns,
		"createdAt":      key.CreatedAt,
	}
	if tracked {
		info["credits"] = balance
	}
	if key.DedicatedAccountID != "" {
		info["dedicatedAccountId"] = key.DedicatedAccountID
	}
	if key.GroupID != "" {
		info["groupId"] = key.GroupID
	}
	if key.ExpiresAt > 0 {
		info["expiresAt"] = time.UnixMilli(key.ExpiresAt).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	key := relay.KeyFromContext(r.Context())

	periods, err := s.usageLog.Periods(r.Context(), key.ID)
	if err != nil {
		s.log.Error("usage lookup failed", "keyId", key.ID, "error", err)
		writeClientError(w, http.StatusInternalServerError, "api_error", "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": periods})
}
