package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mersea/llm-relay/internal/account"
)

type accountRequest struct {
	Name          string               `json:"name"`
	Provider      string               `json:"provider"`
	Priority      *int                 `json:"priority"`
	GroupID       string               `json:"groupId"`
	MaxConcurrent int                  `json:"maxConcurrent"`
	ModelPatterns []string             `json:"modelPatterns"`
	Proxy         *account.ProxyConfig `json:"proxy"`

	// Credentials, write-only. OAuth providers take refresh/access
	// tokens obtained externally; console and bedrock take a static key.
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	Scopes       string `json:"scopes"`
	APIKey       string `json:"apiKey"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Provider == "" {
		writeAdminError(w, http.StatusBadRequest, "name and provider are required")
		return
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	acct, err := s.repo.Create(r.Context(), account.CreateParams{
		Name:          req.Name,
		Provider:      req.Provider,
		Priority:      priority,
		GroupID:       req.GroupID,
		MaxConcurrent: req.MaxConcurrent,
		ModelPatterns: req.ModelPatterns,
		Proxy:         req.Proxy,
	})
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case req.APIKey != "":
		err = s.vault.StoreStaticKey(r.Context(), acct.ID, req.APIKey)
	case req.RefreshToken != "" || req.AccessToken != "":
		expiresIn := time.Duration(req.ExpiresIn) * time.Second
		err = s.vault.StoreTokens(r.Context(), acct.ID, req.AccessToken, req.RefreshToken, expiresIn, req.Scopes)
	}
	if err != nil {
		s.log.Error("storing account credentials failed", "accountId", acct.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	s.log.Info("account created", "accountId", acct.ID, "provider", acct.Provider)
	writeJSON(w, http.StatusOK, safeAccount(acct))
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.repo.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	out := make([]map[string]any, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, safeAccount(acct))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, safeAccount(acct))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req accountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := s.repo.Get(r.Context(), id)
	if err != nil || acct == nil {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}

	fields := map[string]string{}
	if req.Name != "" {
		fields["name"] = req.Name
	}
	if req.Priority != nil {
		fields["priority"] = strconv.Itoa(*req.Priority)
	}
	if req.MaxConcurrent > 0 {
		fields["maxConcurrent"] = strconv.Itoa(req.MaxConcurrent)
	}
	if err := s.repo.Update(r.Context(), id, fields); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "update failed")
		return
	}

	// Credential rotation, when supplied.
	switch {
	case req.APIKey != "":
		err = s.vault.StoreStaticKey(r.Context(), id, req.APIKey)
	case req.RefreshToken != "" || req.AccessToken != "":
		err = s.vault.StoreTokens(r.Context(), id, req.AccessToken, req.RefreshToken, time.Duration(req.ExpiresIn)*time.Second, req.Scopes)
	}
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	updated, err := s.repo.Get(r.Context(), id)
	if err != nil || updated == nil {
		writeAdminError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, safeAccount(updated))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.repo.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.log.Info("account deleted", "accountId", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		State  string `json:"state"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.State != account.StateActive && req.State != account.StateDisabled {
		writeAdminError(w, http.StatusBadRequest, "state must be active or disabled")
		return
	}
	if err := s.repo.SetState(r.Context(), id, req.State, req.Reason); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "state change failed")
		return
	}
	s.log.Info("account state changed", "accountId", id, "state", req.State)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": req.State})
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tokens.ForceRefresh(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "refreshed"})
}

// safeAccount strips anything credential-adjacent from admin responses.
func safeAccount(acct *account.Account) map[string]any {
	out := map[string]any{
		"id":            acct.ID,
		"name":          acct.Name,
		"provider":      acct.Provider,
		"state":         acct.State,
		"priority":      acct.Priority,
		"maxConcurrent": acct.MaxConcurrent,
		"tokenType":     acct.TokenType,
		"createdAt":     acct.CreatedAt.Format(time.RFC3339),
	}
	if acct.GroupID != "" {
		out["groupId"] = acct.GroupID
	}
	if len(acct.ModelPatterns) > 0 {
		out["modelPatterns"] = acct.ModelPatterns
	}
	if acct.Proxy != nil {
		out["proxy"] = map[string]any{"scheme": acct.Proxy.Scheme, "host": acct.Proxy.Host, "port": acct.Proxy.Port}
	}
	if acct.ExpiresAt > 0 {
		out["tokenExpiresAt"] = time.UnixMilli(acct.ExpiresAt).UTC().Format(time.RFC3339)
	}
	if acct.CooldownUntil != nil {
		out["cooldownUntil"] = acct.CooldownUntil.UTC().Format(time.RFC3339)
	}
	if acct.LastError != "" {
		out["lastError"] = acct.LastError
	}
	if acct.LastUsedAt != nil {
		out["lastUsedAt"] = acct.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return out
}
