// Package account holds the upstream account model, its KV-backed
// repository, and the credential vault that owns encrypted OAuth material.
package account

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Providers.
const (
	ProviderClaudeOAuth   = "claude-oauth"
	ProviderClaudeConsole = "claude-console"
	ProviderGemini        = "gemini"
	ProviderBedrock       = "bedrock"
)

// Account states.
const (
	StateActive       = "active"
	StateRateLimited  = "rate-limited"
	StateCooldown     = "cooldown"
	StateDisabled     = "disabled"
	StateUnauthorized = "unauthorized"
)

// Account is a read-only projection of a pooled upstream credential.
// Plaintext tokens are never carried here; the vault hands those to the
// token manager only.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	State    string `json:"state"`
	Priority int    `json:"priority"` // lower = preferred
	GroupID  string `json:"groupId,omitempty"`

	MaxConcurrent int      `json:"maxConcurrent"`
	ModelPatterns []string `json:"modelPatterns,omitempty"`

	Proxy *ProxyConfig `json:"proxy,omitempty"`

	// Token metadata (no secrets).
	TokenType string `json:"tokenType,omitempty"`
	Scopes    string `json:"scopes,omitempty"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds, 0 = unknown

	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// ProxyConfig describes the per-account outbound proxy.
type ProxyConfig struct {
	Scheme   string `json:"scheme"` // http, https, socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Usable reports whether the scheduler may hand this account a request.
// Rate-limited and cooldown states clear once cooldownUntil has passed.
func (a *Account) Usable(now time.Time) bool {
	switch a.State {
	case StateActive:
		return true
	case StateRateLimited, StateCooldown:
		return a.CooldownUntil == nil || !now.Before(*a.CooldownUntil)
	default:
		return false
	}
}

// SupportsModel pattern-matches the requested model against the account's
// allow-list. An empty list admits every model the provider accepts.
func (a *Account) SupportsModel(model string) bool {
	if len(a.ModelPatterns) == 0 {
		return true
	}
	for _, pat := range a.ModelPatterns {
		if matchPattern(pat, model) {
			return true
		}
	}
	return false
}

// matchPattern supports a trailing "*" wildcard; everything else is an
// exact, case-insensitive match.
func matchPattern(pattern, model string) bool {
	p := strings.ToLower(pattern)
	m := strings.ToLower(model)
	if p == "*" {
		return true
	}
	if strings.HasSuffix(p, "*") {
		return strings.HasPrefix(m, strings.TrimSuffix(p, "*"))
	}
	return p == m
}

// TokenFresh reports whether the access token is still valid at now with
// the given skew. The boundary is inclusive on the stale side: a token
// expiring at exactly now+skew triggers refresh.
func (a *Account) TokenFresh(now time.Time, skew time.Duration) bool {
	if a.ExpiresAt == 0 {
		return false
	}
	return now.Add(skew).UnixMilli() < a.ExpiresAt
}

// fromMap decodes the KV hash into a projection.
func fromMap(m map[string]string) *Account {
	a := &Account{
		ID:            m["id"],
		Name:          m["name"],
		Provider:      m["provider"],
		State:         m["state"],
		Priority:      atoi(m["priority"], 50),
		GroupID:       m["groupId"],
		MaxConcurrent: atoi(m["maxConcurrent"], 10),
		TokenType:     m["tokenType"],
		Scopes:        m["scopes"],
		ExpiresAt:     atoi64(m["expiresAt"], 0),
		LastError:     m["lastError"],
	}
	if a.State == "" {
		a.State = StateActive
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		a.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["cooldownUntil"]); err == nil {
		a.CooldownUntil = &t
	}

	if s := m["modelPatterns"]; s != "" {
		var pats []string
		if json.Unmarshal([]byte(s), &pats) == nil {
			a.ModelPatterns = pats
		}
	}
	if s := m["proxy"]; s != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(s), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	return a
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}
