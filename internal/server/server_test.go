package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/ratelimit"
	"github.com/mersea/llm-relay/internal/store"
	"github.com/mersea/llm-relay/internal/usage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		EncryptionKey:     "0123456789abcdef0123456789abcdef",
		JWTSecret:         "test-jwt-secret",
		AdminUsername:     "admin",
		AdminPassword:     "hunter2hunter2",
		ClaudeAPIURL:      "http://127.0.0.1:0",
		GeminiAPIURL:      "http://127.0.0.1:0",
		ClaudeAPIVersion:  "2023-06-01",
		ClaudeBetaHeader:  "oauth-2025-04-20",
		MaxRequestBodyMB:  10,
		MaxRetries:        1,
		RequestTimeout:    5 * time.Second,
		StreamTimeout:     10 * time.Second,
		RateLimitCooldown: time.Minute,
		InflightSlotGrace: 30 * time.Second,
		StickySessionTTL:  time.Hour,
		TokenRefreshSkew:  10 * time.Second,
		RefreshLockTTL:    time.Minute,
		RefreshWaitMax:    2 * time.Second,
		OverdrawPolicy:    config.OverdrawSoft,
		UsageQueueSize:    64,
		UsageDrainWait:    time.Second,
	}

	lg, err := usage.OpenLog(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, store.NewMemory(), crypto.NewCipher(cfg.EncryptionKey), lg, ratelimit.DefaultPricing(), logger, "test")
	t.Cleanup(srv.recorder.Close)
	return srv
}

func (s *Server) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func (s *Server) adminToken(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/admin/login", `{"username":"admin","password":"hunter2hunter2"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	return gjson.GetBytes(w.Body.Bytes(), "token").Str
}

func TestProbes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/liveness", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/readiness", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "memory", gjson.GetBytes(w.Body.Bytes(), "store.backend").Str)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/key-info", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": "sk_not_a_real_key_at_all"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	key, plaintext, err := s.keys.Issue(context.Background(), apikey.IssueParams{Name: "k"})
	require.NoError(t, err)

	// x-api-key form
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, key.ID, gjson.GetBytes(w.Body.Bytes(), "id").Str)

	// Bearer form
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"Authorization": "Bearer " + plaintext})
	require.Equal(t, http.StatusOK, w.Code)

	// Revoked keys turn into 403
	require.NoError(t, s.keys.Revoke(context.Background(), key.ID))
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestKeyInfoExposesBindings(t *testing.T) {
	s := newTestServer(t)

	_, plaintext, err := s.keys.Issue(context.Background(), apikey.IssueParams{
		Name:               "pinned",
		DedicatedAccountID: "acct-9",
		GroupID:            "grp-2",
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "acct-9", gjson.GetBytes(w.Body.Bytes(), "dedicatedAccountId").Str)
	require.Equal(t, "grp-2", gjson.GetBytes(w.Body.Bytes(), "groupId").Str)

	// Unbound keys omit both fields.
	_, free, err := s.keys.Issue(context.Background(), apikey.IssueParams{Name: "free"})
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": free})
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, gjson.GetBytes(w.Body.Bytes(), "dedicatedAccountId").Exists())
	require.False(t, gjson.GetBytes(w.Body.Bytes(), "groupId").Exists())
}

func TestCreateKeyRejectsNegativeQuota(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w := s.do(t, http.MethodPost, "/admin/keys", `{"name":"bad","maxConcurrent":-1}`, auth)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/admin/keys", `{"name":"bad","dailyCostLimit":-0.5}`, auth)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelsReflectsKeyPatterns(t *testing.T) {
	s := newTestServer(t)

	_, plaintext, err := s.keys.Issue(context.Background(), apikey.IssueParams{
		Name:          "scoped",
		ModelPatterns: []string{"claude-haiku-*"},
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/models", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	data := gjson.GetBytes(w.Body.Bytes(), "data").Array()
	require.Len(t, data, 1)
	require.Equal(t, "claude-haiku-*", data[0].Get("id").Str)
}

func TestUsageEndpoint(t *testing.T) {
	s := newTestServer(t)
	_, plaintext, err := s.keys.Issue(context.Background(), apikey.IssueParams{Name: "k"})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/usage", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, gjson.GetBytes(w.Body.Bytes(), "periods").IsArray())
}

func TestAdminLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/admin/login", `{"username":"admin","password":"wrong"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/admin/accounts", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/admin/accounts", "", map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAccountLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}

	create := `{"name":"work","provider":"claude-oauth","priority":5,"refreshToken":"rt-1","accessToken":"at-1","expiresIn":3600}`
	w := s.do(t, http.MethodPost, "/admin/accounts", create, auth)
	require.Equal(t, http.StatusOK, w.Code)
	id := gjson.GetBytes(w.Body.Bytes(), "id").Str
	require.NotEmpty(t, id)
	require.NotContains(t, w.Body.String(), "rt-1")
	require.NotContains(t, w.Body.String(), "at-1")

	// Credentials landed in the vault, encrypted.
	tok, err := s.vault.AccessToken(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "at-1", tok)

	w = s.do(t, http.MethodGet, "/admin/accounts", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"work"`)

	w = s.do(t, http.MethodPost, "/admin/accounts/"+id+"/state", `{"state":"disabled","reason":"maintenance"}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	acct, err := s.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, account.StateDisabled, acct.State)

	w = s.do(t, http.MethodDelete, "/admin/accounts/"+id, "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	acct, err = s.repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, acct)
}

func TestAdminKeyLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}

	w := s.do(t, http.MethodPost, "/admin/keys", `{"name":"ci","requestsPerWindow":10,"windowSeconds":60,"credits":25}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	id := gjson.GetBytes(w.Body.Bytes(), "id").Str
	plaintext := gjson.GetBytes(w.Body.Bytes(), "key").Str
	require.True(t, strings.HasPrefix(plaintext, "sk_"))

	balance, tracked, err := s.limiter.Credits(context.Background(), id)
	require.NoError(t, err)
	require.True(t, tracked)
	require.Equal(t, 25.0, balance)

	// The plaintext works against the client surface.
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 25.0, gjson.GetBytes(w.Body.Bytes(), "credits").Num)

	w = s.do(t, http.MethodPost, "/admin/keys/"+id+"/credits", `{"balance":100}`, auth)
	require.Equal(t, http.StatusOK, w.Code)
	balance, _, err = s.limiter.Credits(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 100.0, balance)

	w = s.do(t, http.MethodPost, "/admin/keys/"+id+"/revoke", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/key-info", "", map[string]string{"x-api-key": plaintext})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminGroupLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}

	a1, err := s.repo.Create(context.Background(), account.CreateParams{Name: "a1", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/admin/groups", fmt.Sprintf(`{"name":"pool","policy":"round-robin","members":[%q]}`, a1.ID), auth)
	require.Equal(t, http.StatusOK, w.Code)
	id := gjson.GetBytes(w.Body.Bytes(), "id").Str

	w = s.do(t, http.MethodGet, "/admin/groups", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"pool"`)

	w = s.do(t, http.MethodDelete, "/admin/groups/"+id, "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	g, err := s.repo.GetGroup(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestAdminDashboard(t *testing.T) {
	s := newTestServer(t)
	token := s.adminToken(t)

	_, err := s.repo.Create(context.Background(), account.CreateParams{Name: "a", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/admin/dashboard", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, float64(1), gjson.GetBytes(w.Body.Bytes(), "accounts.total").Num)
	require.Equal(t, "memory", body["store"])
}
