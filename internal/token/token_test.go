package token

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/store"
)

type staticClients struct{ c *http.Client }

func (s staticClients) Client(*account.Account) *http.Client { return s.c }

type fixture struct {
	mgr   *Manager
	repo  *account.Repo
	vault *account.Vault
	store store.Store
}

func newFixture(t *testing.T, oauthURL string) *fixture {
	t.Helper()
	s := store.NewMemory()
	cipher := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	bus := events.NewBus(16)
	repo := account.NewRepo(s, bus)
	vault := account.NewVault(s, cipher)
	cfg := &config.Config{
		ClaudeOAuthURL:   oauthURL,
		ClaudeClientID:   "test-client",
		GeminiOAuthURL:   oauthURL,
		TokenRefreshSkew: 10 * time.Second,
		RefreshLockTTL:   time.Minute,
		RefreshWaitMax:   2 * time.Second,
	}
	mgr := NewManager(repo, vault, s, staticClients{http.DefaultClient}, cfg, bus, slog.Default())
	return &fixture{mgr: mgr, repo: repo, vault: vault, store: s}
}

func oauthServer(t *testing.T, hits *atomic.Int64, status int, body map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConcurrentCallersRefreshOnce(t *testing.T) {
	var hits atomic.Int64
	srv := oauthServer(t, &hits, http.StatusOK, map[string]any{
		"access_token":  "fresh-token",
		"refresh_token": "next-refresh",
		"expires_in":    3600,
	})
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	acct, err := f.repo.Create(ctx, account.CreateParams{Name: "a", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)
	// Expired access token, valid refresh token.
	require.NoError(t, f.vault.StoreTokens(ctx, acct.ID, "stale", "refresh-1", -time.Hour, ""))
	acct, err = f.repo.Get(ctx, acct.ID)
	require.NoError(t, err)

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.mgr.EnsureFresh(ctx, acct)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, hits.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-token", tokens[i])
	}

	// Rotation persisted the new pair.
	refresh, err := f.vault.RefreshToken(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "next-refresh", refresh)
}

func TestFreshTokenSkipsEndpoint(t *testing.T) {
	var hits atomic.Int64
	srv := oauthServer(t, &hits, http.StatusOK, nil)
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	acct, err := f.repo.Create(ctx, account.CreateParams{Name: "a", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)
	require.NoError(t, f.vault.StoreTokens(ctx, acct.ID, "still-good", "r", time.Hour, ""))
	acct, err = f.repo.Get(ctx, acct.ID)
	require.NoError(t, err)

	tok, err := f.mgr.EnsureFresh(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, "still-good", tok)
	require.Zero(t, hits.Load())
}

func TestInvalidGrantParksAccount(t *testing.T) {
	var hits atomic.Int64
	srv := oauthServer(t, &hits, http.StatusBadRequest, map[string]any{
		"error": "invalid_grant",
	})
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	acct, err := f.repo.Create(ctx, account.CreateParams{Name: "a", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)
	require.NoError(t, f.vault.StoreTokens(ctx, acct.ID, "stale", "revoked", -time.Hour, ""))
	acct, err = f.repo.Get(ctx, acct.ID)
	require.NoError(t, err)

	_, err = f.mgr.EnsureFresh(ctx, acct)
	require.ErrorIs(t, err, ErrRefreshRejected)

	got, err := f.repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, account.StateUnauthorized, got.State)
	require.False(t, got.Usable(time.Now()))
}

func TestStaticProvidersReadVault(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0")
	ctx := context.Background()

	acct, err := f.repo.Create(ctx, account.CreateParams{Name: "console", Provider: account.ProviderClaudeConsole})
	require.NoError(t, err)
	require.NoError(t, f.vault.StoreStaticKey(ctx, acct.ID, "sk-ant-console"))
	acct, err = f.repo.Get(ctx, acct.ID)
	require.NoError(t, err)

	tok, err := f.mgr.EnsureFresh(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-console", tok)
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := oauthServer(t, &hits, http.StatusOK, map[string]any{
		"access_token": "rotated",
		"expires_in":   3600,
	})
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	acct, err := f.repo.Create(ctx, account.CreateParams{Name: "a", Provider: account.ProviderClaudeOAuth})
	require.NoError(t, err)
	require.NoError(t, f.vault.StoreTokens(ctx, acct.ID, "valid-but-dead", "r", time.Hour, ""))

	tok, err := f.mgr.ForceRefresh(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", tok)
	require.EqualValues(t, 1, hits.Load())

	// Refresh token absent from the response keeps the old one.
	refresh, err := f.vault.RefreshToken(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "r", refresh)
}
