// Package token keeps account credentials fresh. Refresh is serialized
// twice: singleflight collapses concurrent callers in this process, a
// store lock fences out other relay instances.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/store"
)

var (
	// ErrRefreshInProgress means another holder had the lock and its
	// result did not land within the wait budget.
	ErrRefreshInProgress = errors.New("token refresh in progress elsewhere")
	// ErrRefreshRejected means the provider refused the refresh token.
	// The account has been parked as unauthorized.
	ErrRefreshRejected = errors.New("refresh token rejected by provider")
)

// ClientProvider yields an HTTP client honoring the account's proxy.
type ClientProvider interface {
	Client(acct *account.Account) *http.Client
}

type Manager struct {
	repo    *account.Repo
	vault   *account.Vault
	store   store.Store
	clients ClientProvider
	cfg     *config.Config
	bus     *events.Bus
	log     *slog.Logger
	group   singleflight.Group
}

func NewManager(repo *account.Repo, vault *account.Vault, s store.Store, clients ClientProvider, cfg *config.Config, bus *events.Bus, log *slog.Logger) *Manager {
	return &Manager{
		repo:    repo,
		vault:   vault,
		store:   s,
		clients: clients,
		cfg:     cfg,
		bus:     bus,
		log:     log.With("component", "token"),
	}
}

// oauthResponse covers both the Anthropic and Google token endpoints.
type oauthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// EnsureFresh returns a usable credential for the account. OAuth
// providers get a refresh when the token is inside the skew window;
// static providers read straight from the vault.
func (m *Manager) EnsureFresh(ctx context.Context, acct *account.Account) (string, error) {
	switch acct.Provider {
	case account.ProviderClaudeConsole, account.ProviderBedrock:
		return m.vault.APIKey(ctx, acct.ID)
	}

	if acct.TokenFresh(time.Now(), m.cfg.TokenRefreshSkew) {
		tok, err := m.vault.AccessToken(ctx, acct.ID)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil && !errors.Is(err, account.ErrNoCredentials) {
			return "", err
		}
	}
	return m.refresh(ctx, acct.ID)
}

// ForceRefresh rotates the token regardless of expiry. Used after a 401
// from the upstream proved the current token dead.
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	return m.refresh(ctx, accountID)
}

func (m *Manager) refresh(ctx context.Context, accountID string) (string, error) {
	tok, err, _ := m.group.Do(accountID, func() (any, error) {
		return m.refreshLocked(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

func (m *Manager) refreshLocked(ctx context.Context, accountID string) (string, error) {
	owner := uuid.NewString()
	lockKey := store.KeyRefreshLock + accountID

	acquired, err := m.store.AcquireLock(ctx, lockKey, owner, m.cfg.RefreshLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		return m.awaitOtherHolder(ctx, accountID)
	}
	defer func() {
		if err := m.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, owner); err != nil {
			m.log.Error("release refresh lock failed", "accountId", accountID, "error", err)
		}
	}()

	// Another instance may have finished between our expiry check and
	// the lock grant.
	acct, err := m.repo.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", fmt.Errorf("account %s vanished during refresh", accountID)
	}
	if acct.TokenFresh(time.Now(), m.cfg.TokenRefreshSkew) {
		if tok, err := m.vault.AccessToken(ctx, accountID); err == nil && tok != "" {
			return tok, nil
		}
	}

	refreshToken, err := m.vault.RefreshToken(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}

	m.log.Info("refreshing token", "accountId", accountID, "provider", acct.Provider)

	resp, err := m.exchange(ctx, acct, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			if serr := m.repo.SetState(ctx, accountID, account.StateUnauthorized, "refresh token rejected"); serr != nil {
				m.log.Error("mark unauthorized failed", "accountId", accountID, "error", serr)
			}
		}
		return "", err
	}

	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if err := m.vault.StoreTokens(ctx, accountID, resp.AccessToken, resp.RefreshToken, expiresIn, resp.Scope); err != nil {
		return "", fmt.Errorf("store rotated tokens: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.EventTokenRotated, AccountID: accountID})
	}
	m.log.Info("token refreshed", "accountId", accountID, "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// awaitOtherHolder polls for the other holder's result until the wait
// budget runs out.
func (m *Manager) awaitOtherHolder(ctx context.Context, accountID string) (string, error) {
	deadline := time.Now().Add(m.cfg.RefreshWaitMax)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		acct, err := m.repo.Get(ctx, accountID)
		if err != nil {
			return "", err
		}
		if acct != nil && acct.TokenFresh(time.Now(), 0) {
			if tok, err := m.vault.AccessToken(ctx, accountID); err == nil && tok != "" {
				return tok, nil
			}
		}
		if time.Now().After(deadline) {
			return "", ErrRefreshInProgress
		}
	}
}

func (m *Manager) exchange(ctx context.Context, acct *account.Account, refreshToken string) (*oauthResponse, error) {
	var req *http.Request
	var err error

	switch acct.Provider {
	case account.ProviderClaudeOAuth:
		req, err = m.claudeRefreshRequest(ctx, refreshToken)
	case account.ProviderGemini:
		req, err = m.geminiRefreshRequest(ctx, refreshToken)
	default:
		return nil, fmt.Errorf("provider %s does not rotate tokens", acct.Provider)
	}
	if err != nil {
		return nil, err
	}

	resp, err := m.clients.Client(acct).Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read oauth response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		if strings.Contains(string(body), "invalid_grant") {
			return nil, ErrRefreshRejected
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed oauthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse oauth response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, errors.New("oauth response missing access_token")
	}
	return &parsed, nil
}

func (m *Manager) claudeRefreshRequest(ctx context.Context, refreshToken string) (*http.Request, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.cfg.ClaudeClientID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ClaudeOAuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (m *Manager) geminiRefreshRequest(ctx context.Context, refreshToken string) (*http.Request, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.cfg.GeminiClientID},
		"client_secret": {m.cfg.GeminiClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.GeminiOAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
