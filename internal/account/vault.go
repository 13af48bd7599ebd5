package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/store"
)

// ErrNoCredentials is returned when an account has no token material yet.
var ErrNoCredentials = errors.New("account has no stored credentials")

// Vault is the only component that touches encrypted token fields.
// Everything else sees the Account projection, which omits them.
type Vault struct {
	store  store.Store
	cipher *crypto.Cipher
}

func NewVault(s store.Store, c *crypto.Cipher) *Vault {
	return &Vault{store: s, cipher: c}
}

// AccessToken decrypts the current access token for an account.
func (v *Vault) AccessToken(ctx context.Context, id string) (string, error) {
	return v.decryptField(ctx, id, "accessToken")
}

// RefreshToken decrypts the current refresh token for an account.
func (v *Vault) RefreshToken(ctx context.Context, id string) (string, error) {
	return v.decryptField(ctx, id, "refreshToken")
}

// APIKey decrypts a static credential (console / bedrock accounts).
func (v *Vault) APIKey(ctx context.Context, id string) (string, error) {
	return v.decryptField(ctx, id, "apiKey")
}

func (v *Vault) decryptField(ctx context.Context, id, field string) (string, error) {
	enc, err := v.store.HGet(ctx, store.KeyAccountPrefix+id, field)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNoCredentials
		}
		return "", err
	}
	if enc == "" {
		return "", ErrNoCredentials
	}
	plain, err := v.cipher.Decrypt(enc, id)
	if err != nil {
		return "", fmt.Errorf("decrypt %s for account %s: %w", field, id, err)
	}
	return plain, nil
}

// StoreTokens persists a fresh token pair after a successful OAuth
// exchange. It also returns the account to active and clears any stale
// error, since a working refresh proves the credentials are good.
func (v *Vault) StoreTokens(ctx context.Context, id, access, refresh string, expiresIn time.Duration, scopes string) error {
	encAccess, err := v.cipher.Encrypt(access, id)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	fields := map[string]string{
		"accessToken": encAccess,
		"expiresAt":   strconv.FormatInt(time.Now().Add(expiresIn).UnixMilli(), 10),
		"state":       StateActive,
		"lastError":   "",
	}
	if refresh != "" {
		encRefresh, err := v.cipher.Encrypt(refresh, id)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		fields["refreshToken"] = encRefresh
	}
	if scopes != "" {
		fields["scopes"] = scopes
	}
	return v.store.HSet(ctx, store.KeyAccountPrefix+id, fields)
}

// StoreStaticKey persists a long-lived credential for providers that do
// not rotate (claude-console, bedrock).
func (v *Vault) StoreStaticKey(ctx context.Context, id, key string) error {
	enc, err := v.cipher.Encrypt(key, id)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	return v.store.HSet(ctx, store.KeyAccountPrefix+id, map[string]string{
		"apiKey":    enc,
		"tokenType": "static",
	})
}
