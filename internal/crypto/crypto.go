// Package crypto is the single encryption facade for the relay. OAuth
// material at rest goes through the versioned envelope here; nothing else
// in the codebase touches cipher primitives directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Envelope format: "v1:{nonce_hex}:{ciphertext_hex}" where ciphertext
// carries the GCM tag. Unknown versions are rejected on decrypt.
const envelopeVersion = "v1"

var (
	ErrBadEnvelope = errors.New("crypto: malformed envelope")
	ErrBadVersion  = errors.New("crypto: unknown envelope version")
)

// Cipher derives AES-256 keys with scrypt and seals/opens token envelopes.
type Cipher struct {
	secret      string
	mu          sync.RWMutex
	derivedKeys map[string][]byte // salt → derived key cache
}

func NewCipher(secret string) *Cipher {
	return &Cipher{
		secret:      secret,
		derivedKeys: make(map[string][]byte),
	}
}

// DeriveKey derives an AES-256 key for the given salt. Results are cached;
// scrypt with these parameters costs ~100ms per derivation.
func (c *Cipher) DeriveKey(salt string) ([]byte, error) {
	c.mu.RLock()
	if key, ok := c.derivedKeys[salt]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.secret), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derivedKeys[salt] = key
	c.mu.Unlock()

	return key, nil
}

// Encrypt seals plaintext into a versioned envelope using AES-256-GCM with
// a random nonce.
func (c *Cipher) Encrypt(plaintext, salt string) (string, error) {
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return envelopeVersion + ":" + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Tampered ciphertext fails
// GCM authentication.
func (c *Cipher) Decrypt(envelope, salt string) (string, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 {
		return "", ErrBadEnvelope
	}
	if parts[0] != envelopeVersion {
		return "", ErrBadVersion
	}

	nonce, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length: %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt string) (cipher.AEAD, error) {
	key, err := c.DeriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// HashKey computes the SHA-256 fingerprint of an API key plaintext,
// returned as 64 hex characters.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashFingerprint computes the SHA-256 of arbitrary content (session
// fingerprinting).
func HashFingerprint(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEqual compares two strings without leaking the position of
// the first mismatch.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewAPIKey generates a key plaintext: prefix plus 43 characters encoding
// 32 bytes of entropy. Prefix must be "cr_", "sk_" or "pk_".
func NewAPIKey(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("rand key: %w", err)
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, by := range raw {
		b.WriteByte(keyAlphabet[int(by)%len(keyAlphabet)])
	}
	// A second block keeps entropy above 128 bits despite modulo bias.
	extra := make([]byte, 11)
	if _, err := rand.Read(extra); err != nil {
		return "", fmt.Errorf("rand key: %w", err)
	}
	for _, by := range extra {
		b.WriteByte(keyAlphabet[int(by)%len(keyAlphabet)])
	}
	return b.String(), nil
}
