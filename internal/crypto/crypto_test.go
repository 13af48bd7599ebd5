package crypto

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher(testSecret)

	for _, size := range []int{0, 1, 16, 255, 4096, 64 * 1024} {
		raw := make([]byte, size)
		_, err := rand.Read(raw)
		require.NoError(t, err)
		plain := string(raw)

		env, err := c.Encrypt(plain, "token")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(env, "v1:"), "envelope must carry version header")

		got, err := c.Decrypt(env, "token")
		require.NoError(t, err)
		require.Equal(t, plain, got, "round trip mismatch at size %d", size)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c := NewCipher(testSecret)

	env, err := c.Encrypt("secret-token", "token")
	require.NoError(t, err)

	// Flip one hex digit in the ciphertext section.
	idx := len(env) - 1
	flipped := env[:idx] + map[byte]string{'0': "1"}[env[idx]]
	if flipped == env[:idx] {
		flipped = env[:idx] + "0"
	}
	_, err = c.Decrypt(flipped, "token")
	require.Error(t, err, "GCM must reject tampered ciphertext")
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	c := NewCipher(testSecret)

	env, err := c.Encrypt("x", "token")
	require.NoError(t, err)

	_, err = c.Decrypt("v9"+env[2:], "token")
	require.ErrorIs(t, err, ErrBadVersion)

	_, err = c.Decrypt("not-an-envelope", "token")
	require.ErrorIs(t, err, ErrBadEnvelope)
}

func TestDecryptWithWrongSaltFails(t *testing.T) {
	c := NewCipher(testSecret)

	env, err := c.Encrypt("refresh-token-value", "token")
	require.NoError(t, err)

	_, err = c.Decrypt(env, "other-salt")
	require.Error(t, err)
}

func TestHashKeyStable(t *testing.T) {
	h1 := HashKey("cr_abc")
	h2 := HashKey("cr_abc")
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
	require.NotEqual(t, h1, HashKey("cr_abd"))
}

func TestNewAPIKeyShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		k, err := NewAPIKey("cr_")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(k, "cr_"))
		require.Len(t, k, 3+43)
		require.False(t, seen[k], "generated keys must not repeat")
		seen[k] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("abc", "abc"))
	require.False(t, ConstantTimeEqual("abc", "abd"))
	require.False(t, ConstantTimeEqual("abc", "abcd"))
}
