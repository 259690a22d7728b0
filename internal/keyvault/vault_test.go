package keyvault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, secret string) *Vault {
	t.Helper()
	v, err := New([]byte(secret))
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	for _, key := range []string{"ABCD-EFGH-IJKL", "x", strings.Repeat("Z", 512), "ключ-🔑"} {
		sealed, err := v.Encrypt(key)
		require.NoError(t, err)
		assert.NotContains(t, sealed, key)

		opened, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, key, opened)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	a, err := v.Encrypt("SAME-KEY")
	require.NoError(t, err)
	b, err := v.Encrypt("SAME-KEY")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	for _, sealed := range []string{a, b} {
		opened, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "SAME-KEY", opened)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := newTestVault(t, "0123456789abcdef0123456789abcdef").Encrypt("SECRET")
	require.NoError(t, err)

	_, err = newTestVault(t, "fedcba9876543210fedcba9876543210").Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")
	sealed, err := v.Encrypt("SECRET-KEY")
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(sealed), &env))
	raw, err := base64.RawStdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)

	flipped := append([]byte(nil), raw...)
	flipped[0] ^= 0x01
	tampered := env
	tampered.Ciphertext = base64.RawStdEncoding.EncodeToString(flipped)

	truncated := env
	truncated.Ciphertext = base64.RawStdEncoding.EncodeToString(raw[:len(raw)-4])

	wrongVersion := env
	wrongVersion.Version = 9

	cases := map[string]string{
		"garbage":       "not-json",
		"empty":         "",
		"bit_flip":      mustJSON(t, tampered),
		"truncated":     mustJSON(t, truncated),
		"wrong_version": mustJSON(t, wrongVersion),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(input)
			assert.True(t, errors.Is(err, ErrDecryption), "got %v", err)
		})
	}
}

func TestEncryptEnvelopeShape(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")
	sealed, err := v.Encrypt("SHAPE-KEY")
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(sealed), &fields))
	assert.ElementsMatch(t, []string{"version", "nonce", "ciphertext"}, keysOf(fields))
	assert.EqualValues(t, 1, fields["version"])

	nonce, err := base64.RawStdEncoding.DecodeString(fields["nonce"].(string))
	require.NoError(t, err)
	assert.Len(t, nonce, 12)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Equal(t, "encryption_key_missing", err.Error())
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	_, err := newTestVault(t, "secret").Encrypt("")
	assert.ErrorIs(t, err, ErrEncryption)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
