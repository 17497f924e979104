package cryptox

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := DeriveKey(password, salt)
	key2 := DeriveKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}
	if len(key1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key1))
	}
}

func TestDeriveKey_DifferentSalts(t *testing.T) {
	password := []byte("secret-password")

	key1 := DeriveKey(password, []byte("salt-1"))
	key2 := DeriveKey(password, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := Fingerprint("host", "linux", "amd64", "salt")
	b := Fingerprint("host", "linux", "amd64", "salt")
	c := Fingerprint("host", "linux", "arm64", "salt")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func newCipher(t *testing.T) *FieldCipher {
	t.Helper()
	c, err := NewFieldCipher(DeriveKey([]byte("pw"), []byte("user-1")))
	require.NoError(t, err)
	return c
}

func TestFieldCipher_SealOpen(t *testing.T) {
	c := newCipher(t)
	value := map[string]any{"email": true, "digest": "weekly"}

	sealed, err := c.Seal("notifications", value)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))

	opened, err := c.Open("notifications", sealed)
	require.NoError(t, err)
	assert.Equal(t, value, opened)
}

func TestFieldCipher_FieldNameIsBound(t *testing.T) {
	c := newCipher(t)
	sealed, err := c.Seal("theme", "dark")
	require.NoError(t, err)

	_, err = c.Open("language", sealed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrMalformedData))
}

func TestFieldCipher_OpenRejectsPlainValues(t *testing.T) {
	c := newCipher(t)

	_, err := c.Open("theme", "dark")
	assert.ErrorIs(t, err, common.ErrMalformedData)
	assert.ErrorIs(t, err, ErrNotSealed)

	_, err = c.Open("theme", sealedPrefix+"!!!not-base64")
	assert.ErrorIs(t, err, common.ErrMalformedData)
}

func TestFieldCipher_WrongKey(t *testing.T) {
	c := newCipher(t)
	other, err := NewFieldCipher(DeriveKey([]byte("other"), []byte("user-1")))
	require.NoError(t, err)

	sealed, err := c.Seal("theme", "dark")
	require.NoError(t, err)

	_, err = other.Open("theme", sealed)
	assert.ErrorIs(t, err, common.ErrMalformedData)
}

func TestFieldCipher_Fields(t *testing.T) {
	c := newCipher(t)
	in := map[string]any{"theme": "dark", "beta": true}

	sealed, err := c.SealFields(in)
	require.NoError(t, err)
	assert.NotEqual(t, in["theme"], sealed["theme"])

	opened, err := c.OpenFields(sealed)
	require.NoError(t, err)
	assert.Equal(t, in, opened)
}

func TestNewFieldCipher_BadKey(t *testing.T) {
	_, err := NewFieldCipher([]byte("short"))
	require.Error(t, err)
}
