// Package cryptox implements field-level encryption of settings values and
// the hashing used for device fingerprints.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"golang.org/x/crypto/argon2"
)

// sealedPrefix marks a value produced by FieldCipher.Seal.
const sealedPrefix = "enc:v1:"

// ErrNotSealed is returned by Open for values that were never sealed.
var ErrNotSealed = errors.New("value is not sealed")

// DeriveKey stretches a user passphrase into a 256-bit AES key.
func DeriveKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// Fingerprint returns the hex SHA-256 of the parts joined with '|'.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// FieldCipher seals individual setting values with AES-GCM. The field name is
// bound as additional data, so a sealed value cannot be moved to another field.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher builds a FieldCipher; key must be 16, 24 or 32 bytes.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{aead: aead}, nil
}

// Seal serializes v to JSON, encrypts it and returns the sealed string form.
func (c *FieldCipher) Seal(field string, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(field))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values that are not sealed strings, or that fail
// authentication, are reported as common.ErrMalformedData.
func (c *FieldCipher) Open(field string, v any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, sealedPrefix) {
		return nil, fmt.Errorf("field %q: %w: %w", field, common.ErrMalformedData, ErrNotSealed)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("field %q: %w: %v", field, common.ErrMalformedData, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("field %q: %w: short ciphertext", field, common.ErrMalformedData)
	}

	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(field))
	if err != nil {
		return nil, fmt.Errorf("field %q: %w: %v", field, common.ErrMalformedData, err)
	}

	var out any
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("field %q: %w: %v", field, common.ErrMalformedData, err)
	}
	return out, nil
}

// SealFields seals every value of f.
func (c *FieldCipher) SealFields(f map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		sealed, err := c.Seal(k, v)
		if err != nil {
			return nil, fmt.Errorf("seal %q: %w", k, err)
		}
		out[k] = sealed
	}
	return out, nil
}

// OpenFields opens every value of f.
func (c *FieldCipher) OpenFields(f map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		opened, err := c.Open(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = opened
	}
	return out, nil
}
