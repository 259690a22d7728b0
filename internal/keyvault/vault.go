// Package keyvault encrypts digital key material at rest.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	keyInfo         = "keyforge/digital-keys/v1"
	keySize         = 32
)

var (
	ErrEncryption  = errors.New("encryption_failed")
	ErrDecryption  = errors.New("decryption_failed")
	ErrMissingKey  = errors.New("encryption_key_missing")
	ErrEmptySecret = errors.New("empty_plaintext")
)

// Cipher is the contract consumers depend on.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault is an AES-256-GCM Cipher with a key derived from a master secret.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

var _ Cipher = (*Vault)(nil)

func New(secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce, so equal inputs
// produce different outputs.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: %w", ErrEncryption, ErrEmptySecret)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return string(out), nil
}

// Decrypt fails with ErrDecryption on malformed input, tampering or a key mismatch.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(ciphertext), &env); err != nil {
		return "", ErrDecryption
	}
	if env.Version != envelopeVersion {
		return "", ErrDecryption
	}

	nonce, err := base64.RawStdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", ErrDecryption
	}
	sealed, err := base64.RawStdEncoding.DecodeString(env.Ciphertext)
	if err != nil || len(sealed) < v.aead.Overhead() {
		return "", ErrDecryption
	}

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}
