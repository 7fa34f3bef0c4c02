// ABOUTME: At-rest encryption for device passwords stored on miner records
// ABOUTME: PBKDF2-SHA256 derives the key; XChaCha20-Poly1305 seals each value with a random nonce

package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// ErrDecrypt is returned when a ciphertext is malformed or was sealed with another key
var ErrDecrypt = errors.New("decrypt failed")

const (
	kdfSalt       = "miner-agent-salt"
	kdfIterations = 480000
)

// Cipher seals and opens short secrets. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from the configured secret.
func NewCipher(secret string) (*Cipher, error) {
	return newCipher(secret, kdfIterations)
}

func newCipher(secret string, iterations int) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("secret key must not be empty")
	}

	key := pbkdf2.Key([]byte(secret), []byte(kdfSalt), iterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain. An empty value stays empty so "no password" round-trips.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
