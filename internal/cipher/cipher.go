// Package cipher provides the pluggable encrypt/decrypt primitive
// spec.md §1 keeps external: a byte-in/byte-out pair configured by
// method+password. The interface is the contract the rest of the
// module depends on; callers that don't enable encryption use Identity.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher is the pluggable symmetric primitive wire bodies pass through
// when encrypt_data is enabled (spec.md §4.1).
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// identity is the no-op Cipher used when encrypt_data is false.
type identity struct{}

func (identity) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (identity) Decrypt(c []byte) ([]byte, error) { return c, nil }

// Identity is the shared no-op Cipher instance.
var Identity Cipher = identity{}

// New resolves a Cipher by method name and password, per spec.md §6's
// encrypt_method/encrypt_password config. "none" or an empty method
// return Identity.
func New(method, password string) (Cipher, error) {
	switch method {
	case "", "none":
		return Identity, nil
	case "chacha20poly1305":
		return newChaCha20(password)
	default:
		return nil, fmt.Errorf("cipher: unsupported encrypt_method %q", method)
	}
}

// chacha20Cipher seals/opens with a key derived from the configured
// password via HKDF-SHA256, framing each message with a random 12-byte
// nonce prefix — the same length-prefix-then-AEAD shape as
// Atsika-aznet's Noise SealData/UnsealData, adapted from a Noise
// session cipher to a directly configured password.
type chacha20Cipher struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func newChaCha20(password string) (Cipher, error) {
	if password == "" {
		return nil, errors.New("cipher: chacha20poly1305 requires a non-empty password")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(password), nil, []byte("xxnet-x-tunnel"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aead: %w", err)
	}
	return &chacha20Cipher{aead: aead}, nil
}

func (c *chacha20Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

func (c *chacha20Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("cipher: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:ns], ciphertext[ns:]
	return c.aead.Open(nil, nonce, sealed, nil)
}
