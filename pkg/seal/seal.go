// Package seal encrypts paste bodies with a key that only ever travels in the
// locator's URL fragment.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

// ErrDecryption is the only error Decrypt returns. A wrong key and damaged
// ciphertext are deliberately indistinguishable.
var ErrDecryption = errors.New("decryption failed")

// GenerateKey returns 256 random bits, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	defer wipe(key)
	return hex.EncodeToString(key), nil
}

// Encrypt returns base64(nonce || XChaCha20-Poly1305 ciphertext).
func Encrypt(plaintext, key string) (string, error) {
	k, err := decodeKey(key)
	if err != nil {
		return "", err
	}
	defer wipe(k)
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty plaintext counts as a failure since
// pastes are never created empty.
func Decrypt(ciphertext, key string) (string, error) {
	if ciphertext == "" || key == "" {
		return "", ErrDecryption
	}
	k, err := decodeKey(key)
	if err != nil {
		return "", ErrDecryption
	}
	defer wipe(k)
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryption
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return "", ErrDecryption
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrDecryption
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil || len(plaintext) == 0 {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// ValidKey reports whether key has the shape GenerateKey produces.
func ValidKey(key string) bool {
	k, err := decodeKey(key)
	if err != nil {
		return false
	}
	wipe(k)
	return true
}

func decodeKey(key string) ([]byte, error) {
	if len(key) != hex.EncodedLen(KeySize) {
		return nil, errors.New("invalid key length")
	}
	return hex.DecodeString(key)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
