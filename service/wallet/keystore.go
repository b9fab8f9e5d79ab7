package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Keystore seals and unseals private key material for at-rest storage.
// The concrete custody mechanism is a collaborator concern; this local
// implementation is AES-256-GCM under a passphrase-derived key.
type Keystore interface {
	Seal(plaintext string) (string, error)
	Unseal(sealed string) (string, error)
}

type aesKeystore struct {
	key [32]byte
}

// NewKeystore derives an AES-256 key from the passphrase.
func NewKeystore(passphrase string) Keystore {
	return &aesKeystore{key: sha256.Sum256([]byte(passphrase))}
}

// Seal encrypts the plaintext and returns base64(nonce || ciphertext).
func (k *aesKeystore) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal reverses Seal.
func (k *aesKeystore) Unseal(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed key: %w", err)
	}
	block, err := aes.NewCipher(k.key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed key too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unseal key: %w", err)
	}
	return string(plaintext), nil
}
