package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptyMasterKey = errors.New("cryptox: empty master key")
	ErrSealedTooShort = errors.New("cryptox: sealed value too short")
)

const sealInfo = "authsession/credstore/v1"

// Sealer encrypts short string values with XChaCha20-Poly1305. The key is
// derived from operator supplied master key material with HKDF-SHA256.
//
// Sealed output is base64url: [24-byte nonce][ciphertext][16-byte tag]. The
// caller supplied label is bound as additional data, so a value sealed under
// one storage key will not open under another.
type Sealer struct {
	key []byte
}

// NewSealer derives a sealing key from masterKey.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, ErrEmptyMasterKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cryptox: derive key: %w", err)
	}

	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext bound to label.
func (s *Sealer) Seal(label, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("cryptox: create aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails if the value was tampered with or sealed
// under a different label or key.
func (s *Sealer) Open(label, sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("cryptox: decode sealed value: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("cryptox: create aead: %w", err)
	}

	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedTooShort
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return "", fmt.Errorf("cryptox: open sealed value: %w", err)
	}

	return string(plaintext), nil
}
