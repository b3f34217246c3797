package tenants

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const sealedPrefix = "v1:"

var ErrSealed = errors.New("sealed secret cannot be opened")

// Sealer encrypts shared secrets at rest with AES-GCM. A nil Sealer stores them
// as given.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the AES-256 key from key; nil when key is empty.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, nil
	}
	h := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts secret. The host is bound as additional data so a sealed value
// cannot be copied onto another tenant's row.
func (s *Sealer) Seal(host, secret string) (string, error) {
	if s == nil {
		return secret, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(secret), []byte(host))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values written before sealing was enabled pass through.
func (s *Sealer) Open(host, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if s == nil {
		return "", ErrSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrSealed
	}
	n := s.aead.NonceSize()
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(host))
	if err != nil {
		return "", ErrSealed
	}
	return string(plain), nil
}
