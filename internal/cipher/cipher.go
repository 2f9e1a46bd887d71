// Package cipher is the end-to-end envelope between the dapp and the wallet. The relay
// server only ever sees its output.
//
// Wire format: hex(iv[12] || tag[16] || ciphertext).
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	ErrInvalidKey = errors.New("cipher key must be 32 bytes of hex")
	// ErrDecrypt covers every decrypt failure so callers cannot tell which check failed.
	ErrDecrypt = errors.New("unable to decrypt")
)

// Cipher encrypts and decrypts relay payloads.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(cipherHex string) (string, error)
}

type AESGCM struct {
	aead cipher.AEAD
}

// New builds the envelope keyed by the session secret.
func New(secretHex string) (*AESGCM, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Encrypt(plain string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}
	// Seal appends the tag after the ciphertext; the wire wants it first.
	sealed := c.aead.Seal(nil, iv, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return hex.EncodeToString(out), nil
}

func (c *AESGCM) Decrypt(cipherHex string) (string, error) {
	raw, err := hex.DecodeString(cipherHex)
	if err != nil || len(raw) < ivSize+tagSize {
		return "", ErrDecrypt
	}
	iv, tag, ct := raw[:ivSize], raw[ivSize:ivSize+tagSize], raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
