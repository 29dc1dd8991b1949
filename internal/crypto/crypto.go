// Package crypto provides symmetric encryption for secrets at rest.
//
// Tenant connection strings and integration credentials are stored
// AES-256-CBC encrypted with a random IV per ciphertext. The wire format is
// "hex(iv):hex(ciphertext)" so a stored value is self-describing and a
// missing colon is immediately detectable as corruption.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrCorruptCiphertext is returned when a stored value cannot be decrypted:
// bad hex, missing IV separator, truncated blocks or invalid padding.
var ErrCorruptCiphertext = errors.New("crypto: corrupt ciphertext")

// ErrMissingKey is returned by NewCipher when no key material is configured.
var ErrMissingKey = errors.New("crypto: encryption key not configured")

const keySize = 32 // AES-256

// Cipher encrypts and decrypts with a fixed 32-byte key.
type Cipher struct {
	key []byte
}

// NewCipher derives a Cipher from the configured secret. The key is the
// first 32 bytes of the secret; shorter secrets are zero-padded, which is
// only acceptable outside production — callers must enforce that.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	key := make([]byte, keySize)
	copy(key, secret)
	return &Cipher{key: key}, nil
}

// Encrypt returns "hex(iv):hex(ct)" for the given plaintext. An empty
// plaintext is passed through unchanged so optional secret fields round-trip
// without special casing at call sites.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: read iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Malformed input of any kind yields
// ErrCorruptCiphertext rather than leaking parser detail.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	ivHex, ctHex, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", ErrCorruptCiphertext
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrCorruptCiphertext
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrCorruptCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", ErrCorruptCiphertext
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
