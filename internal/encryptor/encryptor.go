package encryptor

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSize
	keySize   = chacha20poly1305.KeySize
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1

	// raw bytes of secret material in a generated key file
	keyFileBytes = 32
)

// ErrDecrypt wraps authentication failures, which usually mean the wrong key.
var ErrDecrypt = errors.New("decryption failed")

// Encryptor defines the interface for encryption and decryption operations.
type Encryptor interface {
	Encrypt(plaintext []byte, secret string) ([]byte, error)
	Decrypt(ciphertext []byte, secret string) ([]byte, error)
}

// chaCha20Poly1305Encryptor implements the Encryptor interface using ChaCha20-Poly1305.
type chaCha20Poly1305Encryptor struct{}

// NewEncryptor returns the default encryptor.
func NewEncryptor() Encryptor {
	return &chaCha20Poly1305Encryptor{}
}

func (e *chaCha20Poly1305Encryptor) aead(secret string, salt []byte) (cipherAEAD, error) {
	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}
	return aead, nil
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Encrypt seals plaintext under a key derived from secret. The output is
// salt || nonce || ciphertext.
func (e *chaCha20Poly1305Encryptor) Encrypt(plaintext []byte, secret string) ([]byte, error) {
	header := make([]byte, saltSize+nonceSize, saltSize+nonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("failed to generate salt and nonce: %w", err)
	}
	aead, err := e.aead(secret, header[:saltSize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(header, header[saltSize:], plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *chaCha20Poly1305Encryptor) Decrypt(ciphertext []byte, secret string) ([]byte, error) {
	if len(ciphertext) < saltSize+nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	aead, err := e.aead(secret, ciphertext[:saltSize])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ciphertext[saltSize:saltSize+nonceSize], ciphertext[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// GenerateKey returns fresh url-safe base64 key material.
func GenerateKey() (string, error) {
	raw := make([]byte, keyFileBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// WriteKeyFile generates a key and writes it to path, refusing to overwrite.
func WriteKeyFile(path string) error {
	key, err := GenerateKey()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

// ReadKeyFile loads the key written by WriteKeyFile.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}
