package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrAuthenticationFailed is returned when a ciphertext fails GCM tag
// verification: the data was tampered with or the wrong key was used.
// Corrupted plaintext is never returned.
var ErrAuthenticationFailed = errors.New("decryption failed: authentication error")

// EncryptionService handles AES-256-GCM encryption of stored secrets
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService creates a new encryption service with the given master key
// masterKey should be a 32-byte hex-encoded string (64 characters)
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}

	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &EncryptionService{
		masterKey: masterKey,
	}, nil
}

// DeriveKey derives a purpose-specific encryption key from the master key
// using HKDF (HMAC-based Key Derivation Function)
func (e *EncryptionService) DeriveKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, errors.New("purpose is required for key derivation")
	}

	hkdfReader := hkdf.New(sha256.New, e.masterKey, []byte(purpose), []byte("usageledger-encryption"))

	key := make([]byte, 32) // AES-256 requires 32-byte key
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return key, nil
}

// SealDetached encrypts plaintext with AES-256-GCM under a purpose-derived key
// and returns the ciphertext, nonce and authentication tag as separate values.
// A fresh random 12-byte nonce is generated on every call.
func (e *EncryptionService) SealDetached(purpose string, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	gcm, err := e.newGCM(purpose)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the 16-byte tag; split it off so callers can store it separately
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]

	return ciphertext, nonce, tag, nil
}

// OpenDetached decrypts and authenticates a detached ciphertext/nonce/tag
// triple. Tamper or a wrong key yields ErrAuthenticationFailed.
func (e *EncryptionService) OpenDetached(purpose string, ciphertext, nonce, tag []byte) ([]byte, error) {
	gcm, err := e.newGCM(purpose)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: expected %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

func (e *EncryptionService) newGCM(purpose string) (cipher.AEAD, error) {
	key, err := e.DeriveKey(purpose)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// GenerateMasterKey generates a new random 32-byte master key (for setup)
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
