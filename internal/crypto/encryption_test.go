package crypto

import (
	"bytes"
	"errors"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// TestNewEncryptionService validates master key requirements
func TestNewEncryptionService(t *testing.T) {
	if _, err := NewEncryptionService(""); err == nil {
		t.Error("Expected error for empty master key")
	}
	if _, err := NewEncryptionService("not-hex"); err == nil {
		t.Error("Expected error for non-hex master key")
	}
	if _, err := NewEncryptionService("abcd"); err == nil {
		t.Error("Expected error for short master key")
	}
	if _, err := NewEncryptionService(testKey); err != nil {
		t.Errorf("Valid key rejected: %v", err)
	}
}

// TestSealOpenRoundTrip verifies encrypt-then-decrypt returns the original
// payload byte-for-byte
func TestSealOpenRoundTrip(t *testing.T) {
	svc, err := NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService failed: %v", err)
	}

	plaintext := []byte(`{"cookie":"session=abc123"}`)
	ciphertext, nonce, tag, err := svc.SealDetached("test", plaintext)
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}

	if len(nonce) != 12 {
		t.Errorf("Expected 12-byte nonce, got %d", len(nonce))
	}
	if len(tag) != 16 {
		t.Errorf("Expected 16-byte tag, got %d", len(tag))
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("Ciphertext contains plaintext")
	}

	decrypted, err := svc.OpenDetached("test", ciphertext, nonce, tag)
	if err != nil {
		t.Fatalf("OpenDetached failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

// TestFreshNoncePerSeal verifies each save gets a fresh random nonce
func TestFreshNoncePerSeal(t *testing.T) {
	svc, _ := NewEncryptionService(testKey)

	_, nonce1, _, err := svc.SealDetached("test", []byte("payload"))
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}
	_, nonce2, _, err := svc.SealDetached("test", []byte("payload"))
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}

	if bytes.Equal(nonce1, nonce2) {
		t.Error("Two seals produced the same nonce")
	}
}

// TestOpenWrongKey verifies decryption with a different key fails with an
// authentication error, never corrupted plaintext
func TestOpenWrongKey(t *testing.T) {
	svc, _ := NewEncryptionService(testKey)
	other, _ := NewEncryptionService("ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100")

	ciphertext, nonce, tag, err := svc.SealDetached("test", []byte("secret"))
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}

	plaintext, err := other.OpenDetached("test", ciphertext, nonce, tag)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
	if plaintext != nil {
		t.Error("Failed decryption must not return plaintext")
	}
}

// TestOpenTampered verifies tampered ciphertext and tag are rejected
func TestOpenTampered(t *testing.T) {
	svc, _ := NewEncryptionService(testKey)

	ciphertext, nonce, tag, err := svc.SealDetached("test", []byte("secret"))
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}

	flipped := append([]byte(nil), ciphertext...)
	flipped[0] ^= 0x01
	if _, err := svc.OpenDetached("test", flipped, nonce, tag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Tampered ciphertext: expected ErrAuthenticationFailed, got %v", err)
	}

	badTag := append([]byte(nil), tag...)
	badTag[0] ^= 0x01
	if _, err := svc.OpenDetached("test", ciphertext, nonce, badTag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Tampered tag: expected ErrAuthenticationFailed, got %v", err)
	}
}

// TestOpenWrongPurpose verifies purpose-derived keys are domain-separated
func TestOpenWrongPurpose(t *testing.T) {
	svc, _ := NewEncryptionService(testKey)

	ciphertext, nonce, tag, err := svc.SealDetached("session-credential", []byte("secret"))
	if err != nil {
		t.Fatalf("SealDetached failed: %v", err)
	}

	if _, err := svc.OpenDetached("other-purpose", ciphertext, nonce, tag); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed across purposes, got %v", err)
	}
}

// TestGenerateMasterKey verifies generated keys are usable
func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(key))
	}
	if _, err := NewEncryptionService(key); err != nil {
		t.Errorf("Generated key rejected: %v", err)
	}
}
