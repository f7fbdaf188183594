package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"usageledger/internal/crypto"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	enc, err := crypto.NewEncryptionService(testKey)
	if err != nil {
		t.Fatalf("NewEncryptionService failed: %v", err)
	}
	store, err := NewStore(dir, enc)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store, dir
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestSaveReadRoundTrip verifies an encrypted credential survives
// save-then-read byte-for-byte
func TestSaveReadRoundTrip(t *testing.T) {
	store, dir := newTestStore(t)

	payload := []byte(`{"cookie":"session=abc123","authorization":"Bearer tok"}`)
	if err := store.Save(payload, true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	files := listFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("Expected exactly one credential file, got %d", len(files))
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Round trip mismatch: got %q, want %q", got, payload)
	}
}

// TestSaveSupersedes verifies a new save leaves exactly one file holding
// the latest credential
func TestSaveSupersedes(t *testing.T) {
	store, dir := newTestStore(t)

	if err := store.Save([]byte("old"), true); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.Save([]byte("new"), true); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	if files := listFiles(t, dir); len(files) != 1 {
		t.Fatalf("Expected one file after second save, got %d", len(files))
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Expected latest credential, got %q", got)
	}
}

// TestReadNoSession verifies a missing credential is not an error
func TestReadNoSession(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read with no credential should not error, got %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil payload, got %q", got)
	}
}

// TestEncryptedFileFormat verifies the on-disk document shape and that the
// payload never appears in the clear
func TestEncryptedFileFormat(t *testing.T) {
	store, dir := newTestStore(t)

	payload := []byte("super-secret-cookie")
	if err := store.Save(payload, true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	files := listFiles(t, dir)
	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if bytes.Contains(data, payload) {
		t.Error("Credential file contains plaintext payload")
	}

	var record struct {
		Ciphertext  string `json:"ciphertext"`
		IV          string `json:"iv"`
		Tag         string `json:"tag"`
		IsEncrypted bool   `json:"is_encrypted"`
		CreatedAt   string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("Credential file is not valid JSON: %v", err)
	}
	if !record.IsEncrypted {
		t.Error("is_encrypted should be true")
	}
	if record.Ciphertext == "" || record.IV == "" || record.Tag == "" {
		t.Error("Expected ciphertext, iv and tag to be present")
	}
	if record.CreatedAt == "" {
		t.Error("Expected created_at to be present")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, files[0]))
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("Expected 0600 permissions, got %o", perm)
		}
	}
}

// TestReadTampered verifies tampering is detected, never returned as data
func TestReadTampered(t *testing.T) {
	store, dir := newTestStore(t)

	if err := store.Save([]byte("secret"), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	files := listFiles(t, dir)
	path := filepath.Join(dir, files[0])
	data, _ := os.ReadFile(path)

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	record["tag"] = "AAAAAAAAAAAAAAAAAAAAAA==" // 16 zero bytes
	tampered, _ := json.Marshal(record)
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := store.Read(); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
}

// TestReadWrongKey verifies a credential saved under one key cannot be
// read under another
func TestReadWrongKey(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Save([]byte("secret"), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	otherEnc, _ := crypto.NewEncryptionService("ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100")
	otherStore, err := NewStore(dir, otherEnc)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, err := otherStore.Read(); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
}

// TestPlaintextMode verifies the unencrypted path round-trips
func TestPlaintextMode(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	payload := []byte("plain-credential")
	if err := store.Save(payload, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Round trip mismatch: got %q, want %q", got, payload)
	}
}

// TestEncryptWithoutKey verifies a missing key is a loud configuration
// error, never a silent plaintext fallback
func TestEncryptWithoutKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save([]byte("secret"), true); err == nil {
		t.Fatal("Expected error saving encrypted credential without a key")
	}

	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("No file should be written on failure, found %d", len(files))
	}
}

// TestClear verifies Clear removes the credential
func TestClear(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Save([]byte("secret"), true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("Expected empty dir after Clear, found %d files", len(files))
	}

	got, err := store.Read()
	if err != nil || got != nil {
		t.Errorf("Expected no-session after Clear, got %q, %v", got, err)
	}
}
