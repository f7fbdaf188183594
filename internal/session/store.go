package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"usageledger/internal/crypto"
)

// keyPurpose labels the HKDF derivation for credential encryption so the
// session key is domain-separated from any other use of the master key.
const keyPurpose = "session-credential"

// credentialFile is the on-disk JSON document. Exactly one such file exists
// at a time; a new save supersedes all previous ones.
type credentialFile struct {
	Ciphertext  string    `json:"ciphertext,omitempty"` // base64
	IV          string    `json:"iv,omitempty"`         // base64
	Tag         string    `json:"tag,omitempty"`        // base64
	Payload     string    `json:"payload,omitempty"`    // base64, plaintext mode only
	IsEncrypted bool      `json:"is_encrypted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store manages the single-slot on-disk session credential.
// Saves must be serialized by the caller (a human-driven login flow);
// reads may run concurrently with no writer in flight.
type Store struct {
	dir string
	enc *crypto.EncryptionService // nil when no master key is configured
}

// NewStore creates a session store rooted at dir. The directory is created
// with owner-only permissions if it does not exist.
func NewStore(dir string, enc *crypto.EncryptionService) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{dir: dir, enc: enc}, nil
}

// Save stores a new credential, superseding every previous one
// (delete-then-write, single-writer assumption). With encrypt=true a
// configured encryption key is mandatory; its absence is a configuration
// error, never a silent fallback to plaintext.
func (s *Store) Save(payload []byte, encrypt bool) error {
	if encrypt && s.enc == nil {
		return errors.New("ENCRYPTION_MASTER_KEY is required to save an encrypted session credential")
	}

	record := credentialFile{
		IsEncrypted: encrypt,
		CreatedAt:   time.Now().UTC(),
	}

	if encrypt {
		ciphertext, nonce, tag, err := s.enc.SealDetached(keyPurpose, payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential: %w", err)
		}
		record.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
		record.IV = base64.StdEncoding.EncodeToString(nonce)
		record.Tag = base64.StdEncoding.EncodeToString(tag)
	} else {
		record.Payload = base64.StdEncoding.EncodeToString(payload)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := s.deleteAll(); err != nil {
		return err
	}

	name := uuid.New().String() + ".json"
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	log.Printf("✅ [SESSION] Credential saved (%s, encrypted=%v)", name, encrypt)
	return nil
}

// Read returns the stored credential payload. When no credential file
// exists it returns (nil, nil); "no session" is not an error. Encrypted
// records are decrypted and authenticated before returning; tamper or a
// wrong key yields crypto.ErrAuthenticationFailed.
func (s *Store) Read() ([]byte, error) {
	files, err := s.credentialFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	// A correct writer leaves exactly one file; tolerate more by taking the
	// first found in sorted order.
	data, err := os.ReadFile(files[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var record credentialFile
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}

	if !record.IsEncrypted {
		payload, err := base64.StdEncoding.DecodeString(record.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode credential payload: %w", err)
		}
		return payload, nil
	}

	if s.enc == nil {
		return nil, errors.New("ENCRYPTION_MASTER_KEY is required to read an encrypted session credential")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(record.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(record.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tag: %w", err)
	}

	return s.enc.OpenDetached(keyPurpose, ciphertext, nonce, tag)
}

// Clear removes any stored credential.
func (s *Store) Clear() error {
	if err := s.deleteAll(); err != nil {
		return err
	}
	log.Println("🗑️ [SESSION] Credential cleared")
	return nil
}

func (s *Store) deleteAll() error {
	files, err := s.credentialFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete old credential file: %w", err)
		}
	}
	return nil
}

func (s *Store) credentialFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
