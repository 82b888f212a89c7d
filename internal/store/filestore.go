package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// defaultHMACSecret signs records when the host does not provide its own
// secret. It only provides tamper evidence, not confidentiality; enable
// encryption for the latter.
const defaultHMACSecret = "licensecore-store-integrity-v1"

// envelope wraps a stored payload with integrity and encryption metadata.
type envelope struct {
	Version   int       `json:"version"`
	Payload   []byte    `json:"payload"`
	Encrypted bool      `json:"encrypted"`
	Salt      []byte    `json:"salt,omitempty"`
	Nonce     []byte    `json:"nonce,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
	Signature string    `json:"signature"`
}

// FileStore persists records as individual JSON files inside a directory.
// Each record carries an HMAC-SHA256 signature; records can additionally be
// encrypted at rest with AES-256-GCM.
type FileStore struct {
	dir        string
	hmacSecret []byte
	passphrase string
	logger     *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithHMACSecret overrides the default record signing secret.
func WithHMACSecret(secret []byte) FileStoreOption {
	return func(s *FileStore) { s.hmacSecret = secret }
}

// WithEncryption enables AES-256-GCM encryption at rest using a key derived
// from the passphrase with scrypt.
func WithEncryption(passphrase string) FileStoreOption {
	return func(s *FileStore) { s.passphrase = passphrase }
}

// WithFileStoreLogger sets the logger used for storage warnings.
func WithFileStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		dir:        dir,
		hmacSecret: []byte(defaultHMACSecret),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s, nil
}

// Get retrieves and verifies a record by key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse stored record: %w", err)
	}

	if !hmac.Equal([]byte(env.Signature), []byte(s.sign(env))) {
		s.logger.Warn("stored record failed integrity check",
			slog.String("key", key),
		)
		return nil, ErrTampered
	}

	payload := env.Payload
	if env.Encrypted {
		if s.passphrase == "" {
			return nil, fmt.Errorf("record is encrypted but no passphrase is configured")
		}
		payload, err = decryptPayload(payload, s.passphrase, env.Salt, env.Nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt stored record: %w", err)
		}
	}

	return payload, nil
}

// Set writes a record under key with restricted file permissions. The write
// goes through a temp file and rename so a crash never leaves a torn record.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	env := envelope{
		Version: 1,
		Payload: value,
		SavedAt: time.Now().UTC(),
	}

	if s.passphrase != "" {
		ciphertext, salt, nonce, err := encryptPayload(value, s.passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt record: %w", err)
		}
		env.Payload = ciphertext
		env.Encrypted = true
		env.Salt = salt
		env.Nonce = nonce
	}

	env.Signature = s.sign(env)

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// pathFor maps a logical key to a file name. Keys are hashed so callers can
// use arbitrary strings without path traversal concerns.
func (s *FileStore) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".json")
}

// sign computes the HMAC-SHA256 signature over the envelope fields that must
// not change after the record is written.
func (s *FileStore) sign(env envelope) string {
	h := hmac.New(sha256.New, s.hmacSecret)
	fmt.Fprintf(h, "%d|%t|", env.Version, env.Encrypted)
	h.Write(env.Salt)
	h.Write(env.Nonce)
	h.Write(env.Payload)
	fmt.Fprintf(h, "|%s", env.SavedAt.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}
