package encryption

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

// AgeCredentialStore implements melissi.CredentialStore with filippo.io/age.
// The credentials are kept as JSON encrypted to an X25519 identity that is
// generated on first Save and stored beside it with owner-only permissions,
// so the daemon can start without a prompt.
type AgeCredentialStore struct {
	path         string
	identityPath string
}

var _ melissi.CredentialStore = (*AgeCredentialStore)(nil)

// NewAgeCredentialStore creates a new AgeCredentialStore from configuration.
func NewAgeCredentialStore(cfg config.CredentialsConfig) *AgeCredentialStore {
	identityPath := cfg.IdentityPath
	if identityPath == "" {
		identityPath = cfg.Path + ".key"
	}
	return &AgeCredentialStore{
		path:         cfg.Path,
		identityPath: identityPath,
	}
}

// Save encrypts creds to the store's identity, creating the identity if it
// does not exist yet.
func (s *AgeCredentialStore) Save(creds *melissi.Credentials) error {
	if creds == nil || creds.Username == "" {
		return fmt.Errorf("username required")
	}

	identity, err := s.loadOrCreateIdentity()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return writeFileAtomic(s.path, buf.Bytes())
}

// Load decrypts the stored credentials.
func (s *AgeCredentialStore) Load() (*melissi.Credentials, error) {
	identity, err := s.loadIdentity()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credentials: %w", err)
	}

	var creds melissi.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &creds, nil
}

// IsConfigured returns true if both the identity and the credentials exist.
func (s *AgeCredentialStore) IsConfigured() bool {
	if _, err := os.Stat(s.identityPath); err != nil {
		return false
	}
	if _, err := os.Stat(s.path); err != nil {
		return false
	}
	return true
}

func (s *AgeCredentialStore) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return identity, nil
}

func (s *AgeCredentialStore) loadOrCreateIdentity() (*age.X25519Identity, error) {
	identity, err := s.loadIdentity()
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	identity, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := writeFileAtomic(s.identityPath, []byte(identity.String()+"\n")); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return identity, nil
}

// writeFileAtomic writes data with owner-only permissions via a temp file
// and rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
