package encryption

import (
	"encoding/json"
	"fmt"
	"os"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

// PlainCredentialStore keeps credentials as an unencrypted JSON file with
// owner-only permissions. Meant for tests and throwaway setups.
type PlainCredentialStore struct {
	path string
}

var _ melissi.CredentialStore = (*PlainCredentialStore)(nil)

func NewPlainCredentialStore(cfg config.CredentialsConfig) *PlainCredentialStore {
	return &PlainCredentialStore{path: cfg.Path}
}

func (s *PlainCredentialStore) Save(creds *melissi.Credentials) error {
	if creds == nil || creds.Username == "" {
		return fmt.Errorf("username required")
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *PlainCredentialStore) Load() (*melissi.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	var creds melissi.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &creds, nil
}

func (s *PlainCredentialStore) IsConfigured() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
