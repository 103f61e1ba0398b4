package encryption

import (
	"fmt"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

// NewCredentialStoreFromConfig creates a CredentialStore based on the configuration type.
func NewCredentialStoreFromConfig(cfg config.CredentialsConfig) (melissi.CredentialStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("credentials path required")
	}
	switch cfg.Type {
	case "age", "":
		return NewAgeCredentialStore(cfg), nil
	case "plain":
		return NewPlainCredentialStore(cfg), nil
	default:
		return nil, fmt.Errorf("unknown credentials type: %q", cfg.Type)
	}
}
