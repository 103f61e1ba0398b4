package remote

import (
	"fmt"
	"net/http"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
)

// NewRemoteFromConfig creates a RemoteClient based on the remote config type.
func NewRemoteFromConfig(cfg config.RemoteConfig, creds *melissi.Credentials, ids melissi.IDGenerator) (melissi.RemoteClient, error) {
	switch cfg.Type {
	case "http", "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("url required for http remote")
		}
		if creds == nil {
			return nil, fmt.Errorf("credentials required for http remote")
		}
		// Per-call deadlines come from the caller's context.
		return NewHTTPClient(cfg.URL, creds, &http.Client{}, ids)
	case "memory":
		return NewMemoryRemote(), nil
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
