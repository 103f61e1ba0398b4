package melissi

// Credentials authenticate the client against the sync server.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialStore keeps the server credentials at rest.
type CredentialStore interface {
	// Save persists creds, replacing any previous value.
	Save(creds *Credentials) error

	// Load returns the stored credentials.
	Load() (*Credentials, error)

	// IsConfigured reports whether credentials have been saved.
	IsConfigured() bool
}
